// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command trellis runs decision-tree RAG from the terminal.
//
// Usage:
//
//	trellis run "What products were sold last week?" --collections products
//	trellis run --config trellis.yaml "Summarise the feedback"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/trellis/pkg/config"
	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/logger"
	"github.com/kadirpekel/trellis/pkg/tree"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Run a prompt through the decision tree."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("trellis version %s\n", version)
	return nil
}

// RunCmd runs one prompt through a default tree.
type RunCmd struct {
	Prompt       string   `arg:"" help:"The user prompt."`
	Collections  []string `help:"Collections the prompt may retrieve from." placeholder:"NAME"`
	UserID       string   `name:"user-id" help:"User identifier." default:"cli"`
	Conversation string   `name:"conversation" help:"Conversation identifier." default:"cli"`
	Verbose      bool     `short:"v" help:"Print every streamed event, not just the answer."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	settings, err := loadSettings(cli.Config)
	if err != nil {
		return err
	}

	t, err := tree.NewDefault(c.UserID, c.Conversation, settings)
	if err != nil {
		return err
	}

	for ev, err := range t.Run(ctx, c.Prompt, tree.WithCollections(c.Collections...)) {
		if err != nil {
			return err
		}
		switch e := ev.(type) {
		case *event.Text:
			fmt.Println(e.FullText())
		case *event.Status:
			if c.Verbose {
				fmt.Fprintf(os.Stderr, "· %s\n", e.Text)
			}
		case *event.Warning:
			fmt.Fprintf(os.Stderr, "warning: %s\n", e.Text)
		default:
			if c.Verbose {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Kind(), event.MarshalPayload(ev))
			}
		}
	}
	return nil
}

// loadSettings reads the YAML config when given, otherwise falls back
// to environment variables (including a .env file).
func loadSettings(path string) (*config.Settings, error) {
	if path != "" {
		return config.FromYAML(path)
	}
	return config.FromEnvironment()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("trellis"),
		kong.Description("trellis - agentic decision-tree RAG"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, os.Stderr, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
