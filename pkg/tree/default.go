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

package tree

import (
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/trellis/pkg/config"
	"github.com/kadirpekel/trellis/pkg/tools"
)

// Builder initialises a tree's branches and tools. Builders are looked
// up by name on import so a persisted tree rebuilds the same graph.
type Builder func(t *Tree, registry map[string]Tool) error

var builders = map[string]Builder{
	"empty":   func(t *Tree, registry map[string]Tool) error { return nil },
	"default": buildDefault,
}

// RegisterBuilder adds a named branch initialisation for embedders with
// custom graphs.
func RegisterBuilder(name string, builder Builder) {
	builders[name] = builder
}

// DefaultRegistry returns the built-in tools by name.
func DefaultRegistry() map[string]Tool {
	return map[string]Tool{
		"text_response": tools.NewTextResponse(),
		"query":         tools.NewQuery(),
		"aggregate":     tools.NewAggregate(),
		"summarize":     tools.NewSummarize(),
	}
}

// buildDefault wires the standard RAG graph: a root offering the final
// text response and a search sub-branch with query, aggregate and the
// auto-running summarizer.
func buildDefault(t *Tree, registry map[string]Tool) error {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if err := t.AddBranch(BranchConfig{
		ID:          "base",
		Instruction: "Choose the next action that makes progress on the user's prompt. Prefer answering once the environment holds enough information.",
		Root:        true,
	}); err != nil {
		return err
	}
	if err := t.AddTool(mustTool(registry, "text_response"), "base"); err != nil {
		return err
	}
	if err := t.AddBranch(BranchConfig{
		ID:          "search",
		Instruction: "Retrieve or aggregate the data the prompt needs from the connected collections.",
		Description: "Search and aggregate over the connected collections.",
		FromBranch:  "base",
		Status:      "Searching...",
	}); err != nil {
		return err
	}
	if err := t.AddTool(mustTool(registry, "query"), "search"); err != nil {
		return err
	}
	if err := t.AddTool(mustTool(registry, "aggregate"), "search"); err != nil {
		return err
	}
	return t.AddTool(mustTool(registry, "summarize"), "search")
}

func mustTool(registry map[string]Tool, name string) Tool {
	if tl, ok := registry[name]; ok {
		return tl
	}
	// Fall back to the built-in; registries passed on import may be
	// partial.
	return DefaultRegistry()[name]
}

// NewDefault creates a tree with the standard RAG graph attached.
func NewDefault(userID, conversationID string, settings *config.Settings, opts ...Opt) (*Tree, error) {
	opts = append([]Opt{WithBranchInit("default")}, opts...)
	t, err := New(userID, conversationID, settings, opts...)
	if err != nil {
		return nil, err
	}
	if err := buildDefault(t, nil); err != nil {
		return nil, err
	}
	return t, nil
}

func settingsFromJSON(raw json.RawMessage) (*config.Settings, error) {
	settings := &config.Settings{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, settings); err != nil {
			return nil, fmt.Errorf("failed to restore settings: %w", err)
		}
	}
	settings.SetDefaults()
	return settings, nil
}
