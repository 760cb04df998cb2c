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

// Package tool defines the contract every tree tool implements.
//
// A tool is polymorphic over four capabilities:
//
//   - Describe: immutable metadata set at construction, never reflected
//     from source
//   - IsAvailable: gates the tool out of the decision catalog, with a
//     human-readable reason the model is told about
//   - ShouldAutoRun: rule tools run unconditionally at the start of any
//     decision node that contains them, before the model decides
//   - Invoke: the only required behaviour, a lazy event stream pulled
//     by the engine, which integrates each event before resuming
//
// Invoke is cooperatively cancellable: implementations check ctx
// between yields.
package tool

import (
	"context"
	"iter"

	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/state"
	"github.com/kadirpekel/trellis/pkg/store"
)

// Input declares one tool parameter.
type Input struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required"`
}

// Metadata is a tool's immutable self-description.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Status is shown to the user while the tool runs.
	Status string           `json:"status"`
	Inputs map[string]Input `json:"inputs"`
	// EndsConversation flags options whose completion ends the run.
	EndsConversation bool `json:"ends_conversation"`
}

// Invocation bundles the collaborators a tool sees when called.
type Invocation struct {
	Data      *state.TreeData
	BaseLM    llms.Provider
	ComplexLM llms.Provider
	Client    store.Client
}

// Tool is the uniform contract for everything a decision node can run.
type Tool interface {
	// Describe returns immutable metadata, extracted at registration
	// time rather than at invocation.
	Describe() Metadata

	// IsAvailable reports whether the tool belongs in the decision
	// catalog right now, with a reason when it does not.
	IsAvailable(ctx context.Context, inv *Invocation) (bool, string)

	// ShouldAutoRun reports whether the tool must run before the model
	// decides, and with which inputs.
	ShouldAutoRun(ctx context.Context, inv *Invocation) (bool, map[string]any, error)

	// Invoke executes the tool, yielding events in order.
	Invoke(ctx context.Context, inv *Invocation, inputs map[string]any) iter.Seq2[event.Event, error]
}

// Base provides the default availability and auto-run behaviours.
// Embed it and override what the tool needs.
type Base struct{}

func (Base) IsAvailable(ctx context.Context, inv *Invocation) (bool, string) {
	return true, ""
}

func (Base) ShouldAutoRun(ctx context.Context, inv *Invocation) (bool, map[string]any, error) {
	return false, nil, nil
}

// ResolveInputs reconciles model-supplied inputs against the declared
// schema: unknown inputs are dropped, missing inputs receive their
// declared default, and inputs wrapped in the
// {description,type,default,value} shape are unwrapped to their value.
func ResolveInputs(meta Metadata, supplied map[string]any) map[string]any {
	resolved := map[string]any{}
	for name, decl := range meta.Inputs {
		value, ok := supplied[name]
		if !ok {
			if decl.Default != nil {
				resolved[name] = decl.Default
			}
			continue
		}
		if wrapped, isMap := value.(map[string]any); isMap {
			if inner, hasValue := wrapped["value"]; hasValue {
				if _, hasType := wrapped["type"]; hasType {
					value = inner
				}
			}
		}
		resolved[name] = value
	}
	return resolved
}

// MissingRequired lists declared required inputs absent from supplied.
func MissingRequired(meta Metadata, supplied map[string]any) []string {
	var missing []string
	for name, decl := range meta.Inputs {
		if !decl.Required {
			continue
		}
		if _, ok := supplied[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// HasRequiredInputs reports whether any input is required. Nodes with a
// single option and no required inputs skip the model entirely.
func HasRequiredInputs(meta Metadata) bool {
	for _, decl := range meta.Inputs {
		if decl.Required {
			return true
		}
	}
	return false
}
