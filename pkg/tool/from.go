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

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/trellis/pkg/event"
)

// Config names a function tool. Status and EndsConversation are
// optional; Name and Description are not.
type Config struct {
	Name             string
	Description      string
	Status           string
	EndsConversation bool
}

// From wraps a typed function as a Tool, generating the input
// declarations from the Args struct tags:
//
//	type SearchArgs struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=10"`
//	}
//
// Every field must carry a jsonschema description; a field without one
// is rejected at construction so a broken catalog never reaches the
// model. The returned value is wrapped into an event:
//
//   - event.Event is yielded as-is
//   - map[string]any and []map[string]any become a Result
//   - string becomes a Text response
//   - nil yields nothing
func From[Args any](cfg Config, fn func(ctx context.Context, inv *Invocation, args Args) (any, error)) (Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("tool description is required")
	}
	inputs, err := inputsFromStruct[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to derive inputs for %s: %w", cfg.Name, err)
	}
	return &functionTool[Args]{config: cfg, fn: fn, inputs: inputs}, nil
}

type functionTool[Args any] struct {
	Base
	config Config
	fn     func(ctx context.Context, inv *Invocation, args Args) (any, error)
	inputs map[string]Input
}

func (t *functionTool[Args]) Describe() Metadata {
	return Metadata{
		Name:             t.config.Name,
		Description:      t.config.Description,
		Status:           t.config.Status,
		Inputs:           t.inputs,
		EndsConversation: t.config.EndsConversation,
	}
}

func (t *functionTool[Args]) Invoke(ctx context.Context, inv *Invocation, inputs map[string]any) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		var args Args
		if err := mapToStruct(inputs, &args); err != nil {
			yield(nil, fmt.Errorf("invalid inputs for %s: %w", t.config.Name, err))
			return
		}
		out, err := t.fn(ctx, inv, args)
		if err != nil {
			yield(nil, err)
			return
		}
		if ev := wrapOutput(t.config.Name, out); ev != nil {
			yield(ev, nil)
		}
	}
}

func wrapOutput(name string, out any) event.Event {
	switch v := out.(type) {
	case nil:
		return nil
	case event.Event:
		return v
	case []map[string]any:
		return &event.Result{Name: name, Objects: v}
	case map[string]any:
		return &event.Result{Name: name, Objects: []map[string]any{v}}
	case string:
		return &event.Response{Text: v}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return &event.Result{Name: name, Objects: []map[string]any{{"output": fmt.Sprintf("%v", v)}}}
		}
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return &event.Result{Name: name, Objects: []map[string]any{{"output": string(data)}}}
		}
		return &event.Result{Name: name, Objects: []map[string]any{obj}}
	}
}

// mapToStruct converts inputs to the typed args struct via a JSON
// round-trip, which handles numeric and nested conversions.
func mapToStruct(m map[string]any, target any) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	return nil
}

// inputsFromStruct reflects the Args type into input declarations.
func inputsFromStruct[Args any]() (map[string]Input, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(Args))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Default     any    `json:"default"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	required := map[string]bool{}
	for _, name := range raw.Required {
		required[name] = true
	}

	inputs := make(map[string]Input, len(raw.Properties))
	for name, prop := range raw.Properties {
		if prop.Description == "" {
			return nil, fmt.Errorf("input %q has no description", name)
		}
		inputs[name] = Input{
			Type:        prop.Type,
			Description: prop.Description,
			Default:     prop.Default,
			Required:    required[name],
		}
	}
	return inputs, nil
}
