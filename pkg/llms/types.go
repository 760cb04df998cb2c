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

// Package llms adapts language-model providers to the structured
// completion interface the tree core consumes.
//
// The core treats the LM as the sole nondeterministic oracle: it passes
// every declared input field in the prompt and expects every declared
// output field back. Providers record per-call usage so the tracker can
// derive token and cost deltas by index difference.
package llms

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Field declares one output field of a structured completion.
type Field struct {
	Name        string
	Type        string // "string", "boolean", "integer", "number", "object", "array"
	Description string
	Enum        []string // optional; constrains string fields
}

// Schema declares the full structured output of a completion, in order.
// Order matters: a leading reasoning field makes the model reason
// before committing to the other fields.
type Schema struct {
	Name   string
	Fields []Field
}

// JSONSchema renders the schema as a JSON-schema object suitable for a
// provider's structured-output mode. All fields are required and no
// additional properties are allowed.
func (s *Schema) JSONSchema() map[string]any {
	properties := map[string]any{}
	required := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		prop := map[string]any{
			"description": f.Description,
		}
		switch f.Type {
		case "object":
			prop["type"] = "object"
			prop["additionalProperties"] = true
		case "array":
			prop["type"] = "array"
			prop["items"] = map[string]any{"type": "string"}
		case "":
			prop["type"] = "string"
		default:
			prop["type"] = f.Type
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		properties[f.Name] = prop
		required = append(required, f.Name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// FieldNames lists the declared output fields in order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Request is one structured completion request.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Schema       *Schema
	Temperature  float64
}

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Response is a structured completion result. Fields holds the decoded
// output keyed by the schema's field names.
type Response struct {
	Fields map[string]any
	Raw    string
	Usage  Usage
}

// String returns the named output field as a string, or "".
func (r *Response) String(field string) string {
	v, _ := r.Fields[field].(string)
	return v
}

// Bool returns the named output field as a bool, or false.
func (r *Response) Bool(field string) bool {
	v, _ := r.Fields[field].(bool)
	return v
}

// Strings returns the named output field as a string slice, or nil.
func (r *Response) Strings(field string) []string {
	list, ok := r.Fields[field].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns the named output field as a map, or nil.
func (r *Response) Map(field string) map[string]any {
	v, _ := r.Fields[field].(map[string]any)
	return v
}

// CallRecord is one entry in a provider's call history.
type CallRecord struct {
	Model     string        `json:"model"`
	Usage     Usage         `json:"usage"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Provider is an opaque text-completion endpoint with structured output.
// Providers may be shared across trees; History snapshots are taken by
// index difference, so callers never subscribe.
type Provider interface {
	// Model returns the model identifier this provider completes with.
	Model() string

	// Complete runs one structured completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// History returns a copy of the call history so far.
	History() []CallRecord
}

// history is the shared call-history recorder embedded by providers.
type history struct {
	mu      sync.Mutex
	records []CallRecord
}

func (h *history) record(rec CallRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

func (h *history) History() []CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]CallRecord, len(h.records))
	copy(out, h.records)
	return out
}

// New constructs a provider by name. modelAPIBase overrides the
// provider's default endpoint and is required for local providers.
func New(provider, model, apiKey, modelAPIBase string) (Provider, error) {
	switch provider {
	case "openai", "openrouter", "together", "groq", "mistral":
		return NewOpenAIProvider(OpenAIConfig{
			Provider: provider,
			Model:    model,
			APIKey:   apiKey,
			BaseURL:  modelAPIBase,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			Model:   model,
			BaseURL: modelAPIBase,
		})
	default:
		return nil, fmt.Errorf("unknown LM provider %q", provider)
	}
}
