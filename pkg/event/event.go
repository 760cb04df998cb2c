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

// Package event defines the result and update events that tools and
// decision nodes yield while a tree runs, plus the frontend wire format
// they serialise to.
//
// Events come in two families:
//
//   - displayable results: Result, Retrieval, Text, Response
//   - non-displayable updates: Status, Warning, Error, Completed,
//     TreeUpdate, TrainingUpdate, FewShotExamples, UserPrompt
//
// Every event maps to a transport envelope {type, id, user_id,
// conversation_id, query_id, payload} via the Returner.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies an event on the wire.
type Kind string

const (
	KindUserPrompt      Kind = "user_prompt"
	KindStatus          Kind = "status"
	KindWarning         Kind = "warning"
	KindCompleted       Kind = "completed"
	KindTreeUpdate      Kind = "tree_update"
	KindResult          Kind = "result"
	KindText            Kind = "text"
	KindError           Kind = "self_healing_error"
	KindFewShotExamples Kind = "fewshot_examples"
	KindTrainingUpdate  Kind = "training_update"
)

// Event is anything a tool or decision node can yield.
type Event interface {
	Kind() Kind
	// Payload renders the wire payload for this event.
	Payload() map[string]any
	// Displayable reports whether the frontend should render this event.
	Displayable() bool
}

// Result is a displayable data payload produced by a tool. Objects are
// ordered records; Mapping optionally renames object keys for display.
type Result struct {
	Name         string            `json:"name"`
	PayloadType  string            `json:"payload_type"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Objects      []map[string]any  `json:"objects"`
	Mapping      map[string]string `json:"mapping,omitempty"`
	UnmappedKeys []string          `json:"unmapped_keys,omitempty"`
	Code         string            `json:"code,omitempty"`
	Display      bool              `json:"-"`
}

// NewResult creates a displayable result with the given name and objects.
func NewResult(name, payloadType string, objects []map[string]any, metadata map[string]any) *Result {
	return &Result{
		Name:        name,
		PayloadType: payloadType,
		Objects:     objects,
		Metadata:    metadata,
		Display:     true,
	}
}

func (r *Result) Kind() Kind        { return KindResult }
func (r *Result) Displayable() bool { return r.Display && len(r.Objects) > 0 }

func (r *Result) Payload() map[string]any {
	return map[string]any{
		"type":     r.PayloadType,
		"objects":  r.Objects,
		"metadata": r.Metadata,
		"code":     r.Code,
	}
}

// LLMParse renders a compact description of the result for the
// tasks-completed log, so later decisions can see what was retrieved
// without re-reading the raw objects.
func (r *Result) LLMParse() string {
	if len(r.Objects) == 0 {
		return fmt.Sprintf("no objects returned for %q", r.Name)
	}
	keys := map[string]bool{}
	for _, obj := range r.Objects {
		for k := range obj {
			keys[k] = true
		}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	return fmt.Sprintf("%d objects returned for %q with fields [%s]",
		len(r.Objects), r.Name, strings.Join(names, ", "))
}

// Retrieval is a Result produced by a store query. It keeps the query
// parameters in its metadata so citations can be traced back.
type Retrieval struct {
	Result
}

// NewRetrieval creates a retrieval result for a store query.
func NewRetrieval(name string, objects []map[string]any, metadata map[string]any) *Retrieval {
	return &Retrieval{Result: *NewResult(name, "retrieval", objects, metadata)}
}

// TextObject is one paragraph of assistant text with optional citations.
type TextObject struct {
	Text   string   `json:"text"`
	RefIDs []string `json:"ref_ids,omitempty"`
}

// Text is assistant-visible prose, optionally titled and cited.
type Text struct {
	Title       string       `json:"title,omitempty"`
	PayloadType string       `json:"payload_type"`
	Objects     []TextObject `json:"objects"`
}

// NewText creates an assistant text event with a single paragraph.
func NewText(text string, refIDs []string) *Text {
	return &Text{
		PayloadType: "response",
		Objects:     []TextObject{{Text: text, RefIDs: refIDs}},
	}
}

func (t *Text) Kind() Kind        { return KindText }
func (t *Text) Displayable() bool { return true }

func (t *Text) Payload() map[string]any {
	objects := make([]map[string]any, 0, len(t.Objects))
	for _, o := range t.Objects {
		obj := map[string]any{"text": o.Text}
		if len(o.RefIDs) > 0 {
			obj["ref_ids"] = o.RefIDs
		}
		objects = append(objects, obj)
	}
	metadata := map[string]any{}
	if t.Title != "" {
		metadata["title"] = t.Title
	}
	return map[string]any{
		"type":     t.PayloadType,
		"objects":  objects,
		"metadata": metadata,
	}
}

// FullText joins all paragraphs into one string.
func (t *Text) FullText() string {
	parts := make([]string, 0, len(t.Objects))
	for _, o := range t.Objects {
		parts = append(parts, o.Text)
	}
	return strings.Join(parts, " ")
}

// Response is an interim assistant message emitted alongside a decision
// (the model's message_update). It rides the text wire kind.
type Response struct {
	Text string
}

func (r *Response) Kind() Kind        { return KindText }
func (r *Response) Displayable() bool { return r.Text != "" }

func (r *Response) Payload() map[string]any {
	return map[string]any{
		"type":     "response",
		"objects":  []map[string]any{{"text": r.Text}},
		"metadata": map[string]any{},
	}
}

// UserPrompt echoes the submitted prompt back to the frontend.
type UserPrompt struct {
	Prompt string
}

func (u *UserPrompt) Kind() Kind              { return KindUserPrompt }
func (u *UserPrompt) Displayable() bool       { return true }
func (u *UserPrompt) Payload() map[string]any { return map[string]any{"prompt": u.Prompt} }

// Status is a transient progress line ("Querying products...").
type Status struct {
	Text string
}

func (s *Status) Kind() Kind              { return KindStatus }
func (s *Status) Displayable() bool       { return false }
func (s *Status) Payload() map[string]any { return map[string]any{"text": s.Text} }

// Warning is a non-fatal condition surfaced to the user.
type Warning struct {
	Text string
}

func (w *Warning) Kind() Kind              { return KindWarning }
func (w *Warning) Displayable() bool       { return false }
func (w *Warning) Payload() map[string]any { return map[string]any{"text": w.Text} }

// Error reports a tool failure. Feedback, when set, is actionable advice
// the next decision prompt can use to avoid repeating the failure.
type Error struct {
	Feedback string
	Message  string
}

// Error implements the error interface so tools can yield a failure
// either as an event or as an error value.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Feedback
}

func (e *Error) Kind() Kind        { return KindError }
func (e *Error) Displayable() bool { return false }

func (e *Error) Payload() map[string]any {
	return map[string]any{
		"feedback":      e.Feedback,
		"error_message": e.Message,
	}
}

// Avoidable reports whether the error carries feedback the model can act on.
func (e *Error) Avoidable() bool { return e.Feedback != "" }

// Completed marks the end of a Run.
type Completed struct{}

func (c *Completed) Kind() Kind              { return KindCompleted }
func (c *Completed) Displayable() bool       { return false }
func (c *Completed) Payload() map[string]any { return map[string]any{} }

// TreeUpdate records a traversal step for the frontend tree view.
type TreeUpdate struct {
	From         string
	To           string
	Reasoning    string
	LastInBranch bool
	// Reset tells the frontend to clear its tree view before drawing
	// the next traversal.
	Reset bool
	// TreeIndex is stamped by the returner.
	TreeIndex int
}

func (t *TreeUpdate) Kind() Kind        { return KindTreeUpdate }
func (t *TreeUpdate) Displayable() bool { return false }

func (t *TreeUpdate) Payload() map[string]any {
	return map[string]any{
		"node":       t.From,
		"decision":   t.To,
		"reasoning":  t.Reasoning,
		"tree_index": t.TreeIndex,
		"reset":      t.Reset,
	}
}

// TrainingUpdate captures one decision's inputs and outputs so runs can
// later be turned into feedback examples.
type TrainingUpdate struct {
	Module  string         `json:"module"`
	Inputs  map[string]any `json:"inputs"`
	Outputs map[string]any `json:"outputs"`
}

func (t *TrainingUpdate) Kind() Kind        { return KindTrainingUpdate }
func (t *TrainingUpdate) Displayable() bool { return false }

func (t *TrainingUpdate) Payload() map[string]any {
	return map[string]any{
		"module":  t.Module,
		"inputs":  t.Inputs,
		"outputs": t.Outputs,
	}
}

// FewShotExamples names the feedback examples injected into a decision
// prompt, so the frontend can attribute in-context learning.
type FewShotExamples struct {
	UUIDs []string
}

func (f *FewShotExamples) Kind() Kind              { return KindFewShotExamples }
func (f *FewShotExamples) Displayable() bool       { return false }
func (f *FewShotExamples) Payload() map[string]any { return map[string]any{"uuids": f.UUIDs} }

// MarshalPayload is a helper for logging payloads compactly.
func MarshalPayload(e Event) string {
	data, err := json.Marshal(e.Payload())
	if err != nil {
		return "{}"
	}
	return string(data)
}
