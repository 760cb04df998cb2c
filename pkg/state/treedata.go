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

// Package state holds the per-invocation mutable state a tree carries
// across decision turns: prompt, history, tasks-completed log, errors,
// environment, collection metadata, atlas, and counters.
//
// TreeData is owned by exactly one tree and never mutated concurrently.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/trellis/pkg/config"
	"github.com/kadirpekel/trellis/pkg/environment"
	"github.com/kadirpekel/trellis/pkg/store"
)

// DefaultRecursionLimit bounds root-to-leaf traversals per prompt.
const DefaultRecursionLimit = 5

// Atlas is the persona guidance presented to the model at every
// decision.
type Atlas struct {
	Style            string `json:"style"`
	AgentDescription string `json:"agent_description"`
	EndGoal          string `json:"end_goal"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Task is one tasks-completed entry. Reserved keys: "task" (string)
// and "iteration" (int); everything else is free-form and merged
// field-wise on repeat updates.
type Task map[string]any

// PromptTasks groups the tasks completed for one prompt.
type PromptTasks struct {
	Prompt string `json:"prompt"`
	Tasks  []Task `json:"tasks"`
}

// CollectionData caches metadata for the referenced collections.
type CollectionData struct {
	// Active lists the canonical (lower-cased) collection names in use.
	Active []string `json:"active"`
	// Metadata is keyed by canonical name.
	Metadata map[string]*store.Metadata `json:"metadata"`
}

// TreeData is the single source of truth for prompt-level state.
type TreeData struct {
	UserPrompt          string                   `json:"user_prompt"`
	ConversationHistory []Message                `json:"conversation_history"`
	Environment         *environment.Environment `json:"environment"`
	TasksCompleted      []*PromptTasks           `json:"tasks_completed"`
	Errors              map[string][]string      `json:"errors"`
	Collections         *CollectionData          `json:"collection_data"`
	Atlas               Atlas                    `json:"atlas"`
	NumTreesCompleted   int                      `json:"num_trees_completed"`
	RecursionLimit      int                      `json:"recursion_limit"`
	Settings            *config.Settings         `json:"settings"`

	// Transient fields cleared by SoftReset.
	PreviousReasoning string `json:"previous_reasoning,omitempty"`
	CurrentMessage    string `json:"current_message,omitempty"`
}

// New creates tree data with defaults applied.
func New(settings *config.Settings, atlas Atlas) *TreeData {
	if settings == nil {
		settings = &config.Settings{}
		settings.SetDefaults()
	}
	return &TreeData{
		Environment:    environment.New(atlas.AgentDescription),
		Errors:         map[string][]string{},
		Collections:    &CollectionData{Metadata: map[string]*store.Metadata{}},
		Atlas:          atlas,
		RecursionLimit: DefaultRecursionLimit,
		Settings:       settings.Clone(),
	}
}

// AppendMessage adds a conversation turn. Adjacent same-role entries
// are concatenated (space-joined) rather than duplicated, so no two
// neighbours ever share a role.
func (d *TreeData) AppendMessage(role, content string) {
	if content == "" {
		return
	}
	if n := len(d.ConversationHistory); n > 0 && d.ConversationHistory[n-1].Role == role {
		d.ConversationHistory[n-1].Content += " " + content
		return
	}
	d.ConversationHistory = append(d.ConversationHistory, Message{Role: role, Content: content})
}

// SoftReset clears the transient decision fields only. Conversation
// history and environment survive across prompts.
func (d *TreeData) SoftReset() {
	d.PreviousReasoning = ""
	d.CurrentMessage = ""
}

// AddError records a tool error so the next decision prompt sees it.
func (d *TreeData) AddError(toolName, message string) {
	d.Errors[toolName] = append(d.Errors[toolName], message)
}

// UpdateTasksCompleted appends a task under the matching prompt. When
// the same (task, iteration) already exists there, the given fields are
// merged in: strings concatenate with a newline, numbers add, lists
// extend, maps merge, booleans replace.
func (d *TreeData) UpdateTasksCompleted(prompt, task string, iteration int, fields map[string]any) {
	var group *PromptTasks
	for _, g := range d.TasksCompleted {
		if g.Prompt == prompt {
			group = g
			break
		}
	}
	if group == nil {
		group = &PromptTasks{Prompt: prompt}
		d.TasksCompleted = append(d.TasksCompleted, group)
	}

	for _, existing := range group.Tasks {
		if existing["task"] == task && taskIteration(existing) == iteration {
			for key, value := range fields {
				existing[key] = mergeField(existing[key], value)
			}
			return
		}
	}

	entry := Task{"task": task, "iteration": iteration}
	for key, value := range fields {
		entry[key] = value
	}
	group.Tasks = append(group.Tasks, entry)
}

func taskIteration(t Task) int {
	switch v := t["iteration"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

func mergeField(old, new any) any {
	if old == nil {
		return new
	}
	switch prev := old.(type) {
	case string:
		if s, ok := new.(string); ok {
			return prev + "\n" + s
		}
	case int:
		switch n := new.(type) {
		case int:
			return prev + n
		case float64:
			return float64(prev) + n
		}
	case float64:
		switch n := new.(type) {
		case float64:
			return prev + n
		case int:
			return prev + float64(n)
		}
	case bool:
		if b, ok := new.(bool); ok {
			return b
		}
	case []any:
		if list, ok := new.([]any); ok {
			return append(prev, list...)
		}
		return append(prev, new)
	case map[string]any:
		if m, ok := new.(map[string]any); ok {
			for k, v := range m {
				prev[k] = v
			}
			return prev
		}
	}
	return new
}

// TasksCompletedString renders the tasks-completed log for prompting,
// ordered by prompt then by task insertion.
func (d *TreeData) TasksCompletedString() string {
	if len(d.TasksCompleted) == 0 {
		return "No tasks have been completed yet."
	}
	var b strings.Builder
	for _, group := range d.TasksCompleted {
		fmt.Fprintf(&b, "Prompt: %q\n", group.Prompt)
		for _, task := range group.Tasks {
			fmt.Fprintf(&b, "  [%d] %v", taskIteration(task)+1, task["task"])
			keys := make([]string, 0, len(task))
			for k := range task {
				if k == "task" || k == "iteration" {
					continue
				}
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				value := task[k]
				if m, ok := value.(map[string]any); ok {
					data, err := json.Marshal(m)
					if err == nil {
						value = string(data)
					}
				}
				fmt.Fprintf(&b, "\n      %s: %v", k, value)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// TreeCountString renders "{i+1}/{N}" with warnings as the recursion
// budget runs out.
func (d *TreeData) TreeCountString() string {
	i, n := d.NumTreesCompleted, d.RecursionLimit
	out := fmt.Sprintf("%d/%d", i+1, n)
	if i >= n {
		return out + " (The recursion limit is exhausted. The process will be cut short.)"
	}
	if i >= n-1 {
		return out + " (This is the final pass before the recursion limit. Wrap up now.)"
	}
	return out
}

// SetCollectionNames resolves metadata for names not already cached,
// partitioning them into found, unpreprocessed, and nonexistent. Names
// are normalised to lower case at this boundary; only found names stay
// in the active list.
func (d *TreeData) SetCollectionNames(ctx context.Context, names []string, client store.Client) (found, unpreprocessed, nonexistent []string, err error) {
	active := make([]string, 0, len(names))
	for _, name := range names {
		canonical := strings.ToLower(strings.TrimSpace(name))
		if canonical == "" {
			continue
		}

		if _, cached := d.Collections.Metadata[canonical]; cached {
			found = append(found, canonical)
			active = append(active, canonical)
			continue
		}
		if client == nil {
			nonexistent = append(nonexistent, canonical)
			continue
		}

		metadata, fetchErr := client.FetchMetadata(ctx, name)
		switch {
		case fetchErr == nil:
			d.Collections.Metadata[canonical] = metadata
			found = append(found, canonical)
			active = append(active, canonical)
		case isNotPreprocessed(fetchErr):
			unpreprocessed = append(unpreprocessed, canonical)
		case isQueryError(fetchErr):
			nonexistent = append(nonexistent, canonical)
		default:
			return nil, nil, nil, fetchErr
		}
	}
	d.Collections.Active = active
	return found, unpreprocessed, nonexistent, nil
}

func isNotPreprocessed(err error) bool {
	return err == store.ErrNotPreprocessed
}

func isQueryError(err error) bool {
	_, ok := err.(*store.QueryError)
	return ok
}

// CollectionSchemasString renders the cached schemas of the active
// collections for prompting.
func (d *TreeData) CollectionSchemasString() string {
	if len(d.Collections.Active) == 0 {
		return "No collections are connected."
	}
	var b strings.Builder
	for _, name := range d.Collections.Active {
		metadata := d.Collections.Metadata[name]
		if metadata == nil {
			continue
		}
		fmt.Fprintf(&b, "Collection %q (%d objects): %s\n", name, metadata.Length, metadata.Summary)
		fields := make([]string, 0, len(metadata.Fields))
		for fieldName := range metadata.Fields {
			fields = append(fields, fieldName)
		}
		sort.Strings(fields)
		for _, fieldName := range fields {
			f := metadata.Fields[fieldName]
			fmt.Fprintf(&b, "  - %s (%s) %s\n", f.Name, f.Type, f.Description)
		}
		if len(metadata.NamedVectors) > 0 {
			fmt.Fprintf(&b, "  named vectors: %s\n", strings.Join(metadata.NamedVectors, ", "))
		}
	}
	return b.String()
}

// ErrorsString renders accumulated tool errors for prompting.
func (d *TreeData) ErrorsString() string {
	if len(d.Errors) == 0 {
		return ""
	}
	tools := make([]string, 0, len(d.Errors))
	for name := range d.Errors {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	var b strings.Builder
	for _, name := range tools {
		for _, msg := range d.Errors[name] {
			fmt.Fprintf(&b, "[%s] %s\n", name, msg)
		}
	}
	return b.String()
}
