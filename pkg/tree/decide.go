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
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/feedback"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/tool"
)

// emitFunc delivers one event to the caller and the returner.
type emitFunc func(event.Event) error

// decide runs the decision protocol for one node:
//
//  1. partition options by availability
//  2. fail fast when nothing is available
//  3. auto-run rule tools, integrating their events
//  4. single available option with no required inputs: synthetic pick
//  5. otherwise ask the model
//
// route, when non-nil, bypasses the model: the next id is popped from
// the head of the path (training mode).
func (t *Tree) decide(ctx context.Context, node *DecisionNode, inv *tool.Invocation, route *[]string, emit emitFunc) (*Decision, error) {
	available, unavailable := t.partition(ctx, node, inv)
	if len(available) == 0 {
		return nil, &ErrNoToolsAvailable{NodeID: node.ID}
	}

	if err := t.runRuleTools(ctx, node, inv, emit); err != nil {
		return nil, err
	}

	var decision *Decision
	var exampleUUIDs []string
	switch {
	case route != nil:
		next, err := popRoute(node, route)
		if err != nil {
			return nil, err
		}
		decision = &Decision{FunctionName: next, Reasoning: "preset route"}
	case len(available) == 1 && !tool.HasRequiredInputs(optionMetadata(available[0])):
		decision = &Decision{FunctionName: available[0].ID, Reasoning: "only one option"}
	default:
		var err error
		decision, exampleUUIDs, err = t.llmDecide(ctx, node, available, unavailable, inv)
		if err != nil {
			return nil, err
		}
	}

	training := &event.TrainingUpdate{
		Module: "decision",
		Inputs: map[string]any{
			"node":        node.ID,
			"prompt":      t.data.UserPrompt,
			"instruction": node.Instruction,
		},
		Outputs: map[string]any{
			"function_name":   decision.FunctionName,
			"function_inputs": decision.FunctionInputs,
			"reasoning":       decision.Reasoning,
			"impossible":      decision.Impossible,
			"end_actions":     decision.EndActions,
		},
	}
	t.trainingUpdates = append(t.trainingUpdates, training)
	if err := emit(training); err != nil {
		return nil, err
	}
	if err := emit(&event.TreeUpdate{
		From:         node.ID,
		To:           decision.FunctionName,
		Reasoning:    decision.Reasoning,
		LastInBranch: true,
	}); err != nil {
		return nil, err
	}

	selected := node.Option(decision.FunctionName)
	if selected != nil && selected.Status != "" {
		if err := emit(&event.Status{Text: selected.Status}); err != nil {
			return nil, err
		}
	}
	if decision.MessageUpdate != "" && decision.FunctionName != "text_response" {
		if err := emit(&event.Response{Text: decision.MessageUpdate}); err != nil {
			return nil, err
		}
	}
	if len(exampleUUIDs) > 0 {
		if err := emit(&event.FewShotExamples{UUIDs: exampleUUIDs}); err != nil {
			return nil, err
		}
	}
	return decision, nil
}

// partition splits the node's options into available and unavailable,
// keeping option order. Sub-branches are always available; tools answer
// for themselves. Unavailable reasons are kept for the prompt.
func (t *Tree) partition(ctx context.Context, node *DecisionNode, inv *tool.Invocation) (available []*Option, unavailable map[string]string) {
	unavailable = map[string]string{}
	for _, opt := range node.Options() {
		if opt.Action == nil {
			available = append(available, opt)
			continue
		}
		ok, reason := opt.Action.IsAvailable(ctx, inv)
		if ok {
			available = append(available, opt)
		} else {
			unavailable[opt.ID] = reason
		}
	}
	return available, unavailable
}

// runRuleTools invokes every tool whose ShouldAutoRun fires, in option
// order, integrating their events as though the model had chosen them.
// Auto-run is checked on every tool, available or not: availability
// gates selection, not rules.
func (t *Tree) runRuleTools(ctx context.Context, node *DecisionNode, inv *tool.Invocation, emit emitFunc) error {
	for _, opt := range node.Options() {
		if opt.Action == nil {
			continue
		}
		run, inputs, err := opt.Action.ShouldAutoRun(ctx, inv)
		if err != nil {
			return err
		}
		if !run {
			continue
		}
		if _, err := t.invokeTool(ctx, opt, inv, inputs, emit); err != nil {
			return err
		}
	}
	return nil
}

func popRoute(node *DecisionNode, route *[]string) (string, error) {
	if len(*route) == 0 {
		return "", fmt.Errorf("training route exhausted at node %q", node.ID)
	}
	next := (*route)[0]
	*route = (*route)[1:]
	if node.Option(next) == nil {
		return "", fmt.Errorf("route id %q is not an option of node %q", next, node.ID)
	}
	return next, nil
}

// optionMetadata reconstructs tool metadata for an option; sub-branches
// present as input-less pseudo-tools.
func optionMetadata(opt *Option) tool.Metadata {
	if opt.Action != nil {
		return opt.Action.Describe()
	}
	return tool.Metadata{Name: opt.ID, Description: opt.Description}
}

// llmDecide asks the base model to pick an option. The returned UUIDs
// name the few-shot examples retrieved for the prompt, so the caller can
// report them once the decision is delivered.
func (t *Tree) llmDecide(ctx context.Context, node *DecisionNode, available []*Option, unavailable map[string]string, inv *tool.Invocation) (*Decision, []string, error) {
	if t.baseLM == nil {
		return nil, nil, &ErrNoToolsAvailable{NodeID: node.ID}
	}

	names := make([]string, 0, len(available))
	for _, opt := range available {
		names = append(names, opt.ID)
	}

	var examples []feedback.Example
	var exampleUUIDs []string
	if t.settings.UseFeedback && inv.Client != nil {
		examples, exampleUUIDs, _ = feedback.FetchSimilar(ctx, inv.Client, t.data.UserPrompt, "decision", 3)
	}

	label := fmt.Sprintf("decision:%s:%d", node.ID, t.data.NumTreesCompleted)
	t.tracker.StartTracking("decision", label, t.baseLM)
	defer t.tracker.EndTracking(ctx, label)

	resp, err := t.baseLM.Complete(ctx, llms.Request{
		SystemPrompt: t.decisionPrompt(node, available, unavailable, examples),
		Messages:     t.conversationMessages(),
		Schema:       t.decisionSchema(names),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decision at node %q failed: %w", node.ID, err)
	}

	decision := &Decision{
		FunctionName:   resp.String("function_name"),
		FunctionInputs: resp.Map("function_inputs"),
		Reasoning:      resp.String("reasoning"),
		Impossible:     resp.Bool("impossible"),
		EndActions:     resp.Bool("end_actions"),
		MessageUpdate:  resp.String("message_update"),
	}
	if node.Option(decision.FunctionName) == nil {
		return nil, nil, fmt.Errorf("model chose %q, not an option of node %q", decision.FunctionName, node.ID)
	}
	if _, blocked := unavailable[decision.FunctionName]; blocked {
		return nil, nil, fmt.Errorf("model chose unavailable option %q at node %q", decision.FunctionName, node.ID)
	}
	return decision, exampleUUIDs, nil
}

// decisionSchema declares the structured decision output. The leading
// reasoning field, when enabled, makes the model reason before it
// commits to a choice.
func (t *Tree) decisionSchema(available []string) *llms.Schema {
	fields := []llms.Field{}
	if t.settings.BaseUseReasoning {
		fields = append(fields, llms.Field{
			Name: "reasoning", Type: "string",
			Description: "Step-by-step reasoning about which option makes progress.",
		})
	}
	fields = append(fields,
		llms.Field{
			Name: "impossible", Type: "boolean",
			Description: "True when the user's request cannot be satisfied with the tools on offer.",
		},
		llms.Field{
			Name: "message_update", Type: "string",
			Description: "A short interim message to show the user while the chosen option runs. Empty to stay silent.",
		},
		llms.Field{
			Name: "function_name", Type: "string", Enum: available,
			Description: "The option to execute next.",
		},
		llms.Field{
			Name: "function_inputs", Type: "object",
			Description: "Inputs for the chosen option, matching its declared schema.",
		},
		llms.Field{
			Name: "end_actions", Type: "boolean",
			Description: "True when no further actions will be needed after this one.",
		},
	)
	return &llms.Schema{Name: "decision", Fields: fields}
}

// decisionPrompt assembles everything the model needs to choose: the
// node instruction, atlas, recursion budget, option catalog with input
// schemas and foreseeable sub-trees, unavailable options with reasons,
// environment, collection schemas, tasks completed, and errors.
func (t *Tree) decisionPrompt(node *DecisionNode, available []*Option, unavailable map[string]string, examples []feedback.Example) string {
	var b strings.Builder

	if t.data.Atlas.AgentDescription != "" {
		b.WriteString(t.data.Atlas.AgentDescription + "\n")
	}
	if t.data.Atlas.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", t.data.Atlas.Style)
	}
	if t.data.Atlas.EndGoal != "" {
		fmt.Fprintf(&b, "End goal: %s\n", t.data.Atlas.EndGoal)
	}
	fmt.Fprintf(&b, "\nDecision %s of the budget for this prompt.\n", t.data.TreeCountString())
	if node.Instruction != "" {
		fmt.Fprintf(&b, "\n%s\n", node.Instruction)
	}

	b.WriteString("\nAvailable options:\n")
	for _, opt := range available {
		fmt.Fprintf(&b, "- %s: %s\n", opt.ID, opt.Description)
		meta := optionMetadata(opt)
		for name, input := range meta.Inputs {
			required := ""
			if input.Required {
				required = " (required)"
			}
			fmt.Fprintf(&b, "    %s [%s]%s: %s\n", name, input.Type, required, input.Description)
		}
		if opt.NextID != "" {
			if shape, err := json.Marshal(t.shapeOf(opt.NextID)); err == nil {
				fmt.Fprintf(&b, "    choosing this leads to: %s\n", shape)
			}
		}
	}
	if len(unavailable) > 0 {
		b.WriteString("\nUnavailable options (do not choose these):\n")
		for _, opt := range node.Options() {
			if reason, ok := unavailable[opt.ID]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", opt.ID, reason)
			}
		}
	}

	if !t.data.Environment.IsEmpty() {
		if env, err := t.data.Environment.PromptJSON(); err == nil {
			b.WriteString("\nEnvironment (cite objects by _REF_ID):\n")
			b.WriteString(env)
			b.WriteString("\n")
		}
	}
	if len(t.data.Collections.Active) > 0 {
		b.WriteString("\nConnected collections:\n")
		b.WriteString(t.data.CollectionSchemasString())
	}
	b.WriteString("\nTasks completed:\n")
	b.WriteString(t.data.TasksCompletedString())
	if errs := t.data.ErrorsString(); errs != "" {
		b.WriteString("\nPrevious tool errors (avoid repeating these):\n")
		b.WriteString(errs)
	}
	if rendered := feedback.Render(examples); rendered != "" {
		b.WriteString("\n")
		b.WriteString(rendered)
	}
	return b.String()
}

func (t *Tree) conversationMessages() []llms.Message {
	messages := make([]llms.Message, 0, len(t.data.ConversationHistory))
	for _, m := range t.data.ConversationHistory {
		messages = append(messages, llms.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}
