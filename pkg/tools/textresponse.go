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

// Package tools provides the built-in tools a default tree is wired
// with: final text response, store query, store aggregation, and the
// auto-running summarizer.
package tools

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/state"
	"github.com/kadirpekel/trellis/pkg/tool"
)

// TextResponse writes the final answer from everything gathered in the
// environment, citing retrieved objects by ref-ID. Choosing it ends the
// conversation.
type TextResponse struct {
	tool.Base
}

func NewTextResponse() *TextResponse { return &TextResponse{} }

func (t *TextResponse) Describe() tool.Metadata {
	return tool.Metadata{
		Name:             "text_response",
		Description:      "Write the final answer to the user, citing retrieved objects. Choose this when the gathered information is sufficient, or when no tool can help further.",
		Status:           "Writing response...",
		Inputs:           map[string]tool.Input{},
		EndsConversation: true,
	}
}

func (t *TextResponse) Invoke(ctx context.Context, inv *tool.Invocation, inputs map[string]any) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		text, err := writeResponse(ctx, inv, responseInstruction)
		if err != nil {
			yield(nil, err)
			return
		}
		yield(text, nil)
	}
}

const responseInstruction = `Write the final response to the user's prompt using only what the environment contains. Cite the _REF_ID of every object a sentence relies on. If the environment lacks what the prompt asks for, say so plainly instead of guessing.`

const forcedInstruction = `The decision budget for this prompt is exhausted. Write the best possible response from what the environment already contains, citing the _REF_ID of every object used, and state clearly what could not be completed.`

// ForcedResponse produces a final answer when the recursion limit cuts
// a run short. It does not consume a decision turn.
func ForcedResponse(ctx context.Context, inv *tool.Invocation) (*event.Text, error) {
	return writeResponse(ctx, inv, forcedInstruction)
}

func writeResponse(ctx context.Context, inv *tool.Invocation, instruction string) (*event.Text, error) {
	lm := inv.ComplexLM
	if lm == nil {
		lm = inv.BaseLM
	}
	if lm == nil {
		return nil, fmt.Errorf("no language model configured for the text response")
	}

	resp, err := lm.Complete(ctx, llms.Request{
		SystemPrompt: responseSystemPrompt(inv.Data, instruction),
		Messages:     promptMessages(inv.Data),
		Schema: &llms.Schema{
			Name: "final_response",
			Fields: []llms.Field{
				{Name: "reasoning", Type: "string", Description: "Brief reasoning about what the response should cover."},
				{Name: "response", Type: "string", Description: "The response shown to the user."},
				{Name: "ref_ids", Type: "array", Description: "_REF_ID values of the environment objects the response cites."},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("text response failed: %w", err)
	}
	text := event.NewText(resp.String("response"), resp.Strings("ref_ids"))
	return text, nil
}

func responseSystemPrompt(data *state.TreeData, instruction string) string {
	var b strings.Builder
	if data.Atlas.AgentDescription != "" {
		b.WriteString(data.Atlas.AgentDescription)
		b.WriteString("\n")
	}
	if data.Atlas.Style != "" {
		fmt.Fprintf(&b, "Writing style: %s\n", data.Atlas.Style)
	}
	if data.Atlas.EndGoal != "" {
		fmt.Fprintf(&b, "End goal: %s\n", data.Atlas.EndGoal)
	}
	b.WriteString(instruction)
	b.WriteString("\n\nEnvironment:\n")
	if env, err := data.Environment.PromptJSON(); err == nil {
		b.WriteString(env)
	}
	b.WriteString("\n\nTasks completed so far:\n")
	b.WriteString(data.TasksCompletedString())
	if errs := data.ErrorsString(); errs != "" {
		b.WriteString("\nErrors encountered:\n")
		b.WriteString(errs)
	}
	return b.String()
}

func promptMessages(data *state.TreeData) []llms.Message {
	messages := make([]llms.Message, 0, len(data.ConversationHistory)+1)
	for _, m := range data.ConversationHistory {
		messages = append(messages, llms.Message{Role: m.Role, Content: m.Content})
	}
	if n := len(messages); n == 0 || messages[n-1].Role != llms.RoleUser {
		messages = append(messages, llms.Message{Role: llms.RoleUser, Content: data.UserPrompt})
	}
	return messages
}
