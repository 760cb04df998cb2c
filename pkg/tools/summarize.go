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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/tool"
)

// hiddenSummarizeKey is where large query results are parked until the
// summarizer picks them up.
const hiddenSummarizeKey = "items_to_summarize"

// Summarize is a rule tool: it auto-runs at the start of any decision
// node that contains it whenever the hidden environment holds parked
// items, condensing them into a short summary before the model decides.
type Summarize struct {
	tool.Base
}

func NewSummarize() *Summarize { return &Summarize{} }

func (s *Summarize) Describe() tool.Metadata {
	return tool.Metadata{
		Name:        "summarize",
		Description: "Condense a large batch of retrieved objects into a short summary the later decisions can work from.",
		Status:      "Summarizing...",
		Inputs:      map[string]tool.Input{},
	}
}

func (s *Summarize) ShouldAutoRun(ctx context.Context, inv *tool.Invocation) (bool, map[string]any, error) {
	_, ok := inv.Data.Environment.Hidden(hiddenSummarizeKey)
	return ok, nil, nil
}

func (s *Summarize) Invoke(ctx context.Context, inv *tool.Invocation, inputs map[string]any) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		items, ok := inv.Data.Environment.Hidden(hiddenSummarizeKey)
		if !ok {
			return
		}
		// Consumed regardless of outcome so a failing summary is not
		// retried forever.
		inv.Data.Environment.RemoveHidden(hiddenSummarizeKey)

		if inv.BaseLM == nil {
			yield(nil, fmt.Errorf("no language model configured for summarization"))
			return
		}
		rendered, err := json.Marshal(items)
		if err != nil {
			yield(nil, fmt.Errorf("failed to render items for summarization: %w", err))
			return
		}

		resp, err := inv.BaseLM.Complete(ctx, llms.Request{
			SystemPrompt: "Summarize the following retrieved objects in a few sentences. Keep concrete names, counts and values; drop boilerplate fields.",
			Messages: []llms.Message{
				{Role: llms.RoleUser, Content: string(rendered)},
			},
			Schema: &llms.Schema{
				Name: "summary",
				Fields: []llms.Field{
					{Name: "summary", Type: "string", Description: "A short summary of the objects."},
				},
			},
		})
		if err != nil {
			yield(nil, &event.Error{
				Feedback: "summarization failed; proceed with the raw results",
				Message:  err.Error(),
			})
			return
		}

		yield(&event.Result{
			Name:        "summary",
			PayloadType: "summary",
			Objects:     []map[string]any{{"summary": resp.String("summary")}},
			Display:     true,
		}, nil)
	}
}
