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

// Package feedback retrieves positively-rated past decisions to inject
// into decision prompts as few-shot examples.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/trellis/pkg/store"
)

// Example is one past decision retrieved as an in-context example.
type Example struct {
	UUID    string
	Prompt  string
	Inputs  map[string]any
	Outputs map[string]any
}

// FetchSimilar returns up to n positively-rated examples for the given
// component, most similar to prompt first. Missing or unqueryable
// feedback collections yield no examples rather than an error, so
// feedback stays best-effort.
func FetchSimilar(ctx context.Context, client store.Client, prompt, component string, n int) ([]Example, []string, error) {
	if client == nil || n <= 0 {
		return nil, nil, nil
	}
	exists, err := client.CollectionExists(ctx, store.FeedbackCollection)
	if err != nil || !exists {
		return nil, nil, nil
	}

	resp, err := client.Query(ctx, store.QueryRequest{
		Collection: store.FeedbackCollection,
		Query:      prompt,
		Type:       store.QuerySemantic,
		Limit:      n,
		Filters: map[string]any{
			"module":   component,
			"positive": true,
		},
	})
	if err != nil {
		// Backends without semantic search over the feedback collection
		// fall back to filter-only retrieval.
		resp, err = client.Query(ctx, store.QueryRequest{
			Collection: store.FeedbackCollection,
			Type:       store.QueryFilter,
			Limit:      n,
			Filters: map[string]any{
				"module":   component,
				"positive": true,
			},
		})
		if err != nil {
			return nil, nil, nil
		}
	}

	examples := make([]Example, 0, len(resp.Objects))
	uuids := make([]string, 0, len(resp.Objects))
	for _, obj := range resp.Objects {
		ex := Example{
			UUID:    asString(obj["uuid"]),
			Prompt:  asString(obj["prompt"]),
			Inputs:  asMap(obj["inputs"]),
			Outputs: asMap(obj["outputs"]),
		}
		examples = append(examples, ex)
		if ex.UUID != "" {
			uuids = append(uuids, ex.UUID)
		}
	}
	return examples, uuids, nil
}

// Render formats examples for inclusion in a decision prompt.
func Render(examples []Example) string {
	if len(examples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Here are past decisions rated as correct in similar situations:\n")
	for i, ex := range examples {
		fmt.Fprintf(&b, "Example %d:\n  prompt: %s\n", i+1, ex.Prompt)
		if len(ex.Inputs) > 0 {
			fmt.Fprintf(&b, "  inputs: %s\n", compactJSON(ex.Inputs))
		}
		if len(ex.Outputs) > 0 {
			fmt.Fprintf(&b, "  decision: %s\n", compactJSON(ex.Outputs))
		}
	}
	return b.String()
}

func compactJSON(m map[string]any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case string:
		// Stored as a JSON string by backends without nested objects.
		var out map[string]any
		if err := json.Unmarshal([]byte(m), &out); err == nil {
			return out
		}
	}
	return nil
}
