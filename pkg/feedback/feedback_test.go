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

package feedback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/trellis/pkg/store"
)

func seededFeedback(t *testing.T) *store.LocalClient {
	t.Helper()
	client := store.NewLocalClient()
	require.NoError(t, client.Insert(context.Background(), store.FeedbackCollection, []store.Object{
		{
			"uuid":     "fb-1",
			"prompt":   "what are the cheapest running shoes",
			"module":   "decision",
			"positive": true,
			"inputs":   `{"node":"base"}`,
			"outputs":  `{"function_name":"query"}`,
		},
		{
			"uuid":     "fb-2",
			"prompt":   "summarize the meeting notes",
			"module":   "decision",
			"positive": false,
			"inputs":   `{"node":"base"}`,
			"outputs":  `{"function_name":"text_response"}`,
		},
	}))
	return client
}

func TestFetchSimilarFiltersPositive(t *testing.T) {
	client := seededFeedback(t)
	examples, uuids, err := FetchSimilar(context.Background(), client, "cheap running shoes", "decision", 3)
	require.NoError(t, err)

	require.Len(t, examples, 1)
	assert.Equal(t, "fb-1", examples[0].UUID)
	assert.Equal(t, []string{"fb-1"}, uuids)
	assert.Equal(t, "query", examples[0].Outputs["function_name"])
}

func TestFetchSimilarMissingCollection(t *testing.T) {
	examples, uuids, err := FetchSimilar(context.Background(), store.NewLocalClient(), "anything", "decision", 3)
	require.NoError(t, err)
	assert.Nil(t, examples)
	assert.Nil(t, uuids)
}

func TestFetchSimilarNilClient(t *testing.T) {
	examples, uuids, err := FetchSimilar(context.Background(), nil, "anything", "decision", 3)
	require.NoError(t, err)
	assert.Nil(t, examples)
	assert.Nil(t, uuids)
}

func TestRender(t *testing.T) {
	assert.Empty(t, Render(nil))

	rendered := Render([]Example{{
		Prompt:  "cheapest shoes",
		Inputs:  map[string]any{"node": "base"},
		Outputs: map[string]any{"function_name": "query"},
	}})
	assert.Contains(t, rendered, "Example 1")
	assert.Contains(t, rendered, "cheapest shoes")
	assert.Contains(t, rendered, `"function_name":"query"`)
}
