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

package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/trellis/pkg/store"
)

func TestAppendMessageMergesAdjacentRoles(t *testing.T) {
	d := New(nil, Atlas{})
	d.AppendMessage("user", "hello")
	d.AppendMessage("user", "world")
	d.AppendMessage("assistant", "hi")
	d.AppendMessage("assistant", "there")
	d.AppendMessage("user", "again")

	require.Len(t, d.ConversationHistory, 3)
	assert.Equal(t, "hello world", d.ConversationHistory[0].Content)
	assert.Equal(t, "hi there", d.ConversationHistory[1].Content)
	assert.Equal(t, "again", d.ConversationHistory[2].Content)

	for i := 1; i < len(d.ConversationHistory); i++ {
		assert.NotEqual(t, d.ConversationHistory[i-1].Role, d.ConversationHistory[i].Role)
	}
}

func TestAppendMessageSkipsEmpty(t *testing.T) {
	d := New(nil, Atlas{})
	d.AppendMessage("user", "")
	assert.Empty(t, d.ConversationHistory)
}

func TestUpdateTasksCompletedMerges(t *testing.T) {
	d := New(nil, Atlas{})
	d.UpdateTasksCompleted("p", "query", 0, map[string]any{
		"reasoning": "first",
		"count":     1,
		"tags":      []any{"a"},
		"info":      map[string]any{"x": 1},
		"done":      false,
	})
	d.UpdateTasksCompleted("p", "query", 0, map[string]any{
		"reasoning": "second",
		"count":     2,
		"tags":      []any{"b"},
		"info":      map[string]any{"y": 2},
		"done":      true,
	})

	require.Len(t, d.TasksCompleted, 1)
	require.Len(t, d.TasksCompleted[0].Tasks, 1)
	task := d.TasksCompleted[0].Tasks[0]

	assert.Equal(t, "first\nsecond", task["reasoning"])
	assert.Equal(t, 3, task["count"])
	assert.Equal(t, []any{"a", "b"}, task["tags"])
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, task["info"])
	assert.Equal(t, true, task["done"])
}

func TestUpdateTasksCompletedDistinctIterations(t *testing.T) {
	d := New(nil, Atlas{})
	d.UpdateTasksCompleted("p", "query", 0, map[string]any{"reasoning": "a"})
	d.UpdateTasksCompleted("p", "query", 1, map[string]any{"reasoning": "b"})
	require.Len(t, d.TasksCompleted[0].Tasks, 2)
}

func TestTreeCountString(t *testing.T) {
	d := New(nil, Atlas{})
	d.RecursionLimit = 3

	d.NumTreesCompleted = 0
	assert.Equal(t, "1/3", d.TreeCountString())

	d.NumTreesCompleted = 2
	assert.Contains(t, d.TreeCountString(), "3/3")
	assert.Contains(t, d.TreeCountString(), "final pass")

	d.NumTreesCompleted = 3
	assert.Contains(t, d.TreeCountString(), "exhausted")
}

func TestSoftResetClearsTransientOnly(t *testing.T) {
	d := New(nil, Atlas{})
	d.AppendMessage("user", "hello")
	d.PreviousReasoning = "because"
	d.CurrentMessage = "working on it"

	d.SoftReset()

	assert.Empty(t, d.PreviousReasoning)
	assert.Empty(t, d.CurrentMessage)
	assert.Len(t, d.ConversationHistory, 1)
	assert.NotNil(t, d.Environment)
}

// metadataClient serves canned FetchMetadata responses.
type metadataClient struct {
	store.Client
	metadata map[string]*store.Metadata
}

func (c *metadataClient) FetchMetadata(ctx context.Context, name string) (*store.Metadata, error) {
	switch name {
	case "missing":
		return nil, &store.QueryError{Collection: name, Reason: "not found"}
	case "raw":
		return nil, store.ErrNotPreprocessed
	default:
		if m, ok := c.metadata[name]; ok {
			return m, nil
		}
		return nil, &store.QueryError{Collection: name, Reason: "not found"}
	}
}

func TestSetCollectionNamesPartitions(t *testing.T) {
	d := New(nil, Atlas{})
	client := &metadataClient{metadata: map[string]*store.Metadata{
		"Products": {Name: "Products", Summary: "products"},
	}}

	found, unpreprocessed, nonexistent, err := d.SetCollectionNames(
		context.Background(), []string{"Products", "raw", "missing"}, client)
	require.NoError(t, err)

	assert.Equal(t, []string{"products"}, found)
	assert.Equal(t, []string{"raw"}, unpreprocessed)
	assert.Equal(t, []string{"missing"}, nonexistent)
	assert.Equal(t, []string{"products"}, d.Collections.Active)
}

func TestSetCollectionNamesUsesCache(t *testing.T) {
	d := New(nil, Atlas{})
	d.Collections.Metadata["products"] = &store.Metadata{Name: "products"}

	found, _, _, err := d.SetCollectionNames(context.Background(), []string{"PRODUCTS"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, found)
}
