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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/state"
	"github.com/kadirpekel/trellis/pkg/store"
	"github.com/kadirpekel/trellis/pkg/tool"
)

// stubLM answers every completion with fixed fields.
type stubLM struct {
	fields map[string]any
	err    error
}

func (s *stubLM) Model() string { return "stub" }

func (s *stubLM) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llms.Response{Fields: s.fields}, nil
}

func (s *stubLM) History() []llms.CallRecord { return nil }

func connectedInvocation(t *testing.T) *tool.Invocation {
	t.Helper()
	client := store.NewLocalClient()
	require.NoError(t, client.Insert(context.Background(), "products", []store.Object{
		{"name": "red running shoes", "price": 80.0},
		{"name": "blue hiking boots", "price": 120.0},
	}))

	data := state.New(nil, state.Atlas{})
	_, _, _, err := data.SetCollectionNames(context.Background(), []string{"products"}, client)
	require.NoError(t, err)

	return &tool.Invocation{Data: data, Client: client}
}

func collectEvents(t *testing.T, tl tool.Tool, inv *tool.Invocation, inputs map[string]any) ([]event.Event, []error) {
	t.Helper()
	var events []event.Event
	var errs []error
	for ev, err := range tl.Invoke(context.Background(), inv, inputs) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

func TestQueryAvailability(t *testing.T) {
	q := NewQuery()

	data := state.New(nil, state.Atlas{})
	ok, reason := q.IsAvailable(context.Background(), &tool.Invocation{Data: data})
	assert.False(t, ok)
	assert.Contains(t, reason, "store")

	ok, reason = q.IsAvailable(context.Background(), &tool.Invocation{Data: data, Client: store.NewLocalClient()})
	assert.False(t, ok)
	assert.Contains(t, reason, "collections")

	inv := connectedInvocation(t)
	ok, _ = q.IsAvailable(context.Background(), inv)
	assert.True(t, ok)
}

func TestQueryRetrieves(t *testing.T) {
	inv := connectedInvocation(t)
	events, errs := collectEvents(t, NewQuery(), inv, map[string]any{
		"collection_name": "Products",
		"query":           "hiking boots",
		"query_type":      "keyword",
	})
	require.Empty(t, errs)
	require.Len(t, events, 1)

	retrieval, ok := events[0].(*event.Retrieval)
	require.True(t, ok)
	require.NotEmpty(t, retrieval.Objects)
	assert.Equal(t, "blue hiking boots", retrieval.Objects[0]["name"])
	assert.Equal(t, "products", retrieval.Metadata["collection_name"])
}

func TestQueryUnknownCollection(t *testing.T) {
	inv := connectedInvocation(t)
	_, errs := collectEvents(t, NewQuery(), inv, map[string]any{
		"collection_name": "ghost",
		"query":           "anything",
	})
	require.Len(t, errs, 1)

	toolErr, ok := errs[0].(*event.Error)
	require.True(t, ok)
	assert.True(t, toolErr.Avoidable())
	assert.Contains(t, toolErr.Feedback, "products")
}

func TestQueryUnsupportedMode(t *testing.T) {
	inv := connectedInvocation(t)
	inv.Data.Collections.Metadata["products"].IndexProperties.Semantic = false

	_, errs := collectEvents(t, NewQuery(), inv, map[string]any{
		"collection_name": "products",
		"query":           "shoes",
		"query_type":      "hybrid",
	})
	require.Len(t, errs, 1)
	toolErr, ok := errs[0].(*event.Error)
	require.True(t, ok)
	assert.True(t, toolErr.Avoidable())
}

func TestQueryParksLargeResults(t *testing.T) {
	client := store.NewLocalClient()
	objects := make([]store.Object, summarizeThreshold+5)
	for i := range objects {
		objects[i] = store.Object{"name": fmt.Sprintf("item %d", i)}
	}
	require.NoError(t, client.Insert(context.Background(), "items", objects))

	data := state.New(nil, state.Atlas{})
	_, _, _, err := data.SetCollectionNames(context.Background(), []string{"items"}, client)
	require.NoError(t, err)
	inv := &tool.Invocation{Data: data, Client: client}

	events, errs := collectEvents(t, NewQuery(), inv, map[string]any{
		"collection_name": "items",
		"query":           "",
		"query_type":      "filter_only",
		"limit":           summarizeThreshold + 5,
	})
	require.Empty(t, errs)
	require.Len(t, events, 1)

	_, parked := data.Environment.Hidden(hiddenSummarizeKey)
	assert.True(t, parked)
}

func TestAggregateGrouped(t *testing.T) {
	inv := connectedInvocation(t)
	events, errs := collectEvents(t, NewAggregate(), inv, map[string]any{
		"collection_name": "products",
		"property":        "price",
		"metric":          "mean",
	})
	require.Empty(t, errs)
	require.Len(t, events, 1)

	res, ok := events[0].(*event.Result)
	require.True(t, ok)
	assert.Equal(t, "aggregation", res.PayloadType)
	require.NotEmpty(t, res.Objects)
	assert.Equal(t, 100.0, res.Objects[0]["mean"])
}

func TestSummarizeAutoRunsOnParkedItems(t *testing.T) {
	s := NewSummarize()
	data := state.New(nil, state.Atlas{})
	inv := &tool.Invocation{Data: data, BaseLM: &stubLM{fields: map[string]any{"summary": "two pairs of shoes"}}}

	run, _, err := s.ShouldAutoRun(context.Background(), inv)
	require.NoError(t, err)
	assert.False(t, run)

	data.Environment.SetHidden(hiddenSummarizeKey, []map[string]any{{"name": "shoes"}})
	run, _, err = s.ShouldAutoRun(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, run)

	events, errs := collectEvents(t, s, inv, nil)
	require.Empty(t, errs)
	require.Len(t, events, 1)
	res, ok := events[0].(*event.Result)
	require.True(t, ok)
	assert.Equal(t, "two pairs of shoes", res.Objects[0]["summary"])

	_, stillParked := data.Environment.Hidden(hiddenSummarizeKey)
	assert.False(t, stillParked, "parked items are consumed")
}

func TestSummarizeFailureConsumesItems(t *testing.T) {
	s := NewSummarize()
	data := state.New(nil, state.Atlas{})
	data.Environment.SetHidden(hiddenSummarizeKey, []map[string]any{{"name": "shoes"}})
	inv := &tool.Invocation{Data: data, BaseLM: &stubLM{err: fmt.Errorf("model unavailable")}}

	_, errs := collectEvents(t, s, inv, nil)
	require.Len(t, errs, 1)
	toolErr, ok := errs[0].(*event.Error)
	require.True(t, ok)
	assert.True(t, toolErr.Avoidable())

	_, stillParked := data.Environment.Hidden(hiddenSummarizeKey)
	assert.False(t, stillParked, "a failing summary is not retried forever")
}

func TestForcedResponse(t *testing.T) {
	data := state.New(nil, state.Atlas{})
	data.UserPrompt = "what happened?"
	inv := &tool.Invocation{
		Data:      data,
		ComplexLM: &stubLM{fields: map[string]any{"response": "The run was cut short.", "ref_ids": []any{}}},
	}

	text, err := ForcedResponse(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "The run was cut short.", text.FullText())
}

func TestTextResponseEndsConversation(t *testing.T) {
	meta := NewTextResponse().Describe()
	assert.Equal(t, "text_response", meta.Name)
	assert.True(t, meta.EndsConversation)
	assert.Empty(t, meta.Inputs)
}
