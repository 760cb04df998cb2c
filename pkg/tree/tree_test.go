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
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/trellis/pkg/config"
	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/state"
	"github.com/kadirpekel/trellis/pkg/store"
	"github.com/kadirpekel/trellis/pkg/tool"
	"github.com/kadirpekel/trellis/pkg/tools"
)

// fakeLM serves structured completions from a closure.
type fakeLM struct {
	mu      sync.Mutex
	fn      func(req llms.Request) map[string]any
	records []llms.CallRecord
}

func (f *fakeLM) Model() string { return "fake" }

func (f *fakeLM) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	fields := f.fn(req)
	f.mu.Lock()
	f.records = append(f.records, llms.CallRecord{Model: "fake"})
	f.mu.Unlock()
	return &llms.Response{Fields: fields}, nil
}

func (f *fakeLM) History() []llms.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llms.CallRecord, len(f.records))
	copy(out, f.records)
	return out
}

// responderLM answers every final_response schema with a fixed text.
func responderLM(text string) *fakeLM {
	return &fakeLM{fn: func(req llms.Request) map[string]any {
		return map[string]any{
			"reasoning": "responding",
			"response":  text,
			"ref_ids":   []any{},
			"summary":   text,
			"title":     text,
		}
	}}
}

// deciderLM picks options by preference order, falling back to the
// first enum value.
func deciderLM(prefer ...string) *fakeLM {
	return &fakeLM{fn: func(req llms.Request) map[string]any {
		var enum []string
		for _, f := range req.Schema.Fields {
			if f.Name == "function_name" {
				enum = f.Enum
			}
		}
		choice := ""
		for _, want := range prefer {
			for _, have := range enum {
				if have == want {
					choice = want
					break
				}
			}
			if choice != "" {
				break
			}
		}
		if choice == "" && len(enum) > 0 {
			choice = enum[0]
		}
		return map[string]any{
			"reasoning":       "picked " + choice,
			"impossible":      false,
			"message_update":  "",
			"function_name":   choice,
			"function_inputs": map[string]any{},
			"end_actions":     false,
		}
	}}
}

// stubTool is a scriptable tool for the loop tests.
type stubTool struct {
	tool.Base
	meta       tool.Metadata
	available  bool
	reason     string
	autoRun    bool
	autoInputs map[string]any
	invoke     func(inv *tool.Invocation, inputs map[string]any) []event.Event
}

func newStub(name string, end bool) *stubTool {
	return &stubTool{
		meta: tool.Metadata{
			Name:             name,
			Description:      name + " stub",
			Inputs:           map[string]tool.Input{},
			EndsConversation: end,
		},
		available: true,
	}
}

func (s *stubTool) Describe() tool.Metadata { return s.meta }

func (s *stubTool) IsAvailable(ctx context.Context, inv *tool.Invocation) (bool, string) {
	return s.available, s.reason
}

func (s *stubTool) ShouldAutoRun(ctx context.Context, inv *tool.Invocation) (bool, map[string]any, error) {
	return s.autoRun, s.autoInputs, nil
}

func (s *stubTool) Invoke(ctx context.Context, inv *tool.Invocation, inputs map[string]any) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if s.invoke == nil {
			return
		}
		for _, ev := range s.invoke(inv, inputs) {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func newTestTree(t *testing.T, base, complex llms.Provider, opts ...Opt) *Tree {
	t.Helper()
	opts = append(opts, WithProviders(base, complex))
	tr, err := New("user-1", "conv-1", &config.Settings{}, opts...)
	require.NoError(t, err)
	return tr
}

func TestTrivialTextAnswer(t *testing.T) {
	tr := newTestTree(t, deciderLM(), responderLM("Hello there!"))
	require.NoError(t, tr.AddTool(tools.NewTextResponse(), ""))

	result, err := tr.RunSync(context.Background(), "Hello")
	require.NoError(t, err)

	assert.Equal(t, "Hello there!", result.Text)
	assert.Equal(t, 1, tr.Data().NumTreesCompleted)

	texts := 0
	completed := 0
	for _, ev := range result.Events {
		switch ev.(type) {
		case *event.Text:
			texts++
		case *event.Completed:
			completed++
		}
	}
	assert.Equal(t, 1, texts, "exactly one text event")
	assert.Equal(t, 1, completed)
}

func TestAutoRunRuleToolGatedByAvailability(t *testing.T) {
	rule := newStub("greeter", false)
	rule.available = false
	rule.reason = "gated"
	rule.autoRun = true
	rule.autoInputs = map[string]any{"msg": "hi"}
	rule.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		return []event.Event{event.NewResult("greeting", "data",
			[]map[string]any{{"msg": inputs["msg"]}}, nil)}
	}

	tr := newTestTree(t, deciderLM(), responderLM("done"))
	require.NoError(t, tr.AddTool(rule, ""))
	require.NoError(t, tr.AddTool(tools.NewTextResponse(), ""))

	_, err := tr.RunSync(context.Background(), "anything")
	require.NoError(t, err)

	// The rule tool's output reached the environment...
	assert.NotEmpty(t, tr.Data().Environment.Find("greeter", "greeting"))
	// ...but the gated tool was never selected.
	for _, tu := range tr.TrainingUpdates() {
		assert.NotEqual(t, "greeter", tu.Outputs["function_name"])
	}
}

func TestAvailabilityBlocksSelection(t *testing.T) {
	pick := newStub("always_pick_me", true)
	pick.available = false
	pick.reason = "not yet"
	pick.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		return []event.Event{event.NewText("picked", nil)}
	}

	run := func(available bool) []string {
		pick.available = available
		tr := newTestTree(t, deciderLM("always_pick_me"), responderLM("fallback"))
		require.NoError(t, tr.AddTool(pick, ""))
		require.NoError(t, tr.AddTool(tools.NewTextResponse(), ""))

		_, err := tr.RunSync(context.Background(), "pick something")
		require.NoError(t, err)

		var chosen []string
		for _, tu := range tr.TrainingUpdates() {
			if name, ok := tu.Outputs["function_name"].(string); ok {
				chosen = append(chosen, name)
			}
		}
		return chosen
	}

	assert.NotContains(t, run(false), "always_pick_me")
	assert.Contains(t, run(true), "always_pick_me")
}

func TestStemmedToolOrdering(t *testing.T) {
	query := newStub("query", false)
	query.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		return []event.Event{event.NewRetrieval("products",
			[]map[string]any{{"product_id": "prod1"}}, nil)}
	}
	check := newStub("check_result", false)
	check.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		return []event.Event{event.NewText("Looks good to me!", nil)}
	}
	email := newStub("send_email", true)
	email.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		return []event.Event{event.NewText("Email sent to danny@x!", nil)}
	}
	aggregate := newStub("aggregate", false)

	tr := newTestTree(t, deciderLM("query"), responderLM("unused"))
	require.NoError(t, tr.AddBranch(BranchConfig{
		ID: "search", Instruction: "Search and follow up.", Root: true,
	}))
	require.NoError(t, tr.AddTool(query, "search"))
	require.NoError(t, tr.AddTool(aggregate, "search"))
	require.NoError(t, tr.AddTool(check, "search", "query"))
	require.NoError(t, tr.AddTool(email, "search", "query", "check_result"))

	// The stem nodes exist under their dotted ids.
	require.NotNil(t, tr.Node("search.query"))
	require.NotNil(t, tr.Node("search.query.check_result"))

	result, err := tr.RunSync(context.Background(), "retrieve product prod1 then email danny@x")
	require.NoError(t, err)

	assert.Contains(t, result.Text, "Looks good to me!")
	assert.Contains(t, result.Text, "Email sent to danny@x!")
	require.Len(t, result.Objects, 1)
	assert.Equal(t, "prod1", result.Objects[0]["product_id"])
}

func TestRecursionLimit(t *testing.T) {
	turn := 0
	spin := newStub("spin", false)
	spin.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		turn++
		return []event.Event{event.NewResult("spin", "data",
			[]map[string]any{{"turn": turn}}, nil)}
	}

	tr := newTestTree(t, deciderLM(), responderLM("The process was cut short."),
		WithRecursionLimit(2))
	require.NoError(t, tr.AddTool(spin, ""))

	result, err := tr.RunSync(context.Background(), "question")
	require.NoError(t, err)

	// recursionLimit+1 decision turns, then a forced closing message.
	assert.Len(t, tr.TrainingUpdates(), 3)
	assert.Equal(t, "The process was cut short.", result.Text)

	last := result.Events[len(result.Events)-1]
	assert.IsType(t, &event.Completed{}, last)
}

func TestNoToolsAvailableFailsFast(t *testing.T) {
	gated := newStub("gated", true)
	gated.available = false
	gated.reason = "switched off"

	tr := newTestTree(t, deciderLM(), responderLM("unused"))
	require.NoError(t, tr.AddTool(gated, ""))

	_, err := tr.RunSync(context.Background(), "anything")
	var noTools *ErrNoToolsAvailable
	require.ErrorAs(t, err, &noTools)
}

func TestMissingModelIsConfigurationError(t *testing.T) {
	tr := newTestTree(t, nil, nil)
	require.NoError(t, tr.AddTool(newStub("noop", true), ""))

	_, err := tr.RunSync(context.Background(), "anything")
	var confErr *config.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tr, err := NewDefault("user-7", "conv-7", &config.Settings{})
	require.NoError(t, err)
	tr.SetAtlas(state.Atlas{Style: "formal and brief"})
	tr.Data().Environment.SetHidden("Example Entry", "This is an example!")

	blob, err := tr.ExportJSON()
	require.NoError(t, err)

	restored, err := ImportJSON(blob, DefaultRegistry())
	require.NoError(t, err)

	assert.Equal(t, "user-7", restored.UserID())
	assert.Equal(t, "conv-7", restored.ConversationID())
	assert.Equal(t, "formal and brief", restored.Data().Atlas.Style)

	v, ok := restored.Data().Environment.Hidden("Example Entry")
	require.True(t, ok)
	assert.Equal(t, "This is an example!", v)

	// The graph was rebuilt by the same branch initialisation.
	require.NotNil(t, restored.Node("base"))
	require.NotNil(t, restored.Node("search"))
}

func TestShapeStableUnderNoOpMutations(t *testing.T) {
	tr, err := NewDefault("u", "c", &config.Settings{})
	require.NoError(t, err)

	before, err := json.Marshal(tr.Shape())
	require.NoError(t, err)

	require.NoError(t, tr.AddTool(newStub("extra", false), "base"))
	_, err = tr.RemoveTool("extra", "base")
	require.NoError(t, err)

	after, err := json.Marshal(tr.Shape())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRemoveStemToolCascades(t *testing.T) {
	query := newStub("query", false)
	check := newStub("check_result", false)
	email := newStub("send_email", true)

	tr := newTestTree(t, deciderLM(), responderLM("unused"))
	require.NoError(t, tr.AddBranch(BranchConfig{ID: "search", Instruction: "s", Root: true}))
	require.NoError(t, tr.AddTool(query, "search"))
	require.NoError(t, tr.AddTool(check, "search", "query"))
	require.NoError(t, tr.AddTool(email, "search", "query", "check_result"))

	collateral, err := tr.RemoveTool("query", "search")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"check_result", "send_email"}, collateral)
	assert.Nil(t, tr.Node("search.query"))
	assert.Nil(t, tr.Node("search.query.check_result"))
}

func TestDuplicateToolNameRejected(t *testing.T) {
	tr := newTestTree(t, deciderLM(), responderLM("unused"))
	require.NoError(t, tr.AddTool(newStub("twin", false), ""))
	err := tr.AddTool(newStub("twin", false), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestTrainingRouteBypassesModel(t *testing.T) {
	boom := &fakeLM{fn: func(req llms.Request) map[string]any {
		panic("the model must not be consulted on a preset route")
	}}
	reached := false
	target := newStub("target", true)
	target.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		reached = true
		return []event.Event{event.NewText("routed", nil)}
	}

	tr := newTestTree(t, boom, responderLM("unused"))
	require.NoError(t, tr.AddTool(target, ""))
	require.NoError(t, tr.AddTool(newStub("decoy", false), ""))

	result, err := tr.RunSync(context.Background(), "go",
		WithTrainingRoute("target"))
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Contains(t, result.Text, "routed")
}

func TestFewShotExamplesFollowDecision(t *testing.T) {
	client := store.NewLocalClient()
	require.NoError(t, client.Insert(context.Background(), store.FeedbackCollection, []store.Object{{
		"uuid":     "ex-1",
		"prompt":   "an earlier question",
		"module":   "decision",
		"positive": true,
		"outputs":  `{"function_name":"text_response"}`,
	}}))
	pool := store.NewPool(func(ctx context.Context) (store.Client, error) {
		return client, nil
	}, time.Minute)

	tr, err := New("user-1", "conv-1", &config.Settings{UseFeedback: true},
		WithProviders(deciderLM("text_response"), responderLM("answered")),
		WithPool(pool))
	require.NoError(t, err)
	require.NoError(t, tr.AddTool(newStub("decoy", false), ""))
	require.NoError(t, tr.AddTool(tools.NewTextResponse(), ""))

	result, err := tr.RunSync(context.Background(), "a question")
	require.NoError(t, err)

	few, training, update := -1, -1, -1
	var uuids []string
	for i, ev := range result.Events {
		switch e := ev.(type) {
		case *event.FewShotExamples:
			if few == -1 {
				few = i
				uuids = e.UUIDs
			}
		case *event.TrainingUpdate:
			if training == -1 {
				training = i
			}
		case *event.TreeUpdate:
			if update == -1 {
				update = i
			}
		}
	}
	require.NotEqual(t, -1, few, "examples were retrieved for the decision")
	assert.Equal(t, []string{"ex-1"}, uuids)
	assert.Greater(t, few, training, "examples follow the decision record")
	assert.Greater(t, few, update, "examples follow the tree update")
}

func TestCollectionsWithoutStoreWarn(t *testing.T) {
	tr := newTestTree(t, deciderLM(), responderLM("no store connected"))
	require.NoError(t, tr.AddTool(tools.NewTextResponse(), ""))

	result, err := tr.RunSync(context.Background(), "search the products",
		WithCollections("products"))
	require.NoError(t, err)

	warned := false
	for _, ev := range result.Events {
		if w, ok := ev.(*event.Warning); ok && strings.Contains(w.Text, "products") {
			warned = true
		}
	}
	assert.True(t, warned, "named collections without a store are reported, not silently dropped")
}

func TestEmptyResultSuppressed(t *testing.T) {
	hollow := newStub("hollow", false)
	hollow.invoke = func(inv *tool.Invocation, inputs map[string]any) []event.Event {
		return []event.Event{event.NewResult("nothing", "data", nil, nil)}
	}

	tr := newTestTree(t, deciderLM("hollow"), responderLM("done"),
		WithRecursionLimit(1))
	require.NoError(t, tr.AddTool(hollow, ""))
	require.NoError(t, tr.AddTool(tools.NewTextResponse(), ""))

	result, err := tr.RunSync(context.Background(), "fetch nothing")
	require.NoError(t, err)

	assert.Nil(t, tr.Data().Environment.Find("hollow", "nothing"))
	for _, ev := range result.Events {
		if res, ok := ev.(*event.Result); ok {
			assert.NotEmpty(t, res.Objects, "empty results never reach the stream")
		}
	}
}
