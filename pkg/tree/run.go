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
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/trellis/pkg/config"
	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/state"
	"github.com/kadirpekel/trellis/pkg/store"
	"github.com/kadirpekel/trellis/pkg/tool"
	"github.com/kadirpekel/trellis/pkg/tools"
)

// RunOption configures one Run.
type RunOption func(*runConfig)

type runConfig struct {
	collections []string
	route       []string
	queryID     string
}

// WithCollections names the collections the prompt may retrieve from.
func WithCollections(names ...string) RunOption {
	return func(c *runConfig) { c.collections = names }
}

// WithTrainingRoute presets the decision path, bypassing the model.
func WithTrainingRoute(ids ...string) RunOption {
	return func(c *runConfig) { c.route = ids }
}

// WithQueryID fixes the query id instead of generating one.
func WithQueryID(id string) RunOption {
	return func(c *runConfig) { c.queryID = id }
}

// Run walks the tree for one prompt, streaming every event in emission
// order. The sequence terminates with a Completed event on success or a
// single error element on wiring failures (no model, no tools).
func (t *Tree) Run(ctx context.Context, prompt string, opts ...RunOption) iter.Seq2[event.Event, error] {
	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.queryID == "" {
		cfg.queryID = uuid.New().String()
	}

	return func(yield func(event.Event, error) bool) {
		stop := false
		emit := func(ev event.Event) error {
			if err := t.returner.Emit(cfg.queryID, ev); err != nil {
				return err
			}
			if !yield(ev, nil) {
				stop = true
				return context.Canceled
			}
			return nil
		}
		if err := t.run(ctx, prompt, cfg, emit); err != nil && !stop {
			yield(nil, err)
		}
	}
}

func (t *Tree) run(ctx context.Context, prompt string, cfg *runConfig, emit emitFunc) error {
	if t.baseLM == nil {
		return &config.ConfigurationError{Missing: "base model"}
	}
	if t.complexLM == nil {
		return &config.ConfigurationError{Missing: "complex model"}
	}

	t.queryIDs[prompt] = cfg.queryID
	t.data.SoftReset()
	t.data.UserPrompt = prompt
	t.data.NumTreesCompleted = 0

	if err := t.purgeEmptyBranches(); err != nil {
		return err
	}
	if t.rootID == "" {
		return fmt.Errorf("the tree has no root branch")
	}

	var lease *store.Lease
	if t.pool != nil {
		var err error
		lease, err = t.pool.Acquire(ctx)
		if err != nil {
			if authErr, ok := err.(*store.AuthError); ok {
				if emitErr := emit(&event.Warning{Text: authErr.Error()}); emitErr != nil {
					return emitErr
				}
			} else {
				return err
			}
		} else {
			defer lease.Release()
		}
	}
	inv := &tool.Invocation{
		Data:      t.data,
		BaseLM:    t.baseLM,
		ComplexLM: t.complexLM,
	}
	if lease != nil {
		inv.Client = lease.Client()
	}

	if len(cfg.collections) > 0 {
		if inv.Client == nil {
			if err := emit(&event.Warning{Text: fmt.Sprintf("no store is configured; collections %s were skipped", strings.Join(cfg.collections, ", "))}); err != nil {
				return err
			}
		} else {
			_, unpreprocessed, nonexistent, err := t.data.SetCollectionNames(ctx, cfg.collections, inv.Client)
			if err != nil {
				return err
			}
			for _, name := range unpreprocessed {
				if err := emit(&event.Warning{Text: fmt.Sprintf("collection %q has not been preprocessed and was skipped", name)}); err != nil {
					return err
				}
			}
			for _, name := range nonexistent {
				if err := emit(&event.Warning{Text: fmt.Sprintf("collection %q does not exist and was skipped", name)}); err != nil {
					return err
				}
			}
		}
	}

	t.data.AppendMessage(llms.RoleUser, prompt)
	if err := emit(&event.UserPrompt{Prompt: prompt}); err != nil {
		return err
	}

	var route *[]string
	if len(cfg.route) > 0 {
		routeCopy := append([]string(nil), cfg.route...)
		route = &routeCopy
	}

	completed := false
	endedCleanly := false
	for {
		turn, err := t.runTurn(ctx, inv, route, emit)
		if err != nil {
			return err
		}
		t.data.NumTreesCompleted++
		t.treeIndex++
		t.returner.SetTreeIndex(t.treeIndex)
		t.returner.ResetTreeView()

		if turn.completed {
			completed = true
			endedCleanly = turn.endedCleanly
			break
		}
		if t.data.NumTreesCompleted > t.data.RecursionLimit {
			break
		}
	}

	// A run that did not finish on an end-flagged option still owes the
	// user a closing message. This forced response does not count
	// toward the recursion budget.
	if !completed || !endedCleanly {
		text, err := tools.ForcedResponse(ctx, inv)
		if err != nil {
			slog.Warn("forced text response failed", "error", err)
			if emitErr := emit(&event.Warning{Text: "the run ended before a final response could be written"}); emitErr != nil {
				return emitErr
			}
		} else {
			if err := t.integrate(ctx, text, "text_response", inv, emit); err != nil {
				return err
			}
		}
	}

	t.saveHistory(cfg.queryID)
	return emit(&event.Completed{})
}

// turnResult reports how one root-to-leaf traversal ended.
type turnResult struct {
	// completed means the run should stop: an end option finished, the
	// model set end_actions on a successful turn, or it declared the
	// task impossible.
	completed bool
	// endedCleanly means the stop came from an end-flagged option, so
	// no forced closing response is needed.
	endedCleanly bool
}

// runTurn walks from the root to a leaf, deciding at each node.
func (t *Tree) runTurn(ctx context.Context, inv *tool.Invocation, route *[]string, emit emitFunc) (turnResult, error) {
	node := t.nodes[t.rootID]
	for {
		if err := ctx.Err(); err != nil {
			return turnResult{}, err
		}
		decision, err := t.decide(ctx, node, inv, route, emit)
		if err != nil {
			return turnResult{}, err
		}
		t.data.PreviousReasoning = decision.Reasoning
		if decision.MessageUpdate != "" {
			t.data.CurrentMessage = decision.MessageUpdate
		}

		if decision.Impossible {
			t.data.UpdateTasksCompleted(t.data.UserPrompt, node.ID, t.data.NumTreesCompleted,
				map[string]any{"reasoning": decision.Reasoning, "error": "declared impossible"})
			return turnResult{completed: true}, nil
		}

		opt := node.Option(decision.FunctionName)
		if opt == nil {
			return turnResult{}, fmt.Errorf("decision chose unknown option %q", decision.FunctionName)
		}

		if opt.Action == nil {
			// Descend into the sub-branch.
			next := t.nodes[opt.NextID]
			if next == nil {
				return turnResult{}, fmt.Errorf("branch option %q points at missing node %q", opt.ID, opt.NextID)
			}
			node = next
			continue
		}

		failed, err := t.invokeTool(ctx, opt, inv, decision.FunctionInputs, emit)
		if err != nil {
			return turnResult{}, err
		}
		t.data.UpdateTasksCompleted(t.data.UserPrompt, opt.ID, t.data.NumTreesCompleted, map[string]any{
			"reasoning": decision.Reasoning,
			"inputs":    decision.FunctionInputs,
		})

		if opt.NextID != "" {
			// Stemmed tool: a post-execution decision point follows.
			node = t.nodes[opt.NextID]
			if node == nil {
				return turnResult{}, fmt.Errorf("stemmed tool %q points at missing node %q", opt.ID, opt.NextID)
			}
			continue
		}

		if opt.End && !failed {
			return turnResult{completed: true, endedCleanly: true}, nil
		}
		// A failed tool never grants completion on end_actions alone.
		if decision.EndActions && !failed {
			return turnResult{completed: true}, nil
		}
		return turnResult{}, nil
	}
}

// invokeTool streams one tool invocation, integrating every event in
// emission order. Returns whether the tool failed.
func (t *Tree) invokeTool(ctx context.Context, opt *Option, inv *tool.Invocation, inputs map[string]any, emit emitFunc) (failed bool, err error) {
	meta := opt.Action.Describe()
	resolved := tool.ResolveInputs(meta, inputs)
	if missing := tool.MissingRequired(meta, resolved); len(missing) > 0 {
		t.data.AddError(opt.ID, fmt.Sprintf("missing required inputs: %s", strings.Join(missing, ", ")))
		return true, emit(&event.Error{
			Feedback: fmt.Sprintf("supply the required inputs for %s: %s", opt.ID, strings.Join(missing, ", ")),
			Message:  "missing required inputs",
		})
	}

	label := fmt.Sprintf("tool:%s:%d", opt.ID, t.data.NumTreesCompleted)
	t.tracker.StartTracking(opt.ID, label, t.baseLM, t.complexLM)
	defer t.tracker.EndTracking(ctx, label)

	for ev, invokeErr := range opt.Action.Invoke(ctx, inv, resolved) {
		if invokeErr != nil {
			if toolErr, ok := invokeErr.(*event.Error); ok {
				// Recoverable tool error: recorded so the next decision
				// can choose differently.
				if err := t.integrate(ctx, toolErr, opt.ID, inv, emit); err != nil {
					return true, err
				}
				failed = true
				continue
			}
			t.data.AddError(opt.ID, invokeErr.Error())
			if err := emit(&event.Error{Message: invokeErr.Error()}); err != nil {
				return true, err
			}
			return true, nil
		}
		if errEv, ok := ev.(*event.Error); ok {
			failed = true
			if err := t.integrate(ctx, errEv, opt.ID, inv, emit); err != nil {
				return true, err
			}
			continue
		}
		if err := t.integrate(ctx, ev, opt.ID, inv, emit); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// integrate applies one streamed event to the tree state, then forwards
// it to the returner. Empty results are suppressed entirely.
func (t *Tree) integrate(ctx context.Context, ev event.Event, toolName string, inv *tool.Invocation, emit emitFunc) error {
	switch e := ev.(type) {
	case *event.Retrieval:
		return t.integrateResult(&e.Result, toolName, emit, ev)
	case *event.Result:
		return t.integrateResult(e, toolName, emit, ev)
	case *event.Text:
		t.data.AppendMessage(llms.RoleAssistant, e.FullText())
		return emit(ev)
	case *event.Error:
		message := e.Message
		if e.Avoidable() {
			message = e.Feedback
		}
		t.data.AddError(toolName, message)
		t.data.UpdateTasksCompleted(t.data.UserPrompt, toolName, t.data.NumTreesCompleted,
			map[string]any{"error": message})
		return emit(ev)
	case *event.TrainingUpdate:
		t.trainingUpdates = append(t.trainingUpdates, e)
		return emit(ev)
	default:
		return emit(ev)
	}
}

func (t *Tree) integrateResult(res *event.Result, toolName string, emit emitFunc, ev event.Event) error {
	if len(res.Objects) == 0 {
		// Empty results never reach the environment or the frontend.
		return nil
	}
	t.data.Environment.Add(toolName, res)
	t.data.UpdateTasksCompleted(t.data.UserPrompt, toolName, t.data.NumTreesCompleted, map[string]any{
		"parsed_info": res.LLMParse(),
		"action":      true,
	})
	return emit(ev)
}

// saveHistory snapshots the tree data under the query id.
func (t *Tree) saveHistory(queryID string) {
	data, err := json.Marshal(t.data)
	if err != nil {
		slog.Warn("failed to snapshot tree data", "query_id", queryID, "error", err)
		return
	}
	t.history[queryID] = string(data)
}

// History returns the snapshot saved for a query id, if any.
func (t *Tree) History(queryID string) (string, bool) {
	snapshot, ok := t.history[queryID]
	return snapshot, ok
}

// RunResult is what RunSync distils from the event stream.
type RunResult struct {
	// Text is the concatenated assistant text of the run.
	Text string
	// Objects are the retrieved objects, in retrieval order.
	Objects []map[string]any
	// Events is the full ordered transcript.
	Events []event.Event
}

// RunSync drives Run to completion and collects the stream.
func (t *Tree) RunSync(ctx context.Context, prompt string, opts ...RunOption) (*RunResult, error) {
	result := &RunResult{}
	var texts []string
	for ev, err := range t.Run(ctx, prompt, opts...) {
		if err != nil {
			return nil, err
		}
		result.Events = append(result.Events, ev)
		switch e := ev.(type) {
		case *event.Text:
			texts = append(texts, e.FullText())
		case *event.Retrieval:
			result.Objects = append(result.Objects, e.Objects...)
		case *event.Result:
			if e.PayloadType == "retrieval" {
				result.Objects = append(result.Objects, e.Objects...)
			}
		}
	}
	result.Text = strings.Join(texts, " ")
	return result, nil
}

// GenerateTitle derives a short conversation title from the first
// prompt, remembering it for persistence.
func (t *Tree) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	if t.baseLM == nil {
		return "", &config.ConfigurationError{Missing: "base model"}
	}
	resp, err := t.baseLM.Complete(ctx, llms.Request{
		SystemPrompt: "Produce a title of at most six words for a conversation that starts with the given prompt. No quotes, no trailing punctuation.",
		Messages:     []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		Schema: &llms.Schema{
			Name: "title",
			Fields: []llms.Field{
				{Name: "title", Type: "string", Description: "The conversation title."},
			},
		},
	})
	if err != nil {
		return "", err
	}
	t.title = resp.String("title")
	return t.title, nil
}

// SetAtlas replaces the persona guidance.
func (t *Tree) SetAtlas(atlas state.Atlas) { t.data.Atlas = atlas }
