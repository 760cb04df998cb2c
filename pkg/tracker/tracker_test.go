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

package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/trellis/pkg/llms"
)

// recordedLM replays a scripted call history.
type recordedLM struct {
	model   string
	records []llms.CallRecord
}

func (r *recordedLM) Model() string { return r.model }

func (r *recordedLM) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	return &llms.Response{}, nil
}

func (r *recordedLM) History() []llms.CallRecord {
	out := make([]llms.CallRecord, len(r.records))
	copy(out, r.records)
	return out
}

func (r *recordedLM) call(input, output int, cost float64) {
	r.records = append(r.records, llms.CallRecord{
		Model: r.model,
		Usage: llms.Usage{InputTokens: input, OutputTokens: output, Cost: cost},
	})
}

func TestSpanRollup(t *testing.T) {
	tr := New()
	ctx := context.Background()

	tr.StartTracking("decision", "decision:base:0")
	tr.EndTracking(ctx, "decision:base:0")
	tr.StartTracking("decision", "decision:base:1")
	tr.EndTracking(ctx, "decision:base:1")

	spans := tr.Spans()
	require.Contains(t, spans, "decision")
	assert.Equal(t, 2, spans["decision"].Calls)
	assert.GreaterOrEqual(t, spans["decision"].TotalTime, spans["decision"].AvgTime)
}

func TestModelRollupDiffsHistory(t *testing.T) {
	tr := New()
	ctx := context.Background()
	lm := &recordedLM{model: "gpt-4o-mini"}

	// Calls before the span are outside the baseline and never counted.
	lm.call(100, 10, 0.001)

	tr.StartTracking("tool", "tool:query:0", lm)
	lm.call(200, 20, 0.002)
	lm.call(300, 30, 0.003)
	tr.EndTracking(ctx, "tool:query:0")

	models := tr.Models()
	require.Contains(t, models, "gpt-4o-mini")
	assert.Equal(t, 2, models["gpt-4o-mini"].Calls)
	assert.Equal(t, 500, models["gpt-4o-mini"].InputTokens)
	assert.Equal(t, 50, models["gpt-4o-mini"].OutputTokens)
	assert.InDelta(t, 0.005, tr.TotalCost(), 1e-9)
}

func TestSharedProviderNotDoubleCounted(t *testing.T) {
	tr := New()
	ctx := context.Background()
	lm := &recordedLM{model: "gpt-4o-mini"}

	tr.StartTracking("a", "a:0", lm)
	lm.call(10, 1, 0.0)
	tr.EndTracking(ctx, "a:0")

	tr.StartTracking("b", "b:0", lm)
	tr.EndTracking(ctx, "b:0")

	assert.Equal(t, 1, tr.Models()["gpt-4o-mini"].Calls)
}

func TestEndTrackingUnknownLabel(t *testing.T) {
	tr := New()
	tr.EndTracking(context.Background(), "never-started")
	assert.Empty(t, tr.Spans())
}

func TestNilProviderIgnored(t *testing.T) {
	tr := New()
	tr.StartTracking("tool", "tool:x:0", nil)
	tr.EndTracking(context.Background(), "tool:x:0")
	assert.Empty(t, tr.Models())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))

	n := EstimateTokens("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 20)
}
