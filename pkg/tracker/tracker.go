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

// Package tracker accumulates timing spans and model usage across a
// tree run. Spans are keyed by component name; model usage is rolled up
// per model by diffing each provider's call history between
// StartTracking and EndTracking, so shared providers are never
// double-counted.
package tracker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kadirpekel/trellis/pkg/llms"
)

// Span is the accumulated timing for one tracked component.
type Span struct {
	Calls     int           `json:"calls"`
	TotalTime time.Duration `json:"total_time"`
	AvgTime   time.Duration `json:"avg_time"`
}

// ModelUsage is the accumulated token and cost rollup for one model.
type ModelUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

type activeSpan struct {
	name      string
	start     time.Time
	providers []llms.Provider
	baselines []int // history length at span start, per provider
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	spans  map[string]*Span
	models map[string]*ModelUsage
	active map[string]*activeSpan

	decisions    metric.Int64Counter
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	spend        metric.Float64Counter
}

// New creates a tracker with counters registered on the global meter.
// With no meter provider installed the counters are no-ops, which keeps
// instrumentation free for embedded use.
func New() *Tracker {
	meter := otel.Meter("trellis")
	decisions, _ := meter.Int64Counter("trellis_decisions_total",
		metric.WithDescription("Total tracked component calls"))
	inputTokens, _ := meter.Int64Counter("trellis_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to models"))
	outputTokens, _ := meter.Int64Counter("trellis_llm_tokens_output_total",
		metric.WithDescription("Total output tokens received from models"))
	spend, _ := meter.Float64Counter("trellis_llm_cost_usd_total",
		metric.WithDescription("Estimated model spend in USD"))
	return &Tracker{
		spans:        map[string]*Span{},
		models:       map[string]*ModelUsage{},
		active:       map[string]*activeSpan{},
		decisions:    decisions,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		spend:        spend,
	}
}

// StartTracking opens a span. label distinguishes concurrent spans of
// the same component; providers listed here have their call history
// diffed when the span closes.
func (t *Tracker) StartTracking(name, label string, providers ...llms.Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span := &activeSpan{name: name, start: time.Now(), providers: providers}
	for _, p := range providers {
		baseline := 0
		if p != nil {
			baseline = len(p.History())
		}
		span.baselines = append(span.baselines, baseline)
	}
	t.active[label] = span
}

// EndTracking closes the labelled span, folding its duration into the
// component's rollup and any new provider calls into the model rollups.
// Unknown labels are ignored.
func (t *Tracker) EndTracking(ctx context.Context, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span, ok := t.active[label]
	if !ok {
		return
	}
	delete(t.active, label)

	elapsed := time.Since(span.start)
	s := t.spans[span.name]
	if s == nil {
		s = &Span{}
		t.spans[span.name] = s
	}
	s.Calls++
	s.TotalTime += elapsed
	s.AvgTime = s.TotalTime / time.Duration(s.Calls)
	t.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("component", span.name)))

	for i, p := range span.providers {
		if p == nil {
			continue
		}
		records := p.History()
		for _, rec := range records[min(span.baselines[i], len(records)):] {
			m := t.models[rec.Model]
			if m == nil {
				m = &ModelUsage{}
				t.models[rec.Model] = m
			}
			m.Calls++
			m.InputTokens += rec.Usage.InputTokens
			m.OutputTokens += rec.Usage.OutputTokens
			m.Cost += rec.Usage.Cost

			attrs := metric.WithAttributes(attribute.String("model", rec.Model))
			t.inputTokens.Add(ctx, int64(rec.Usage.InputTokens), attrs)
			t.outputTokens.Add(ctx, int64(rec.Usage.OutputTokens), attrs)
			t.spend.Add(ctx, rec.Usage.Cost, attrs)
		}
	}
}

// Spans returns a snapshot of the per-component rollups.
func (t *Tracker) Spans() map[string]Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Span, len(t.spans))
	for name, s := range t.spans {
		out[name] = *s
	}
	return out
}

// Models returns a snapshot of the per-model rollups.
func (t *Tracker) Models() map[string]ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelUsage, len(t.models))
	for name, m := range t.models {
		out[name] = *m
	}
	return out
}

// TotalCost sums the estimated spend across all models.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0.0
	for _, m := range t.models {
		total += m.Cost
	}
	return total
}
