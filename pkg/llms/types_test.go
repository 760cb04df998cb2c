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

package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSchemaRendering(t *testing.T) {
	s := &Schema{
		Name: "decision",
		Fields: []Field{
			{Name: "reasoning", Type: "string", Description: "why"},
			{Name: "function_name", Type: "string", Enum: []string{"query", "text_response"}},
			{Name: "function_inputs", Type: "object"},
			{Name: "ref_ids", Type: "array"},
			{Name: "impossible", Type: "boolean"},
		},
	}
	rendered := s.JSONSchema()

	assert.Equal(t, "object", rendered["type"])
	assert.Equal(t, false, rendered["additionalProperties"])
	assert.ElementsMatch(t,
		[]string{"reasoning", "function_name", "function_inputs", "ref_ids", "impossible"},
		rendered["required"])

	props := rendered["properties"].(map[string]any)
	fn := props["function_name"].(map[string]any)
	assert.Equal(t, []string{"query", "text_response"}, fn["enum"])

	inputs := props["function_inputs"].(map[string]any)
	assert.Equal(t, true, inputs["additionalProperties"])

	refs := props["ref_ids"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string"}, refs["items"])
}

func TestResponseAccessors(t *testing.T) {
	r := &Response{Fields: map[string]any{
		"response":   "hello",
		"impossible": true,
		"inputs":     map[string]any{"limit": 5.0},
		"ref_ids":    []any{"a", "b", 3},
	}}

	assert.Equal(t, "hello", r.String("response"))
	assert.Empty(t, r.String("missing"))
	assert.True(t, r.Bool("impossible"))
	assert.False(t, r.Bool("response"))
	assert.Equal(t, map[string]any{"limit": 5.0}, r.Map("inputs"))
	assert.Equal(t, []string{"a", "b"}, r.Strings("ref_ids"), "non-strings are dropped")
	assert.Nil(t, r.Strings("missing"))
}

func TestEstimateCostLongestPrefixWins(t *testing.T) {
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	// gpt-4o-mini must not be priced as gpt-4o.
	mini := EstimateCost("gpt-4o-mini-2024-07-18", usage)
	full := EstimateCost("gpt-4o-2024-08-06", usage)
	assert.InDelta(t, 0.75, mini, 1e-9)
	assert.InDelta(t, 12.50, full, 1e-9)

	assert.Zero(t, EstimateCost("unknown-model", usage))
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("carrier-pigeon", "model", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}
