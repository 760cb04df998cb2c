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

package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/trellis/pkg/event"
)

func metaWith(inputs map[string]Input) Metadata {
	return Metadata{Name: "test", Description: "test tool", Inputs: inputs}
}

func TestResolveInputsDropsUnknown(t *testing.T) {
	meta := metaWith(map[string]Input{
		"query": {Type: "string", Description: "q", Required: true},
	})
	resolved := ResolveInputs(meta, map[string]any{
		"query":   "hello",
		"unknown": "dropped",
	})
	assert.Equal(t, map[string]any{"query": "hello"}, resolved)
}

func TestResolveInputsAppliesDefaults(t *testing.T) {
	meta := metaWith(map[string]Input{
		"limit": {Type: "integer", Description: "n", Default: 10},
	})
	resolved := ResolveInputs(meta, map[string]any{})
	assert.Equal(t, 10, resolved["limit"])
}

func TestResolveInputsUnwrapsSchemaShape(t *testing.T) {
	meta := metaWith(map[string]Input{
		"query": {Type: "string", Description: "q"},
	})
	resolved := ResolveInputs(meta, map[string]any{
		"query": map[string]any{
			"description": "q",
			"type":        "string",
			"default":     nil,
			"value":       "hello",
		},
	})
	assert.Equal(t, "hello", resolved["query"])
}

func TestMissingRequired(t *testing.T) {
	meta := metaWith(map[string]Input{
		"query": {Type: "string", Description: "q", Required: true},
		"limit": {Type: "integer", Description: "n"},
	})
	assert.Equal(t, []string{"query"}, MissingRequired(meta, map[string]any{"limit": 5}))
	assert.Empty(t, MissingRequired(meta, map[string]any{"query": "x"}))
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"required,description=What to echo back"`
	Times   int    `json:"times,omitempty" jsonschema:"description=Repeat count,default=1"`
}

func TestFromDerivesInputs(t *testing.T) {
	echo, err := From(Config{Name: "echo", Description: "Echo a message."},
		func(ctx context.Context, inv *Invocation, args echoArgs) (any, error) {
			return map[string]any{"echoed": args.Message}, nil
		})
	require.NoError(t, err)

	meta := echo.Describe()
	assert.Equal(t, "echo", meta.Name)
	require.Contains(t, meta.Inputs, "message")
	assert.True(t, meta.Inputs["message"].Required)
	assert.Equal(t, "What to echo back", meta.Inputs["message"].Description)
	require.Contains(t, meta.Inputs, "times")
	assert.False(t, meta.Inputs["times"].Required)
}

func TestFromInvokeWrapsReturn(t *testing.T) {
	echo, err := From(Config{Name: "echo", Description: "Echo a message."},
		func(ctx context.Context, inv *Invocation, args echoArgs) (any, error) {
			return map[string]any{"echoed": args.Message}, nil
		})
	require.NoError(t, err)

	var events []event.Event
	for ev, err := range echo.Invoke(context.Background(), &Invocation{}, map[string]any{"message": "hi"}) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	res, ok := events[0].(*event.Result)
	require.True(t, ok)
	assert.Equal(t, "hi", res.Objects[0]["echoed"])
}

type undescribedArgs struct {
	Mystery string `json:"mystery"`
}

func TestFromRejectsUndescribedInputs(t *testing.T) {
	_, err := From(Config{Name: "bad", Description: "Bad tool."},
		func(ctx context.Context, inv *Invocation, args undescribedArgs) (any, error) {
			return nil, nil
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "description")
}

func TestFromRequiresNameAndDescription(t *testing.T) {
	_, err := From(Config{Description: "x"},
		func(ctx context.Context, inv *Invocation, args echoArgs) (any, error) { return nil, nil })
	assert.Error(t, err)

	_, err = From(Config{Name: "x"},
		func(ctx context.Context, inv *Invocation, args echoArgs) (any, error) { return nil, nil })
	assert.Error(t, err)
}

func TestBaseDefaults(t *testing.T) {
	var b Base
	ok, reason := b.IsAvailable(context.Background(), nil)
	assert.True(t, ok)
	assert.Empty(t, reason)

	run, inputs, err := b.ShouldAutoRun(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, run)
	assert.Nil(t, inputs)
}
