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

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitStampsEnvelope(t *testing.T) {
	r := NewReturner("user-1", "conv-1")
	var got []Envelope
	r.AddSink(func(env Envelope) error {
		got = append(got, env)
		return nil
	})

	require.NoError(t, r.Emit("query-1", &Status{Text: "working"}))

	require.Len(t, got, 1)
	assert.Equal(t, "status", got[0].Type)
	assert.Equal(t, "user-1", got[0].UserID)
	assert.Equal(t, "conv-1", got[0].ConversationID)
	assert.Equal(t, "query-1", got[0].QueryID)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "working", got[0].Payload["text"])
}

func TestTreeUpdateStamping(t *testing.T) {
	r := NewReturner("u", "c")
	r.SetTreeIndex(2)
	r.ResetTreeView()

	first := &TreeUpdate{From: "base", To: "query"}
	require.NoError(t, r.Emit("q", first))
	assert.Equal(t, 2, first.TreeIndex)
	assert.True(t, first.Reset, "first update after a reset carries the flag")

	second := &TreeUpdate{From: "base", To: "query"}
	require.NoError(t, r.Emit("q", second))
	assert.False(t, second.Reset, "the reset flag is consumed")
}

func TestTranscriptRetainedAndRestored(t *testing.T) {
	r := NewReturner("u", "c")
	require.NoError(t, r.Emit("q", &Status{Text: "one"}))
	require.NoError(t, r.Emit("q", &Completed{}))

	transcript := r.Transcript()
	require.Len(t, transcript, 2)

	other := NewReturner("u", "c")
	other.RestoreTranscript(transcript)
	assert.Equal(t, transcript, other.Transcript())
}

func TestErrorEventDualRole(t *testing.T) {
	e := &Error{Feedback: "narrow the query", Message: "too many results"}
	assert.True(t, e.Avoidable())
	assert.Equal(t, "too many results", e.Error())

	e = &Error{Feedback: "retry with a collection name"}
	assert.Equal(t, "retry with a collection name", e.Error())

	e = &Error{Message: "connection refused"}
	assert.False(t, e.Avoidable())
}

func TestResultDisplayable(t *testing.T) {
	r := NewResult("products", "retrieval", nil, nil)
	assert.False(t, r.Displayable(), "empty results never display")

	r = NewResult("products", "retrieval", []map[string]any{{"sku": "a"}}, nil)
	assert.True(t, r.Displayable())
}

func TestTextFullText(t *testing.T) {
	text := &Text{Objects: []TextObject{
		{Text: "Looks good to me!"},
		{Text: "Email sent.", RefIDs: []string{"query_products_0_0"}},
	}}
	assert.Equal(t, "Looks good to me! Email sent.", text.FullText())
}
