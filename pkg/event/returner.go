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
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Envelope is the transport object streamed to the frontend.
type Envelope struct {
	Type           string         `json:"type"`
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	QueryID        string         `json:"query_id"`
	Payload        map[string]any `json:"payload"`
}

// Sink receives serialised envelopes as they are emitted. Implementations
// must not block for long; the tree loop is suspended while a sink runs.
type Sink func(Envelope) error

// Returner serialises every emitted event into the frontend wire format
// and retains the transcript for later rebuilds.
type Returner struct {
	mu             sync.Mutex
	userID         string
	conversationID string
	treeIndex      int
	resetNext      bool
	store          []Envelope
	sinks          []Sink
}

// NewReturner creates a returner scoped to one conversation.
func NewReturner(userID, conversationID string) *Returner {
	return &Returner{
		userID:         userID,
		conversationID: conversationID,
	}
}

// AddSink registers a delivery target for future envelopes.
func (r *Returner) AddSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// SetTreeIndex records the index of the traversal currently streaming.
func (r *Returner) SetTreeIndex(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treeIndex = index
}

// ResetTreeView makes the next TreeUpdate carry reset=true so the
// frontend clears its tree visualisation before the next turn.
func (r *Returner) ResetTreeView() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetNext = true
}

// Emit serialises the event and delivers it to all sinks, retaining it
// in the transcript. Tree updates are stamped with the current tree
// index and the pending reset flag.
func (r *Returner) Emit(queryID string, ev Event) error {
	r.mu.Lock()

	if tu, ok := ev.(*TreeUpdate); ok {
		tu.TreeIndex = r.treeIndex
		if r.resetNext {
			tu.Reset = true
			r.resetNext = false
		}
	}

	envelope := Envelope{
		Type:           string(ev.Kind()),
		ID:             uuid.New().String(),
		UserID:         r.userID,
		ConversationID: r.conversationID,
		QueryID:        queryID,
		Payload:        ev.Payload(),
	}
	r.store = append(r.store, envelope)
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, sink := range sinks {
		if err := sink(envelope); err != nil {
			return err
		}
	}
	return nil
}

// Transcript returns a copy of every envelope emitted so far.
func (r *Returner) Transcript() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.store))
	copy(out, r.store)
	return out
}

// RestoreTranscript replaces the transcript, used when importing a
// persisted tree so the frontend can be rebuilt.
func (r *Returner) RestoreTranscript(envelopes []Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = make([]Envelope, len(envelopes))
	copy(r.store, envelopes)
}

// MarshalTranscript encodes the transcript as JSON.
func (r *Returner) MarshalTranscript() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r.store)
}
