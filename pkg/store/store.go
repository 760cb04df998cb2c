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

// Package store provides the retrieval-store capability the tree core
// queries, aggregates over, and persists into.
//
// Three backends implement the Client interface: a remote HTTP backend
// (weaviate-compatible, the default), a qdrant gRPC backend, and an
// embedded in-process backend for tests and zero-config runs. A Pool
// shares one foreground and one background client across concurrent
// trees with ref-counted leases and idle restarts.
package store

import (
	"context"
	"fmt"
)

// Object is one stored record.
type Object = map[string]any

// QueryType selects the retrieval mode.
type QueryType string

const (
	QuerySemantic QueryType = "semantic"
	QueryKeyword  QueryType = "keyword"
	QueryHybrid   QueryType = "hybrid"
	QueryFilter   QueryType = "filter_only"
)

// QueryRequest describes one retrieval.
type QueryRequest struct {
	Collection string
	Query      string
	Type       QueryType
	Limit      int
	// Filters are property -> exact-match value constraints.
	Filters map[string]any
	// Vector carries a client-side embedding for backends without
	// server-side vectorisation.
	Vector []float32
	// TargetVector selects a named vector, when the collection has them.
	TargetVector string
}

// QueryResponse is the ordered retrieval result.
type QueryResponse struct {
	Objects []Object
	Scores  []float64
}

// AggregateRequest describes one aggregation.
type AggregateRequest struct {
	Collection string
	// Property to aggregate over; empty means a plain count.
	Property string
	// Metric: "count", "sum", "mean", "min", "max", "top_occurrences".
	Metric string
	// GroupBy optionally groups results by a property.
	GroupBy string
}

// AggregateResponse carries aggregation groups in group order.
type AggregateResponse struct {
	Groups []AggregateGroup
}

// AggregateGroup is one aggregation bucket.
type AggregateGroup struct {
	Value  any            `json:"value,omitempty"`
	Count  int            `json:"count"`
	Fields map[string]any `json:"fields,omitempty"`
}

// FieldMeta describes one collection property.
type FieldMeta struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// Indexed reports whether the property carries an inverted index.
	Indexed bool `json:"indexed"`
}

// Metadata is the cached description of one collection, produced by the
// offline preprocessing job and read back at decision time.
type Metadata struct {
	Name    string               `json:"name"`
	Fields  map[string]FieldMeta `json:"fields"`
	Summary string               `json:"summary"`
	// Mappings catalogs display mappings: frontend type -> field renames.
	Mappings     map[string]map[string]string `json:"mappings,omitempty"`
	NamedVectors []string                     `json:"named_vectors,omitempty"`
	Vectorizer   string                       `json:"vectorizer,omitempty"`
	// IndexProperties flags which retrieval modes the collection supports.
	IndexProperties IndexProperties `json:"index_properties"`
	Length          int             `json:"length"`
}

// IndexProperties flags the retrieval modes a collection supports.
type IndexProperties struct {
	Semantic bool `json:"semantic"`
	Keyword  bool `json:"keyword"`
	Filter   bool `json:"filter"`
}

// Client is the store capability used by tools and the tree.
type Client interface {
	// Query retrieves objects from a collection.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// Aggregate computes grouped statistics over a collection.
	Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResponse, error)

	// Insert writes objects into a collection, creating it when absent.
	Insert(ctx context.Context, collection string, objects []Object) error

	// AddReference links two stored objects by property.
	AddReference(ctx context.Context, collection, fromID, property, toID string) error

	// CollectionExists reports whether a collection is present.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// FetchMetadata returns preprocessed metadata for a collection, or
	// ErrNotPreprocessed when the collection exists but was never
	// preprocessed.
	FetchMetadata(ctx context.Context, name string) (*Metadata, error)

	// Close releases the connection.
	Close() error
}

// AuthError reports failed authentication against the store.
type AuthError struct {
	URL string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("store authentication failed for %s: %v", e.URL, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// QueryError reports store-query misuse, e.g. a semantic search on a
// non-vectorised collection. Recoverable from the tree's perspective.
type QueryError struct {
	Collection string
	Reason     string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query against %q failed: %s", e.Collection, e.Reason)
}

// ErrNotPreprocessed marks a collection with no stored metadata.
var ErrNotPreprocessed = fmt.Errorf("collection has not been preprocessed")

// Reserved collections owned by trellis itself.
const (
	// TreesCollection persists serialised trees:
	// {user_id, conversation_id, tree, title}.
	TreesCollection = "TRELLIS_TREES"

	// FeedbackCollection holds rated decision examples for few-shot
	// retrieval.
	FeedbackCollection = "TRELLIS_FEEDBACK"

	// MetadataCollection holds preprocessed per-collection metadata.
	MetadataCollection = "TRELLIS_METADATA"
)
