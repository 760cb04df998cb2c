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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

// LocalClient is an embedded in-process backend built on chromem-go.
// Zero-config: no external services, vectors in memory. Intended for
// tests and local runs; semantic search uses a deterministic hashing
// embedder unless a real EmbeddingFunc is supplied.
type LocalClient struct {
	mu    sync.RWMutex
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	// objects keeps raw records in insertion order per collection;
	// chromem metadata is string-typed so the originals live here.
	objects map[string][]Object
}

// LocalOption configures a LocalClient.
type LocalOption func(*LocalClient)

// WithEmbeddingFunc replaces the default hashing embedder.
func WithEmbeddingFunc(fn chromem.EmbeddingFunc) LocalOption {
	return func(c *LocalClient) {
		c.embed = fn
	}
}

// NewLocalClient creates an embedded store client.
func NewLocalClient(opts ...LocalOption) *LocalClient {
	c := &LocalClient{
		db:      chromem.NewDB(),
		embed:   hashingEmbedding,
		objects: map[string][]Object{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// hashingEmbedding is a deterministic 128-dim bag-of-tokens embedding.
// Good enough for overlap-based similarity in tests and offline runs.
func hashingEmbedding(ctx context.Context, text string) ([]float32, error) {
	const dims = 128
	vec := make([]float32, dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(token, ".,!?;:\"'()")))
		vec[h.Sum32()%dims]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// objectText joins an object's string values for indexing and keyword
// matching.
func objectText(obj Object) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Query retrieves objects. All four modes are supported in-process.
func (c *LocalClient) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	c.mu.RLock()
	records, ok := c.objects[req.Collection]
	c.mu.RUnlock()
	if !ok {
		return nil, &QueryError{Collection: req.Collection, Reason: "collection does not exist"}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	matches := func(obj Object) bool {
		for prop, want := range req.Filters {
			if fmt.Sprint(obj[prop]) != fmt.Sprint(want) {
				return false
			}
		}
		return true
	}

	switch req.Type {
	case QueryFilter:
		out := &QueryResponse{}
		for _, obj := range records {
			if !matches(obj) {
				continue
			}
			out.Objects = append(out.Objects, obj)
			out.Scores = append(out.Scores, 0)
			if len(out.Objects) >= limit {
				break
			}
		}
		return out, nil

	case QueryKeyword:
		return c.keywordQuery(records, req.Query, limit, matches), nil

	case QuerySemantic, QueryHybrid, "":
		semantic, err := c.semanticQuery(ctx, req.Collection, records, req.Query, limit, matches)
		if err != nil {
			return nil, err
		}
		if req.Type == QuerySemantic || req.Type == "" {
			return semantic, nil
		}
		// Hybrid: merge semantic and keyword hits, semantic first.
		keyword := c.keywordQuery(records, req.Query, limit, matches)
		seen := map[string]bool{}
		out := &QueryResponse{}
		appendHit := func(obj Object, score float64) {
			key := fmt.Sprint(obj["uuid"])
			if key == "<nil>" {
				key = objectText(obj)
			}
			if seen[key] || len(out.Objects) >= limit {
				return
			}
			seen[key] = true
			out.Objects = append(out.Objects, obj)
			out.Scores = append(out.Scores, score)
		}
		for i, obj := range semantic.Objects {
			appendHit(obj, semantic.Scores[i])
		}
		for i, obj := range keyword.Objects {
			appendHit(obj, keyword.Scores[i])
		}
		return out, nil

	default:
		return nil, &QueryError{Collection: req.Collection, Reason: fmt.Sprintf("unknown query type %q", req.Type)}
	}
}

func (c *LocalClient) keywordQuery(records []Object, query string, limit int, matches func(Object) bool) *QueryResponse {
	type hit struct {
		obj   Object
		score float64
		index int
	}
	terms := strings.Fields(strings.ToLower(query))
	var hits []hit
	for i, obj := range records {
		if !matches(obj) {
			continue
		}
		text := strings.ToLower(objectText(obj))
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(text, term))
		}
		if score > 0 {
			hits = append(hits, hit{obj: obj, score: score, index: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := &QueryResponse{}
	for _, h := range hits {
		out.Objects = append(out.Objects, h.obj)
		out.Scores = append(out.Scores, h.score)
		if len(out.Objects) >= limit {
			break
		}
	}
	return out
}

func (c *LocalClient) semanticQuery(ctx context.Context, collection string, records []Object, query string, limit int, matches func(Object) bool) (*QueryResponse, error) {
	col := c.db.GetCollection(localIndexName(collection), c.embed)
	if col == nil || col.Count() == 0 {
		return &QueryResponse{}, nil
	}

	n := limit
	if count := col.Count(); n > count {
		n = count
	}
	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, &QueryError{Collection: collection, Reason: err.Error()}
	}

	out := &QueryResponse{}
	for _, res := range results {
		var index int
		if _, err := fmt.Sscanf(res.ID, "%d", &index); err != nil || index < 0 || index >= len(records) {
			continue
		}
		obj := records[index]
		if !matches(obj) {
			continue
		}
		out.Objects = append(out.Objects, obj)
		out.Scores = append(out.Scores, float64(res.Similarity))
	}
	return out, nil
}

// Aggregate computes statistics in-process.
func (c *LocalClient) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResponse, error) {
	c.mu.RLock()
	records, ok := c.objects[req.Collection]
	c.mu.RUnlock()
	if !ok {
		return nil, &QueryError{Collection: req.Collection, Reason: "collection does not exist"}
	}

	groups := map[string][]Object{}
	order := []string{}
	for _, obj := range records {
		key := ""
		if req.GroupBy != "" {
			key = fmt.Sprint(obj[req.GroupBy])
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], obj)
	}

	out := &AggregateResponse{}
	for _, key := range order {
		members := groups[key]
		g := AggregateGroup{Count: len(members), Fields: map[string]any{}}
		if req.GroupBy != "" {
			g.Value = key
		}
		if req.Property != "" {
			switch req.Metric {
			case "", "count":
				g.Fields["count"] = len(members)
			case "sum", "mean", "min", "max":
				stats, err := numericStats(members, req.Property)
				if err != nil {
					return nil, &QueryError{Collection: req.Collection, Reason: err.Error()}
				}
				g.Fields[req.Metric] = stats[req.Metric]
			case "top_occurrences":
				g.Fields["top_occurrences"] = topOccurrences(members, req.Property)
			default:
				return nil, &QueryError{Collection: req.Collection, Reason: fmt.Sprintf("unknown metric %q", req.Metric)}
			}
		}
		out.Groups = append(out.Groups, g)
	}
	return out, nil
}

func numericStats(members []Object, property string) (map[string]float64, error) {
	var values []float64
	for _, obj := range members {
		switch v := obj[property].(type) {
		case float64:
			values = append(values, v)
		case int:
			values = append(values, float64(v))
		case int64:
			values = append(values, float64(v))
		case nil:
		default:
			return nil, fmt.Errorf("property %q is not numeric", property)
		}
	}
	if len(values) == 0 {
		return map[string]float64{"sum": 0, "mean": 0, "min": 0, "max": 0}, nil
	}
	sum, min, max := 0.0, values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return map[string]float64{
		"sum":  sum,
		"mean": sum / float64(len(values)),
		"min":  min,
		"max":  max,
	}, nil
}

func topOccurrences(members []Object, property string) []map[string]any {
	counts := map[string]int{}
	order := []string{}
	for _, obj := range members {
		value := fmt.Sprint(obj[property])
		if _, seen := counts[value]; !seen {
			order = append(order, value)
		}
		counts[value]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	out := make([]map[string]any, 0, len(order))
	for _, value := range order {
		out = append(out, map[string]any{"value": value, "occurs": counts[value]})
	}
	return out
}

// Insert appends objects and indexes their text for semantic search.
func (c *LocalClient) Insert(ctx context.Context, collection string, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}

	c.mu.Lock()
	start := len(c.objects[collection])
	for _, obj := range objects {
		clone := make(Object, len(obj)+1)
		for k, v := range obj {
			clone[k] = v
		}
		if _, ok := clone["uuid"]; !ok {
			clone["uuid"] = uuid.New().String()
		}
		c.objects[collection] = append(c.objects[collection], clone)
	}
	records := c.objects[collection][start:]
	c.mu.Unlock()

	col, err := c.db.GetOrCreateCollection(localIndexName(collection), nil, c.embed)
	if err != nil {
		return fmt.Errorf("failed to open index for %q: %w", collection, err)
	}
	docs := make([]chromem.Document, 0, len(records))
	for i, obj := range records {
		text := objectText(obj)
		if text == "" {
			text = fmt.Sprint(obj)
		}
		docs = append(docs, chromem.Document{
			ID:      fmt.Sprintf("%d", start+i),
			Content: text,
		})
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to index objects for %q: %w", collection, err)
	}
	return nil
}

// AddReference appends toID under a list property on the source object.
func (c *LocalClient) AddReference(ctx context.Context, collection, fromID, property, toID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, obj := range c.objects[collection] {
		if fmt.Sprint(obj["uuid"]) != fromID {
			continue
		}
		existing, _ := obj[property].([]any)
		obj[property] = append(existing, toID)
		return nil
	}
	return &QueryError{Collection: collection, Reason: fmt.Sprintf("object %q not found", fromID)}
}

// CollectionExists reports whether any objects were inserted.
func (c *LocalClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[name]
	return ok, nil
}

// FetchMetadata reads preprocessed metadata from the metadata
// collection, falling back to metadata synthesised from the stored
// objects so local runs work without a preprocessing pass.
func (c *LocalClient) FetchMetadata(ctx context.Context, name string) (*Metadata, error) {
	c.mu.RLock()
	records, ok := c.objects[name]
	metaRecords := c.objects[MetadataCollection]
	c.mu.RUnlock()
	if !ok {
		return nil, &QueryError{Collection: name, Reason: "collection does not exist"}
	}

	for _, entry := range metaRecords {
		if fmt.Sprint(entry["name"]) != name {
			continue
		}
		payload, _ := entry["payload"].(string)
		var metadata Metadata
		if err := json.Unmarshal([]byte(payload), &metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %q: %w", name, err)
		}
		return &metadata, nil
	}

	if len(records) == 0 {
		return nil, ErrNotPreprocessed
	}

	fields := map[string]FieldMeta{}
	for _, obj := range records {
		for key, value := range obj {
			if _, seen := fields[key]; seen {
				continue
			}
			fieldType := "text"
			switch value.(type) {
			case float64, int, int64:
				fieldType = "number"
			case bool:
				fieldType = "boolean"
			}
			fields[key] = FieldMeta{Name: key, Type: fieldType, Indexed: true}
		}
	}
	return &Metadata{
		Name:    name,
		Fields:  fields,
		Summary: fmt.Sprintf("Local collection %q with %d objects.", name, len(records)),
		IndexProperties: IndexProperties{
			Semantic: true,
			Keyword:  true,
			Filter:   true,
		},
		Length: len(records),
	}, nil
}

// Close drops the in-memory state.
func (c *LocalClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects = map[string][]Object{}
	c.db = chromem.NewDB()
	return nil
}

// localIndexName maps a collection to a chromem-safe index name.
func localIndexName(collection string) string {
	return "idx-" + strings.ToLower(collection)
}

var _ Client = (*LocalClient)(nil)
