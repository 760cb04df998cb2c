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
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the qdrant gRPC backend.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantClient implements Client against a Qdrant deployment.
//
// Limitations: semantic queries need a client-side embedding in
// QueryRequest.Vector, keyword and hybrid retrieval are not supported
// (no inverted index), and references are stored as payload lists.
type QdrantClient struct {
	client *qdrant.Client
	config QdrantConfig
}

// NewQdrantClient creates a qdrant-backed store client.
func NewQdrantClient(cfg QdrantConfig) (*QdrantClient, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &QdrantClient{client: client, config: cfg}, nil
}

// Query retrieves points. Only semantic (with a supplied vector) and
// filter-only retrieval are supported.
func (c *QdrantClient) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	switch req.Type {
	case QueryKeyword, QueryHybrid:
		return nil, &QueryError{
			Collection: req.Collection,
			Reason:     fmt.Sprintf("%s retrieval is not supported by the qdrant backend", req.Type),
		}
	case QuerySemantic, "":
		if len(req.Vector) == 0 {
			return nil, &QueryError{
				Collection: req.Collection,
				Reason:     "semantic retrieval needs a client-side embedding vector",
			}
		}
		searchReq := &qdrant.SearchPoints{
			CollectionName: req.Collection,
			Vector:         req.Vector,
			Limit:          uint64(limit),
			WithPayload:    qdrant.NewWithPayload(true),
		}
		if len(req.Filters) > 0 {
			searchReq.Filter = qdrantFilter(req.Filters)
		}
		result, err := c.client.GetPointsClient().Search(ctx, searchReq)
		if err != nil {
			return nil, wrapQdrantError(req.Collection, err)
		}
		out := &QueryResponse{}
		for _, point := range result.Result {
			out.Objects = append(out.Objects, qdrantPayload(point.Id, point.Payload))
			out.Scores = append(out.Scores, float64(point.Score))
		}
		return out, nil
	case QueryFilter:
		scrollReq := &qdrant.ScrollPoints{
			CollectionName: req.Collection,
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		}
		if len(req.Filters) > 0 {
			scrollReq.Filter = qdrantFilter(req.Filters)
		}
		points, err := c.client.Scroll(ctx, scrollReq)
		if err != nil {
			return nil, wrapQdrantError(req.Collection, err)
		}
		out := &QueryResponse{}
		for _, point := range points {
			out.Objects = append(out.Objects, qdrantPayload(point.Id, point.Payload))
			out.Scores = append(out.Scores, 0)
		}
		return out, nil
	default:
		return nil, &QueryError{Collection: req.Collection, Reason: fmt.Sprintf("unknown query type %q", req.Type)}
	}
}

// Aggregate supports count (optionally filtered) and top_occurrences
// via the facet API.
func (c *QdrantClient) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResponse, error) {
	switch req.Metric {
	case "", "count":
		count, err := c.client.Count(ctx, &qdrant.CountPoints{CollectionName: req.Collection})
		if err != nil {
			return nil, wrapQdrantError(req.Collection, err)
		}
		return &AggregateResponse{Groups: []AggregateGroup{{Count: int(count)}}}, nil
	case "top_occurrences":
		key := req.Property
		if key == "" {
			key = req.GroupBy
		}
		if key == "" {
			return nil, &QueryError{Collection: req.Collection, Reason: "top_occurrences needs a property"}
		}
		facets, err := c.client.Facet(ctx, &qdrant.FacetCounts{
			CollectionName: req.Collection,
			Key:            key,
		})
		if err != nil {
			return nil, wrapQdrantError(req.Collection, err)
		}
		out := &AggregateResponse{}
		for _, hit := range facets {
			out.Groups = append(out.Groups, AggregateGroup{
				Value: hit.GetValue().GetStringValue(),
				Count: int(hit.GetCount()),
			})
		}
		return out, nil
	default:
		return nil, &QueryError{
			Collection: req.Collection,
			Reason:     fmt.Sprintf("metric %q is not supported by the qdrant backend", req.Metric),
		}
	}
}

// Insert upserts objects as payload-only points (zero vector) so the
// reserved trellis collections can live in qdrant too.
func (c *QdrantClient) Insert(ctx context.Context, collection string, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}

	exists, err := c.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		err = c.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     1,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	points := make([]*qdrant.PointStruct, 0, len(objects))
	for _, obj := range objects {
		id, _ := obj["uuid"].(string)
		if id == "" {
			id = uuid.New().String()
		}
		payload := make(map[string]*qdrant.Value, len(obj))
		for key, value := range obj {
			if key == "uuid" {
				continue
			}
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert value for key %s: %w", key, err)
			}
			payload[key] = val
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(0),
			Payload: payload,
		})
	}

	if _, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// AddReference appends toID to a payload list property on the source
// point. Qdrant has no first-class references.
func (c *QdrantClient) AddReference(ctx context.Context, collection, fromID, property, toID string) error {
	val, err := qdrant.NewValue([]any{toID})
	if err != nil {
		return err
	}
	_, err = c.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        map[string]*qdrant.Value{property: val},
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(fromID)),
	})
	if err != nil {
		return fmt.Errorf("failed to add reference on %s: %w", collection, err)
	}
	return nil
}

// CollectionExists checks for the collection.
func (c *QdrantClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := c.client.CollectionExists(ctx, name)
	if err != nil {
		return false, wrapQdrantError(name, err)
	}
	return exists, nil
}

// FetchMetadata reads preprocessed metadata from the metadata
// collection.
func (c *QdrantClient) FetchMetadata(ctx context.Context, name string) (*Metadata, error) {
	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &QueryError{Collection: name, Reason: "collection does not exist"}
	}

	metaExists, err := c.client.CollectionExists(ctx, MetadataCollection)
	if err != nil {
		return nil, wrapQdrantError(MetadataCollection, err)
	}
	if !metaExists {
		return nil, ErrNotPreprocessed
	}

	points, err := c.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: MetadataCollection,
		Filter:         qdrantFilter(map[string]any{"name": name}),
		Limit:          qdrant.PtrOf(uint32(1)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, wrapQdrantError(MetadataCollection, err)
	}
	if len(points) == 0 {
		return nil, ErrNotPreprocessed
	}

	obj := qdrantPayload(points[0].Id, points[0].Payload)
	payload, _ := obj["payload"].(string)
	var metadata Metadata
	if err := json.Unmarshal([]byte(payload), &metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %q: %w", name, err)
	}
	return &metadata, nil
}

// Close closes the gRPC connection.
func (c *QdrantClient) Close() error {
	return c.client.Close()
}

func qdrantFilter(filters map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filters))
	for key, value := range filters {
		switch v := value.(type) {
		case string:
			conditions = append(conditions, qdrant.NewMatch(key, v))
		case bool:
			conditions = append(conditions, qdrant.NewMatchBool(key, v))
		case int:
			conditions = append(conditions, qdrant.NewMatchInt(key, int64(v)))
		case int64:
			conditions = append(conditions, qdrant.NewMatchInt(key, v))
		case float64:
			conditions = append(conditions, qdrant.NewMatchInt(key, int64(v)))
		}
	}
	return &qdrant.Filter{Must: conditions}
}

// qdrantPayload converts a point's payload to a plain object, carrying
// the point id under "uuid".
func qdrantPayload(id *qdrant.PointId, payload map[string]*qdrant.Value) Object {
	obj := Object{}
	if id != nil {
		switch idType := id.PointIdOptions.(type) {
		case *qdrant.PointId_Uuid:
			obj["uuid"] = idType.Uuid
		case *qdrant.PointId_Num:
			obj["uuid"] = fmt.Sprintf("%d", idType.Num)
		}
	}
	for key, value := range payload {
		obj[key] = qdrantValue(value)
	}
	return obj
}

func qdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	case *qdrant.Value_StructValue:
		if v.StructValue == nil {
			return nil
		}
		m := make(map[string]any, len(v.StructValue.Fields))
		for k, item := range v.StructValue.Fields {
			m[k] = qdrantValue(item)
		}
		return m
	default:
		return nil
	}
}

// wrapQdrantError classifies gRPC failures into the store taxonomy.
func wrapQdrantError(collection string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Unauthenticated") || strings.Contains(msg, "PermissionDenied") {
		return &AuthError{URL: "qdrant", Err: err}
	}
	return &QueryError{Collection: collection, Reason: msg}
}

var _ Client = (*QdrantClient)(nil)
