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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/trellis/pkg/httpclient"
)

// WeaviateConfig scopes a remote client to a (url, apiKey, headers)
// tuple.
type WeaviateConfig struct {
	URL     string
	APIKey  string
	Headers map[string]string
}

// WeaviateClient talks to a weaviate-compatible store over its REST and
// GraphQL endpoints.
type WeaviateClient struct {
	config WeaviateConfig
	base   string
	client *httpclient.Client
}

// NewWeaviateClient creates and authenticates a remote client.
func NewWeaviateClient(ctx context.Context, cfg WeaviateConfig) (*WeaviateClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store URL is required")
	}
	base := strings.TrimSuffix(cfg.URL, "/")
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}

	c := &WeaviateClient{
		config: cfg,
		base:   base,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
	}

	// Verify reachability and credentials up front so auth failures
	// surface as AuthError instead of failing mid-query.
	status, _, err := c.do(ctx, http.MethodGet, "/v1/.well-known/ready", nil)
	if err != nil {
		return nil, fmt.Errorf("store unreachable at %s: %w", base, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &AuthError{URL: base, Err: fmt.Errorf("HTTP %d", status)}
	}
	return c, nil
}

func (c *WeaviateClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if data != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, out, nil
}

// graphql posts a GraphQL query and surfaces GraphQL-level errors.
func (c *WeaviateClient) graphql(ctx context.Context, collection, query string) (map[string]any, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/v1/graphql", map[string]any{"query": query})
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &AuthError{URL: c.base, Err: fmt.Errorf("HTTP %d", status)}
	}
	if status != http.StatusOK {
		return nil, &QueryError{Collection: collection, Reason: fmt.Sprintf("HTTP %d: %s", status, body)}
	}

	var decoded struct {
		Data   map[string]any `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, &QueryError{Collection: collection, Reason: decoded.Errors[0].Message}
	}
	return decoded.Data, nil
}

// Query retrieves objects using the requested mode. Semantic and hybrid
// queries rely on server-side vectorisation (nearText); keyword uses
// bm25.
func (c *WeaviateClient) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	var search string
	switch req.Type {
	case QuerySemantic:
		search = fmt.Sprintf(`nearText: {concepts: [%q]}`, req.Query)
	case QueryKeyword:
		search = fmt.Sprintf(`bm25: {query: %q}`, req.Query)
	case QueryHybrid, "":
		search = fmt.Sprintf(`hybrid: {query: %q}`, req.Query)
	case QueryFilter:
		search = ""
	default:
		return nil, &QueryError{Collection: req.Collection, Reason: fmt.Sprintf("unknown query type %q", req.Type)}
	}
	if req.TargetVector != "" && search != "" {
		search = strings.TrimSuffix(search, "}") + fmt.Sprintf(`, targetVectors: [%q]}`, req.TargetVector)
	}

	clauses := []string{fmt.Sprintf("limit: %d", limit)}
	if search != "" {
		clauses = append(clauses, search)
	}
	if where := weaviateWhere(req.Filters); where != "" {
		clauses = append(clauses, where)
	}

	fields, err := c.collectionFields(ctx, req.Collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`{
  Get {
    %s(%s) {
      %s
      _additional { id score distance }
    }
  }
}`, req.Collection, strings.Join(clauses, ", "), strings.Join(fields, "\n      "))

	data, err := c.graphql(ctx, req.Collection, query)
	if err != nil {
		return nil, err
	}
	return decodeGetResults(data, req.Collection), nil
}

// collectionFields lists the scalar properties of a class so Get
// queries can enumerate them.
func (c *WeaviateClient) collectionFields(ctx context.Context, collection string) ([]string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/schema/"+collection, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &QueryError{Collection: collection, Reason: "collection does not exist"}
	}
	if status != http.StatusOK {
		return nil, &QueryError{Collection: collection, Reason: fmt.Sprintf("schema fetch failed: HTTP %d", status)}
	}

	var schema struct {
		Properties []struct {
			Name     string   `json:"name"`
			DataType []string `json:"dataType"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}

	fields := make([]string, 0, len(schema.Properties))
	for _, p := range schema.Properties {
		// Reference properties need sub-selection; skip them in the
		// generic retrieval path.
		if len(p.DataType) == 1 && strings.ToLower(p.DataType[0]) == p.DataType[0] {
			fields = append(fields, p.Name)
		}
	}
	if len(fields) == 0 {
		return nil, &QueryError{Collection: collection, Reason: "collection has no scalar properties"}
	}
	return fields, nil
}

func decodeGetResults(data map[string]any, collection string) *QueryResponse {
	out := &QueryResponse{}
	get, _ := data["Get"].(map[string]any)
	rows, _ := get[collection].([]any)
	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		score := 0.0
		if add, ok := obj["_additional"].(map[string]any); ok {
			if s, ok := add["score"].(string); ok {
				fmt.Sscanf(s, "%f", &score)
			}
			if id, ok := add["id"].(string); ok {
				obj["uuid"] = id
			}
			delete(obj, "_additional")
		}
		out.Objects = append(out.Objects, obj)
		out.Scores = append(out.Scores, score)
	}
	return out
}

// weaviateWhere renders exact-match filters as a GraphQL where clause.
func weaviateWhere(filters map[string]any) string {
	if len(filters) == 0 {
		return ""
	}
	operands := make([]string, 0, len(filters))
	for prop, value := range filters {
		switch v := value.(type) {
		case string:
			operands = append(operands,
				fmt.Sprintf(`{path: [%q], operator: Equal, valueText: %q}`, prop, v))
		case bool:
			operands = append(operands,
				fmt.Sprintf(`{path: [%q], operator: Equal, valueBoolean: %t}`, prop, v))
		case int, int64:
			operands = append(operands,
				fmt.Sprintf(`{path: [%q], operator: Equal, valueInt: %d}`, prop, v))
		case float64:
			operands = append(operands,
				fmt.Sprintf(`{path: [%q], operator: Equal, valueNumber: %g}`, prop, v))
		}
	}
	if len(operands) == 0 {
		return ""
	}
	if len(operands) == 1 {
		return "where: " + operands[0]
	}
	return fmt.Sprintf("where: {operator: And, operands: [%s]}", strings.Join(operands, ", "))
}

// Aggregate computes grouped statistics via the GraphQL Aggregate API.
func (c *WeaviateClient) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResponse, error) {
	var inner string
	switch {
	case req.Property == "" || req.Metric == "count" && req.Property == "":
		inner = "meta { count }"
	case req.Metric == "top_occurrences":
		inner = fmt.Sprintf("%s { topOccurrences { value occurs } } meta { count }", req.Property)
	default:
		inner = fmt.Sprintf("%s { %s } meta { count }", req.Property, req.Metric)
	}

	groupedBy := ""
	groupClause := ""
	if req.GroupBy != "" {
		groupClause = fmt.Sprintf(`(groupBy: [%q])`, req.GroupBy)
		groupedBy = "groupedBy { value }"
	}

	query := fmt.Sprintf(`{
  Aggregate {
    %s%s {
      %s
      %s
    }
  }
}`, req.Collection, groupClause, groupedBy, inner)

	data, err := c.graphql(ctx, req.Collection, query)
	if err != nil {
		return nil, err
	}

	agg, _ := data["Aggregate"].(map[string]any)
	rows, _ := agg[req.Collection].([]any)
	out := &AggregateResponse{}
	for _, row := range rows {
		group, ok := row.(map[string]any)
		if !ok {
			continue
		}
		g := AggregateGroup{Fields: map[string]any{}}
		if gb, ok := group["groupedBy"].(map[string]any); ok {
			g.Value = gb["value"]
		}
		if meta, ok := group["meta"].(map[string]any); ok {
			if count, ok := meta["count"].(float64); ok {
				g.Count = int(count)
			}
		}
		if req.Property != "" {
			if fields, ok := group[req.Property].(map[string]any); ok {
				g.Fields = fields
			}
		}
		out.Groups = append(out.Groups, g)
	}
	return out, nil
}

// Insert writes objects via the batch endpoint, creating the class with
// auto-schema when absent.
func (c *WeaviateClient) Insert(ctx context.Context, collection string, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}
	batch := make([]map[string]any, 0, len(objects))
	for _, obj := range objects {
		properties := make(map[string]any, len(obj))
		for k, v := range obj {
			properties[k] = v
		}
		entry := map[string]any{
			"class":      collection,
			"properties": properties,
		}
		if id, ok := properties["uuid"].(string); ok {
			entry["id"] = id
			delete(properties, "uuid")
		}
		batch = append(batch, entry)
	}

	status, body, err := c.do(ctx, http.MethodPost, "/v1/batch/objects", map[string]any{"objects": batch})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("batch insert into %q failed: HTTP %d: %s", collection, status, body)
	}
	return nil
}

// AddReference links fromID to toID over a reference property.
func (c *WeaviateClient) AddReference(ctx context.Context, collection, fromID, property, toID string) error {
	path := fmt.Sprintf("/v1/objects/%s/%s/references/%s", collection, fromID, property)
	payload := map[string]any{
		"beacon": fmt.Sprintf("weaviate://localhost/%s", toID),
	}
	status, body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("reference add on %q failed: HTTP %d: %s", collection, status, body)
	}
	return nil
}

// CollectionExists checks the schema endpoint.
func (c *WeaviateClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodGet, "/v1/schema/"+name, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, &AuthError{URL: c.base, Err: fmt.Errorf("HTTP %d", status)}
	default:
		return false, fmt.Errorf("schema check for %q failed: HTTP %d", name, status)
	}
}

// FetchMetadata reads preprocessed metadata from the metadata
// collection. A collection that exists but has no metadata entry
// returns ErrNotPreprocessed.
func (c *WeaviateClient) FetchMetadata(ctx context.Context, name string) (*Metadata, error) {
	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &QueryError{Collection: name, Reason: "collection does not exist"}
	}

	query := fmt.Sprintf(`{
  Get {
    %s(where: {path: ["name"], operator: Equal, valueText: %q}, limit: 1) {
      name
      payload
    }
  }
}`, MetadataCollection, name)

	data, err := c.graphql(ctx, MetadataCollection, query)
	if err != nil {
		// No metadata collection at all means nothing was preprocessed.
		var qe *QueryError
		if errors.As(err, &qe) {
			return nil, ErrNotPreprocessed
		}
		return nil, err
	}

	results := decodeGetResults(data, MetadataCollection)
	if len(results.Objects) == 0 {
		return nil, ErrNotPreprocessed
	}
	payload, _ := results.Objects[0]["payload"].(string)
	var metadata Metadata
	if err := json.Unmarshal([]byte(payload), &metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %q: %w", name, err)
	}
	return &metadata, nil
}

// Close releases the client. The HTTP client has no persistent
// resources beyond keep-alive connections.
func (c *WeaviateClient) Close() error {
	return nil
}

var _ Client = (*WeaviateClient)(nil)
