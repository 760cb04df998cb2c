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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededLocal(t *testing.T) *LocalClient {
	t.Helper()
	c := NewLocalClient()
	require.NoError(t, c.Insert(context.Background(), "products", []Object{
		{"name": "red running shoes", "category": "shoes", "price": 80.0},
		{"name": "blue hiking boots", "category": "shoes", "price": 120.0},
		{"name": "green rain jacket", "category": "jackets", "price": 90.0},
	}))
	return c
}

func TestLocalQueryFilter(t *testing.T) {
	c := seededLocal(t)
	resp, err := c.Query(context.Background(), QueryRequest{
		Collection: "products",
		Type:       QueryFilter,
		Filters:    map[string]any{"category": "shoes"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Objects, 2)
	for _, obj := range resp.Objects {
		assert.Equal(t, "shoes", obj["category"])
	}
}

func TestLocalQueryKeyword(t *testing.T) {
	c := seededLocal(t)
	resp, err := c.Query(context.Background(), QueryRequest{
		Collection: "products",
		Type:       QueryKeyword,
		Query:      "hiking boots",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Objects)
	assert.Equal(t, "blue hiking boots", resp.Objects[0]["name"])
}

func TestLocalQuerySemantic(t *testing.T) {
	c := seededLocal(t)
	resp, err := c.Query(context.Background(), QueryRequest{
		Collection: "products",
		Type:       QuerySemantic,
		Query:      "green rain jacket",
		Limit:      1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Objects, 1)
	assert.Equal(t, "green rain jacket", resp.Objects[0]["name"])
}

func TestLocalQueryUnknownCollection(t *testing.T) {
	c := NewLocalClient()
	_, err := c.Query(context.Background(), QueryRequest{Collection: "ghost"})
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "ghost", qe.Collection)
}

func TestLocalAggregateGrouped(t *testing.T) {
	c := seededLocal(t)
	resp, err := c.Aggregate(context.Background(), AggregateRequest{
		Collection: "products",
		GroupBy:    "category",
		Property:   "price",
		Metric:     "mean",
	})
	require.NoError(t, err)
	require.Len(t, resp.Groups, 2)

	byValue := map[string]AggregateGroup{}
	for _, g := range resp.Groups {
		byValue[g.Value.(string)] = g
	}
	assert.Equal(t, 2, byValue["shoes"].Count)
	assert.Equal(t, 100.0, byValue["shoes"].Fields["mean"])
	assert.Equal(t, 90.0, byValue["jackets"].Fields["mean"])
}

func TestLocalAggregateNonNumericProperty(t *testing.T) {
	c := seededLocal(t)
	_, err := c.Aggregate(context.Background(), AggregateRequest{
		Collection: "products",
		Property:   "name",
		Metric:     "sum",
	})
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
}

func TestLocalFetchMetadataSynthesised(t *testing.T) {
	c := seededLocal(t)
	meta, err := c.FetchMetadata(context.Background(), "products")
	require.NoError(t, err)

	assert.Equal(t, "products", meta.Name)
	assert.Equal(t, 3, meta.Length)
	assert.Equal(t, "number", meta.Fields["price"].Type)
	assert.Equal(t, "text", meta.Fields["name"].Type)
	assert.True(t, meta.IndexProperties.Semantic)
}

func TestLocalFetchMetadataEmptyCollection(t *testing.T) {
	c := NewLocalClient()
	require.NoError(t, c.Insert(context.Background(), "empty", nil))

	// Insert of zero objects does not create the collection.
	_, err := c.FetchMetadata(context.Background(), "empty")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
}

func TestLocalCollectionExists(t *testing.T) {
	c := seededLocal(t)
	ok, err := c.CollectionExists(context.Background(), "products")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CollectionExists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalInsertAssignsUUIDs(t *testing.T) {
	c := NewLocalClient()
	require.NoError(t, c.Insert(context.Background(), "items", []Object{{"name": "one"}}))

	resp, err := c.Query(context.Background(), QueryRequest{Collection: "items", Type: QueryFilter})
	require.NoError(t, err)
	require.Len(t, resp.Objects, 1)
	assert.NotEmpty(t, resp.Objects[0]["uuid"])
}

func TestLocalAddReference(t *testing.T) {
	c := NewLocalClient()
	require.NoError(t, c.Insert(context.Background(), "items", []Object{{"uuid": "a", "name": "one"}}))
	require.NoError(t, c.AddReference(context.Background(), "items", "a", "related", "b"))

	resp, err := c.Query(context.Background(), QueryRequest{Collection: "items", Type: QueryFilter})
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, resp.Objects[0]["related"])
}
