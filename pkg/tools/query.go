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

package tools

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/store"
	"github.com/kadirpekel/trellis/pkg/tool"
)

// summarizeThreshold is the result size above which query output is
// parked in the hidden environment for the summarizer to condense.
const summarizeThreshold = 30

// Query retrieves objects from a connected collection. Unavailable
// until collections are connected and a store client exists.
type Query struct {
	tool.Base
}

func NewQuery() *Query { return &Query{} }

func (q *Query) Describe() tool.Metadata {
	return tool.Metadata{
		Name:        "query",
		Description: "Search a connected collection. Supports semantic, keyword, hybrid and filter-only retrieval; results land in the environment with ref-IDs for citation.",
		Status:      "Querying...",
		Inputs: map[string]tool.Input{
			"collection_name": {
				Type:        "string",
				Description: "Name of the collection to search.",
				Required:    true,
			},
			"query": {
				Type:        "string",
				Description: "The search text. May be empty for filter-only retrieval.",
				Required:    true,
			},
			"query_type": {
				Type:        "string",
				Description: "One of: semantic, keyword, hybrid, filter_only. Pick what the collection's indexes support.",
				Default:     "hybrid",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of objects to return.",
				Default:     10,
			},
		},
	}
}

func (q *Query) IsAvailable(ctx context.Context, inv *tool.Invocation) (bool, string) {
	if inv.Client == nil {
		return false, "no store is connected"
	}
	if len(inv.Data.Collections.Active) == 0 {
		return false, "no collections are connected"
	}
	return true, ""
}

func (q *Query) Invoke(ctx context.Context, inv *tool.Invocation, inputs map[string]any) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		collection := strings.ToLower(asString(inputs["collection_name"]))
		queryType := store.QueryType(asString(inputs["query_type"]))
		if queryType == "" {
			queryType = store.QueryHybrid
		}

		metadata := inv.Data.Collections.Metadata[collection]
		if metadata == nil {
			yield(nil, &event.Error{
				Feedback: fmt.Sprintf("collection %q is not connected; choose one of: %s",
					collection, strings.Join(inv.Data.Collections.Active, ", ")),
				Message: "unknown collection",
			})
			return
		}
		if reason := unsupportedMode(metadata, queryType); reason != "" {
			yield(nil, &event.Error{Feedback: reason, Message: "unsupported query type"})
			return
		}

		resp, err := inv.Client.Query(ctx, store.QueryRequest{
			Collection: collection,
			Query:      asString(inputs["query"]),
			Type:       queryType,
			Limit:      asInt(inputs["limit"], 10),
		})
		if err != nil {
			var qe *store.QueryError
			if errors.As(err, &qe) {
				yield(nil, &event.Error{Feedback: qe.Reason, Message: qe.Error()})
				return
			}
			yield(nil, err)
			return
		}

		retrieval := event.NewRetrieval(collection, resp.Objects, map[string]any{
			"collection_name": collection,
			"query":           asString(inputs["query"]),
			"query_type":      string(queryType),
		})
		if mapping, ok := displayMapping(metadata); ok {
			retrieval.Mapping = mapping
		}

		if len(resp.Objects) > summarizeThreshold {
			inv.Data.Environment.SetHidden(hiddenSummarizeKey, resp.Objects)
		}
		yield(retrieval, nil)
	}
}

func unsupportedMode(m *store.Metadata, t store.QueryType) string {
	switch t {
	case store.QuerySemantic:
		if !m.IndexProperties.Semantic {
			return fmt.Sprintf("collection %q has no vector index; use keyword or filter_only", m.Name)
		}
	case store.QueryKeyword:
		if !m.IndexProperties.Keyword {
			return fmt.Sprintf("collection %q has no keyword index; use semantic or filter_only", m.Name)
		}
	case store.QueryHybrid:
		if !m.IndexProperties.Semantic || !m.IndexProperties.Keyword {
			return fmt.Sprintf("collection %q cannot serve hybrid search; use what its indexes support", m.Name)
		}
	case store.QueryFilter:
		// Always valid.
	default:
		return fmt.Sprintf("unknown query type %q; use semantic, keyword, hybrid or filter_only", t)
	}
	return ""
}

// displayMapping picks the first configured frontend mapping.
func displayMapping(m *store.Metadata) (map[string]string, bool) {
	for _, mapping := range m.Mappings {
		return mapping, true
	}
	return nil, false
}

// Aggregate computes statistics over a connected collection.
type Aggregate struct {
	tool.Base
}

func NewAggregate() *Aggregate { return &Aggregate{} }

func (a *Aggregate) Describe() tool.Metadata {
	return tool.Metadata{
		Name:        "aggregate",
		Description: "Compute statistics over a connected collection: counts, sums, means, extrema or most frequent values, optionally grouped by a property.",
		Status:      "Aggregating...",
		Inputs: map[string]tool.Input{
			"collection_name": {
				Type:        "string",
				Description: "Name of the collection to aggregate over.",
				Required:    true,
			},
			"property": {
				Type:        "string",
				Description: "Property to aggregate. Leave empty for a plain object count.",
			},
			"metric": {
				Type:        "string",
				Description: "One of: count, sum, mean, min, max, top_occurrences.",
				Default:     "count",
			},
			"group_by": {
				Type:        "string",
				Description: "Optional property to group results by.",
			},
		},
	}
}

func (a *Aggregate) IsAvailable(ctx context.Context, inv *tool.Invocation) (bool, string) {
	if inv.Client == nil {
		return false, "no store is connected"
	}
	if len(inv.Data.Collections.Active) == 0 {
		return false, "no collections are connected"
	}
	return true, ""
}

func (a *Aggregate) Invoke(ctx context.Context, inv *tool.Invocation, inputs map[string]any) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		collection := strings.ToLower(asString(inputs["collection_name"]))
		if _, ok := inv.Data.Collections.Metadata[collection]; !ok {
			yield(nil, &event.Error{
				Feedback: fmt.Sprintf("collection %q is not connected; choose one of: %s",
					collection, strings.Join(inv.Data.Collections.Active, ", ")),
				Message: "unknown collection",
			})
			return
		}

		resp, err := inv.Client.Aggregate(ctx, store.AggregateRequest{
			Collection: collection,
			Property:   asString(inputs["property"]),
			Metric:     asString(inputs["metric"]),
			GroupBy:    asString(inputs["group_by"]),
		})
		if err != nil {
			var qe *store.QueryError
			if errors.As(err, &qe) {
				yield(nil, &event.Error{Feedback: qe.Reason, Message: qe.Error()})
				return
			}
			yield(nil, err)
			return
		}

		objects := make([]map[string]any, 0, len(resp.Groups))
		for _, g := range resp.Groups {
			obj := map[string]any{"count": g.Count}
			if g.Value != nil {
				obj["value"] = g.Value
			}
			for k, v := range g.Fields {
				obj[k] = v
			}
			objects = append(objects, obj)
		}
		yield(event.NewResult("aggregate", "aggregation", objects, map[string]any{
			"collection_name": collection,
			"metric":          asString(inputs["metric"]),
			"property":        asString(inputs["property"]),
		}), nil)
	}
}
