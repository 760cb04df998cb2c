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
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NewClientFactory builds the pool factory for a store URL.
//
//   - empty URL: embedded local client (zero-config)
//   - qdrant://host:port: qdrant gRPC backend
//   - anything else: remote weaviate-compatible HTTP backend
func NewClientFactory(storeURL, apiKey string, headers map[string]string) func(ctx context.Context) (Client, error) {
	switch {
	case storeURL == "":
		// One shared embedded client; recreating it would drop data.
		local := NewLocalClient()
		return func(ctx context.Context) (Client, error) {
			return local, nil
		}
	case strings.HasPrefix(storeURL, "qdrant://"):
		return func(ctx context.Context) (Client, error) {
			parsed, err := url.Parse(storeURL)
			if err != nil {
				return nil, fmt.Errorf("invalid store URL %q: %w", storeURL, err)
			}
			port := 6334
			if p := parsed.Port(); p != "" {
				if port, err = strconv.Atoi(p); err != nil {
					return nil, fmt.Errorf("invalid store port %q: %w", p, err)
				}
			}
			return NewQdrantClient(QdrantConfig{
				Host:   parsed.Hostname(),
				Port:   port,
				APIKey: apiKey,
				UseTLS: parsed.Query().Get("tls") == "true",
			})
		}
	default:
		return func(ctx context.Context) (Client, error) {
			return NewWeaviateClient(ctx, WeaviateConfig{
				URL:     storeURL,
				APIKey:  apiKey,
				Headers: headers,
			})
		}
	}
}

// NewPoolFor is a convenience wrapping NewClientFactory in a Pool.
func NewPoolFor(storeURL, apiKey string, headers map[string]string, timeout time.Duration) *Pool {
	return NewPool(NewClientFactory(storeURL, apiKey, headers), timeout)
}
