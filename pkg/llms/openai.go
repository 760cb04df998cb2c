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

package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kadirpekel/trellis/pkg/httpclient"
)

// openAIDefaultBases maps OpenAI-compatible providers to their default
// chat-completions endpoints.
var openAIDefaultBases = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"together":   "https://api.together.xyz/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"mistral":    "https://api.mistral.ai/v1",
}

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// OpenAIProvider completes against any OpenAI-compatible
// chat-completions API with JSON-schema structured output.
type OpenAIProvider struct {
	history
	config OpenAIConfig
	base   string
	client *httpclient.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat map[string]any  `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = openAIDefaultBases[cfg.Provider]
	}
	if base == "" {
		return nil, fmt.Errorf("no base URL known for provider %q", cfg.Provider)
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
		httpclient.WithHeaderParser(parseOpenAIRateLimitHeaders),
	)

	return &OpenAIProvider{
		config: cfg,
		base:   base,
		client: client,
	}, nil
}

func (p *OpenAIProvider) Model() string { return p.config.Model }

// Complete runs one structured chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body := openAIRequest{
		Model:       p.config.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.Schema != nil {
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.Schema.Name,
				"strict": true,
				"schema": req.Schema.JSONSchema(),
			},
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.base+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("completion error (%s): %s", decoded.Error.Type, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	raw := decoded.Choices[0].Message.Content
	fields, err := decodeFields(raw, req.Schema)
	if err != nil {
		return nil, err
	}

	usage := Usage{
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
	}
	usage.Cost = EstimateCost(p.config.Model, usage)

	p.record(CallRecord{
		Model:     p.config.Model,
		Usage:     usage,
		Duration:  time.Since(start),
		Timestamp: start,
	})

	return &Response{Fields: fields, Raw: raw, Usage: usage}, nil
}

// decodeFields parses the model's JSON output and verifies every
// declared field is present.
func decodeFields(raw string, schema *Schema) (map[string]any, error) {
	if schema == nil {
		return map[string]any{"text": raw}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("model output is not valid JSON: %w", err)
	}
	for _, name := range schema.FieldNames() {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("model output missing declared field %q", name)
		}
	}
	return fields, nil
}

func parseOpenAIRateLimitHeaders(h http.Header) httpclient.RateLimitInfo {
	info := httpclient.RateLimitInfo{}
	if v := h.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return info
}
