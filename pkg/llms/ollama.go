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
	"time"

	"github.com/kadirpekel/trellis/pkg/httpclient"
)

// OllamaConfig configures a local Ollama provider. BaseURL is required
// (model_api_base in settings), e.g. "http://localhost:11434".
type OllamaConfig struct {
	Model   string
	BaseURL string
}

// OllamaProvider completes against a local Ollama server using its
// structured-output format parameter.
type OllamaProvider struct {
	history
	config OllamaConfig
	client *httpclient.Client
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   map[string]any  `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("model_api_base is required for ollama")
	}
	return &OllamaProvider{
		config: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}, nil
}

func (p *OllamaProvider) Model() string { return p.config.Model }

// Complete runs one structured chat completion.
func (p *OllamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body := ollamaRequest{
		Model:    p.config.Model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.Schema != nil {
		body.Format = req.Schema.JSONSchema()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("completion error: %s", decoded.Error)
	}

	fields, err := decodeFields(decoded.Message.Content, req.Schema)
	if err != nil {
		return nil, err
	}

	// Local models carry no cost.
	usage := Usage{
		InputTokens:  decoded.PromptEvalCount,
		OutputTokens: decoded.EvalCount,
	}

	p.record(CallRecord{
		Model:     p.config.Model,
		Usage:     usage,
		Duration:  time.Since(start),
		Timestamp: start,
	})

	return &Response{Fields: fields, Raw: decoded.Message.Content, Usage: usage}, nil
}
