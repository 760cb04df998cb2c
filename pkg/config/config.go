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

// Package config holds the per-tree settings snapshot.
//
// Every tree owns its own Settings value; there is no process-wide
// mutable singleton. A default can be built once from the environment
// as a convenience, but it is copied into the tree at construction and
// never consulted afterwards.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ConfigurationError reports missing credentials or models. It is fatal
// and surfaces to the caller before any iteration runs.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration incomplete: %s", e.Missing)
}

// Settings is the snapshot of models, providers, keys, and feature
// flags a tree runs with.
type Settings struct {
	// BaseModel is the cheap/fast model used for routine decisions.
	BaseModel    string `yaml:"base_model" mapstructure:"base_model"`
	BaseProvider string `yaml:"base_provider" mapstructure:"base_provider"`

	// ComplexModel is the heavier model used where quality matters.
	ComplexModel    string `yaml:"complex_model" mapstructure:"complex_model"`
	ComplexProvider string `yaml:"complex_provider" mapstructure:"complex_provider"`

	// ModelAPIBase overrides the provider base URL. Required for local
	// providers such as ollama.
	ModelAPIBase string `yaml:"model_api_base" mapstructure:"model_api_base"`

	// Store credentials.
	WCDUrl    string `yaml:"wcd_url" mapstructure:"wcd_url"`
	WCDAPIKey string `yaml:"wcd_api_key" mapstructure:"wcd_api_key"`

	LoggingLevel string `yaml:"logging_level" mapstructure:"logging_level"`

	// UseFeedback enables few-shot retrieval from the feedback
	// collection at decision time.
	UseFeedback bool `yaml:"use_feedback" mapstructure:"use_feedback"`

	// Reasoning toggles: whether the structured decision output carries
	// an explicit leading reasoning field.
	BaseUseReasoning    bool `yaml:"base_use_reasoning" mapstructure:"base_use_reasoning"`
	ComplexUseReasoning bool `yaml:"complex_use_reasoning" mapstructure:"complex_use_reasoning"`

	// Idle minutes before resource teardown.
	ClientTimeout int `yaml:"client_timeout" mapstructure:"client_timeout"`
	TreeTimeout   int `yaml:"tree_timeout" mapstructure:"tree_timeout"`

	// APIKeys maps provider name to key, collected from any option
	// ending in "_apikey" (e.g. "openai_apikey").
	APIKeys map[string]string `yaml:"api_keys" mapstructure:"api_keys"`
}

// SetDefaults applies default values for unset fields.
func (s *Settings) SetDefaults() {
	if s.BaseProvider == "" {
		s.BaseProvider = "openai"
	}
	if s.ComplexProvider == "" {
		s.ComplexProvider = s.BaseProvider
	}
	if s.ComplexModel == "" {
		s.ComplexModel = s.BaseModel
	}
	if s.LoggingLevel == "" {
		s.LoggingLevel = "info"
	}
	if s.ClientTimeout == 0 {
		s.ClientTimeout = 3
	}
	if s.TreeTimeout == 0 {
		s.TreeTimeout = 10
	}
	if s.APIKeys == nil {
		s.APIKeys = map[string]string{}
	}
}

// Validate checks invariants that do not depend on runtime wiring.
// Model presence is checked by the tree before its first iteration, so
// partially configured settings can still be constructed and completed
// later.
func (s *Settings) Validate() error {
	if s.BaseUseReasoning && s.BaseModel == "" {
		return &ConfigurationError{Missing: "base_model (required when base_use_reasoning is set)"}
	}
	if s.ComplexUseReasoning && s.ComplexModel == "" {
		return &ConfigurationError{Missing: "complex_model (required when complex_use_reasoning is set)"}
	}
	return nil
}

// BaseConfigured reports whether the base LM can be constructed.
func (s *Settings) BaseConfigured() bool {
	return s.BaseModel != "" && s.BaseProvider != ""
}

// ComplexConfigured reports whether the complex LM can be constructed.
func (s *Settings) ComplexConfigured() bool {
	return s.ComplexModel != "" && s.ComplexProvider != ""
}

// StoreConfigured reports whether remote store credentials are present.
func (s *Settings) StoreConfigured() bool {
	return s.WCDUrl != ""
}

// ClientTimeoutDuration returns the idle timeout for store clients.
func (s *Settings) ClientTimeoutDuration() time.Duration {
	return time.Duration(s.ClientTimeout) * time.Minute
}

// APIKey returns the key for a provider, falling back to the bare
// "apikey" entry.
func (s *Settings) APIKey(provider string) string {
	if key, ok := s.APIKeys[provider]; ok {
		return key
	}
	return s.APIKeys["default"]
}

// Clone returns a deep copy; trees snapshot their settings so later
// edits to a shared default never leak into a running tree.
func (s *Settings) Clone() *Settings {
	out := *s
	out.APIKeys = make(map[string]string, len(s.APIKeys))
	for k, v := range s.APIKeys {
		out.APIKeys[k] = v
	}
	return &out
}

// FromMap decodes a loose option map into Settings. Keys suffixed with
// "_apikey" are collected into the API-key map; unknown keys are logged
// as warnings rather than silently dropped.
func FromMap(options map[string]any) (*Settings, error) {
	apiKeys := map[string]string{}
	filtered := make(map[string]any, len(options))
	for k, v := range options {
		if strings.HasSuffix(k, "_apikey") {
			if key, ok := v.(string); ok {
				apiKeys[strings.TrimSuffix(k, "_apikey")] = key
			}
			continue
		}
		filtered[k] = v
	}

	settings := &Settings{}
	var metadata mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           settings,
		Metadata:         &metadata,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(filtered); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	for _, unused := range metadata.Unused {
		slog.Warn("unknown settings option ignored", "option", unused)
	}

	settings.APIKeys = apiKeys
	settings.SetDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// FromEnvironment builds Settings from environment variables, loading a
// .env file first when present.
func FromEnvironment() (*Settings, error) {
	// Missing .env is fine; real env vars still apply.
	_ = godotenv.Load()

	options := map[string]any{}
	for key, option := range map[string]string{
		"BASE_MODEL":            "base_model",
		"BASE_PROVIDER":         "base_provider",
		"COMPLEX_MODEL":         "complex_model",
		"COMPLEX_PROVIDER":      "complex_provider",
		"MODEL_API_BASE":        "model_api_base",
		"WCD_URL":               "wcd_url",
		"WCD_API_KEY":           "wcd_api_key",
		"LOGGING_LEVEL":         "logging_level",
		"USE_FEEDBACK":          "use_feedback",
		"BASE_USE_REASONING":    "base_use_reasoning",
		"COMPLEX_USE_REASONING": "complex_use_reasoning",
		"CLIENT_TIMEOUT":        "client_timeout",
		"TREE_TIMEOUT":          "tree_timeout",
	} {
		if value := os.Getenv(key); value != "" {
			options[option] = value
		}
	}
	for _, pair := range os.Environ() {
		name, value, found := strings.Cut(pair, "=")
		if !found || value == "" {
			continue
		}
		if strings.HasSuffix(name, "_APIKEY") {
			options[strings.ToLower(name)] = value
		}
	}
	return FromMap(options)
}

// FromYAML loads Settings from a YAML file.
func FromYAML(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	var options map[string]any
	if err := yaml.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return FromMap(options)
}
