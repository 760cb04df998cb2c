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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	s := &Settings{BaseModel: "gpt-4o-mini"}
	s.SetDefaults()

	assert.Equal(t, "openai", s.BaseProvider)
	assert.Equal(t, "openai", s.ComplexProvider)
	assert.Equal(t, "gpt-4o-mini", s.ComplexModel)
	assert.Equal(t, "info", s.LoggingLevel)
	assert.Equal(t, 3*time.Minute, s.ClientTimeoutDuration())
	assert.NotNil(t, s.APIKeys)
}

func TestFromMapCollectsAPIKeys(t *testing.T) {
	s, err := FromMap(map[string]any{
		"base_model":       "gpt-4o-mini",
		"openai_apikey":    "sk-openai",
		"anthropic_apikey": "sk-anthropic",
	})
	require.NoError(t, err)

	assert.Equal(t, "sk-openai", s.APIKey("openai"))
	assert.Equal(t, "sk-anthropic", s.APIKey("anthropic"))
	assert.Empty(t, s.APIKey("unconfigured"))
}

func TestFromMapWeakTyping(t *testing.T) {
	// Environment variables arrive as strings; the decoder coerces them.
	s, err := FromMap(map[string]any{
		"base_model":     "gpt-4o-mini",
		"use_feedback":   "true",
		"client_timeout": "5",
	})
	require.NoError(t, err)

	assert.True(t, s.UseFeedback)
	assert.Equal(t, 5, s.ClientTimeout)
}

func TestFromMapToleratesUnknownKeys(t *testing.T) {
	s, err := FromMap(map[string]any{
		"base_model": "gpt-4o-mini",
		"mystery":    "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", s.BaseModel)
}

func TestValidateReasoningNeedsModel(t *testing.T) {
	s := &Settings{BaseUseReasoning: true}
	var confErr *ConfigurationError
	require.ErrorAs(t, s.Validate(), &confErr)

	s = &Settings{BaseModel: "gpt-4o-mini", BaseUseReasoning: true}
	assert.NoError(t, s.Validate())
}

func TestConfiguredChecks(t *testing.T) {
	s := &Settings{}
	assert.False(t, s.BaseConfigured())
	assert.False(t, s.StoreConfigured())

	s = &Settings{BaseModel: "m", BaseProvider: "openai", WCDUrl: "https://example.com"}
	assert.True(t, s.BaseConfigured())
	assert.True(t, s.StoreConfigured())
}

func TestCloneIsDeep(t *testing.T) {
	s := &Settings{APIKeys: map[string]string{"openai": "sk-1"}}
	c := s.Clone()
	c.APIKeys["openai"] = "sk-2"
	assert.Equal(t, "sk-1", s.APIKeys["openai"])
}

func TestFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"base_model: gpt-4o-mini\nbase_provider: openai\nuse_feedback: true\nopenai_apikey: sk-test\n"), 0o600))

	s, err := FromYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", s.BaseModel)
	assert.True(t, s.UseFeedback)
	assert.Equal(t, "sk-test", s.APIKey("openai"))
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv("BASE_MODEL", "gpt-4o-mini")
	t.Setenv("BASE_PROVIDER", "openai")
	t.Setenv("OPENAI_APIKEY", "sk-env")

	s, err := FromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", s.BaseModel)
	assert.Equal(t, "sk-env", s.APIKey("openai"))
}
