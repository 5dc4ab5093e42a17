// Copyright 2025 The Engram Authors
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

package llm

import (
	"context"
	"fmt"

	"github.com/engramhq/engram/pkg/config"
)

// Credentials are the server-level provider credentials. A tenant's
// llm_config.api_key overrides them.
type Credentials struct {
	OpenAIAPIKey  string
	GeminiAPIKey  string
	OllamaBaseURL string
}

// New builds a Client for a tenant's llm_config, falling back to
// server-level credentials where the tenant sets none.
func New(ctx context.Context, cfg *config.TenantLLMConfig, creds Credentials) (*Client, error) {
	resolved := *cfg
	resolved.SetDefaults()

	switch resolved.Provider {
	case config.LLMProviderOpenAI:
		key := resolved.APIKey
		if key == "" {
			key = creds.OpenAIAPIKey
		}
		if key == "" {
			return nil, fmt.Errorf("openai api key is not configured")
		}
		b := newOpenAIBackend(key, resolved.BaseURL)
		return newClient(b, resolved.ShouldRunModelName, resolved.GenerationModelName, resolved.EmbeddingModelName), nil

	case config.LLMProviderGemini:
		key := resolved.APIKey
		if key == "" {
			key = creds.GeminiAPIKey
		}
		if key == "" {
			return nil, fmt.Errorf("gemini api key is not configured")
		}
		b, err := newGeminiBackend(ctx, key)
		if err != nil {
			return nil, err
		}
		return newClient(b, resolved.ShouldRunModelName, resolved.GenerationModelName, resolved.EmbeddingModelName), nil

	case config.LLMProviderOllama:
		base := resolved.BaseURL
		if base == "" {
			base = creds.OllamaBaseURL
		}
		b := newOllamaBackend(base)
		return newClient(b, resolved.ShouldRunModelName, resolved.GenerationModelName, resolved.EmbeddingModelName), nil

	default:
		return nil, fmt.Errorf("unknown llm provider %q", resolved.Provider)
	}
}
