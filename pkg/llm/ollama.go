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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/engramhq/engram/pkg/httpclient"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaBackend targets a local Ollama daemon. Ollama cannot enforce a
// JSON schema, only JSON mode, so the schema is inlined into the system
// prompt and the adapter's validation does the enforcing.
type ollamaBackend struct {
	baseURL    string
	httpClient *httpclient.Client
}

func newOllamaBackend(baseURL string) *ollamaBackend {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &ollamaBackend{
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: callTimeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

func (b *ollamaBackend) provider() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

func (b *ollamaBackend) generate(ctx context.Context, model, system, prompt string, schema map[string]any) (json.RawMessage, Usage, error) {
	schemaJSON, _ := json.Marshal(schema)
	req := ollamaChatRequest{
		Model: model,
		Messages: []ollamaMessage{
			{Role: "system", Content: fmt.Sprintf("%s\n\nRespond with a single JSON object matching this schema:\n%s", system, schemaJSON)},
			{Role: "user", Content: prompt},
		},
		Format: "json",
		Stream: false,
	}

	var resp ollamaChatResponse
	if err := b.post(ctx, "/api/chat", req, &resp); err != nil {
		return nil, Usage{}, err
	}
	if resp.Error != "" {
		return nil, Usage{}, fmt.Errorf("ollama error: %s", resp.Error)
	}

	usage := Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
	return json.RawMessage(resp.Message.Content), usage, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (b *ollamaBackend) embed(ctx context.Context, model, text string) ([]float32, error) {
	var resp ollamaEmbedResponse
	if err := b.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", resp.Error)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned no embedding")
	}
	return resp.Embedding, nil
}

func (b *ollamaBackend) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
