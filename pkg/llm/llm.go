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

// Package llm adapts the configured provider (openai, gemini, ollama)
// behind two narrow interfaces: structured generation and embeddings.
// Extraction code never talks to a provider API directly.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/retry"
)

const (
	// EmbeddingDim is the fixed embedding width stored by the service.
	EmbeddingDim = 512

	// callTimeout bounds every single provider call.
	callTimeout = 60 * time.Second

	// maxConcurrentCalls caps in-flight provider calls across all tenants.
	maxConcurrentCalls = 32
)

// callSlots is the process-wide concurrency gate for provider calls.
var callSlots = semaphore.NewWeighted(maxConcurrentCalls)

// providerRetry backs off on transient provider failures (rate limits,
// resets, 5xx). Each attempt carries its own callTimeout; a call that
// actually timed out is not retried.
var providerRetry = retry.NewRetryer(retry.Config{MaxAttempts: 3})

// Generator produces structured model output.
type Generator interface {
	// GenerateStructured returns JSON conforming to the given JSON-schema
	// map. A schema-violating response is retried exactly once with a
	// schema reminder appended, then fails.
	GenerateStructured(ctx context.Context, schema map[string]any, system, prompt string) (json.RawMessage, error)

	// ShouldRun asks the cheap gate model whether extraction is worth
	// running on this window. The string is the model's reason.
	ShouldRun(ctx context.Context, system, prompt string) (bool, string, error)
}

// Embedder produces fixed-width embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Usage is the token accounting of one provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// backend is the raw provider surface each implementation fills in.
type backend interface {
	provider() string
	generate(ctx context.Context, model, system, prompt string, schema map[string]any) (json.RawMessage, Usage, error)
	embed(ctx context.Context, model, text string) ([]float32, error)
}

// Client implements Generator and Embedder over a provider backend,
// adding concurrency capping, timeouts, schema-retry, tracing, and
// embedding normalization.
type Client struct {
	backend    backend
	gateModel  string
	genModel   string
	embedModel string
	log        *slog.Logger
}

func newClient(b backend, gateModel, genModel, embedModel string) *Client {
	return &Client{
		backend:    b,
		gateModel:  gateModel,
		genModel:   genModel,
		embedModel: embedModel,
		log:        logger.New("llm"),
	}
}

// GenerateStructured implements Generator.
func (c *Client) GenerateStructured(ctx context.Context, schema map[string]any, system, prompt string) (json.RawMessage, error) {
	raw, err := c.generateOnce(ctx, c.genModel, system, prompt, schema)
	if err != nil {
		return nil, err
	}

	if verr := validateAgainstSchema(schema, raw); verr != nil {
		c.log.Warn("schema violation, retrying once", "model", c.genModel, "error", verr)
		raw, err = c.generateOnce(ctx, c.genModel, system, prompt+schemaReminder(schema), schema)
		if err != nil {
			return nil, err
		}
		if verr = validateAgainstSchema(schema, raw); verr != nil {
			return nil, fmt.Errorf("model output violates schema after retry: %w", verr)
		}
	}
	return raw, nil
}

// shouldRunSchema is the gate model's output contract.
var shouldRunSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"should_run": map[string]any{"type": "boolean"},
		"reason":     map[string]any{"type": "string"},
	},
	"required": []any{"should_run"},
}

// ShouldRun implements Generator.
func (c *Client) ShouldRun(ctx context.Context, system, prompt string) (bool, string, error) {
	raw, err := c.generateOnce(ctx, c.gateModel, system, prompt, shouldRunSchema)
	if err != nil {
		return false, "", err
	}

	var out struct {
		ShouldRun bool   `json:"should_run"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, "", fmt.Errorf("failed to parse gate response: %w", err)
	}
	return out.ShouldRun, out.Reason, nil
}

// Embed implements Embedder. Vectors are clipped or zero-padded to the
// service dimension and L2-normalized.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := callSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer callSlots.Release(1)

	tracer := observability.GetTracer("engram.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMEmbed,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, c.backend.provider()),
			attribute.String(observability.AttrLLMModel, c.embedModel),
		))
	defer span.End()

	start := time.Now()
	vec, err := retry.DoWithResult(ctx, providerRetry, "llm embed", func() ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return c.backend.embed(callCtx, c.embedModel, text)
	})
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordLLMCall(ctx, c.backend.provider(), c.embedModel, time.Since(start), 0, 0, err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("provider returned an empty embedding")
	}

	return normalizeL2(fitDimension(vec, EmbeddingDim)), nil
}

// Dimension implements Embedder.
func (c *Client) Dimension() int { return EmbeddingDim }

func (c *Client) generateOnce(ctx context.Context, model, system, prompt string, schema map[string]any) (json.RawMessage, error) {
	if err := callSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer callSlots.Release(1)

	tracer := observability.GetTracer("engram.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMGenerate,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, c.backend.provider()),
			attribute.String(observability.AttrLLMModel, model),
		))
	defer span.End()

	start := time.Now()
	var usage Usage
	raw, err := retry.DoWithResult(ctx, providerRetry, "llm generate", func() (json.RawMessage, error) {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		out, u, err := c.backend.generate(callCtx, model, system, prompt, schema)
		usage = u
		return out, err
	})
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordLLMCall(ctx, c.backend.provider(), model, time.Since(start), usage.InputTokens, usage.OutputTokens, err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, usage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, usage.OutputTokens),
	)
	return extractJSON(raw), nil
}

// validateAgainstSchema checks that raw is a JSON object carrying every
// top-level required key. Providers already enforce the full schema when
// they can; this is the strict parse the pipeline relies on.
func validateAgainstSchema(schema map[string]any, raw json.RawMessage) error {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("response is not a JSON object: %w", err)
	}
	for _, key := range requiredKeys(schema) {
		if _, ok := doc[key]; !ok {
			return fmt.Errorf("missing required key %q", key)
		}
	}
	return nil
}

func requiredKeys(schema map[string]any) []string {
	var keys []string
	switch req := schema["required"].(type) {
	case []string:
		keys = req
	case []any:
		for _, k := range req {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	}
	return keys
}

func schemaReminder(schema map[string]any) string {
	b, _ := json.Marshal(schema)
	return fmt.Sprintf("\n\nYour previous answer did not match the required JSON schema. Respond with a single JSON object matching exactly this schema, with no surrounding text:\n%s", b)
}

// extractJSON strips markdown code fences some models wrap around JSON.
func extractJSON(raw json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	return json.RawMessage(s)
}

func fitDimension(vec []float32, dim int) []float32 {
	if len(vec) == dim {
		return vec
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out
}

func normalizeL2(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
