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
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend serves canned generations and embeddings and records
// the prompts it saw.
type scriptedBackend struct {
	responses []json.RawMessage
	embedding []float32
	prompts   []string
	err       error
}

func (b *scriptedBackend) provider() string { return "scripted" }

func (b *scriptedBackend) generate(_ context.Context, _, _, prompt string, _ map[string]any) (json.RawMessage, Usage, error) {
	b.prompts = append(b.prompts, prompt)
	if b.err != nil {
		return nil, Usage{}, b.err
	}
	resp := b.responses[0]
	if len(b.responses) > 1 {
		b.responses = b.responses[1:]
	}
	return resp, Usage{InputTokens: 10, OutputTokens: 5}, nil
}

func (b *scriptedBackend) embed(context.Context, string, string) ([]float32, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.embedding, nil
}

var testSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"answer": map[string]any{"type": "string"},
	},
	"required": []any{"answer"},
}

func TestGenerateStructuredValidResponse(t *testing.T) {
	b := &scriptedBackend{responses: []json.RawMessage{json.RawMessage(`{"answer":"ok"}`)}}
	c := newClient(b, "gate", "gen", "embed")

	raw, err := c.GenerateStructured(context.Background(), testSchema, "sys", "prompt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"ok"}`, string(raw))
	assert.Len(t, b.prompts, 1)
}

func TestGenerateStructuredRetriesOnceOnSchemaViolation(t *testing.T) {
	b := &scriptedBackend{responses: []json.RawMessage{
		json.RawMessage(`{"wrong":"key"}`),
		json.RawMessage(`{"answer":"fixed"}`),
	}}
	c := newClient(b, "gate", "gen", "embed")

	raw, err := c.GenerateStructured(context.Background(), testSchema, "sys", "prompt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"fixed"}`, string(raw))

	require.Len(t, b.prompts, 2)
	assert.Contains(t, b.prompts[1], "did not match the required JSON schema")
}

func TestGenerateStructuredFailsAfterSecondViolation(t *testing.T) {
	b := &scriptedBackend{responses: []json.RawMessage{json.RawMessage(`{"wrong":"key"}`)}}
	c := newClient(b, "gate", "gen", "embed")

	_, err := c.GenerateStructured(context.Background(), testSchema, "sys", "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after retry")
	assert.Len(t, b.prompts, 2)
}

func TestGenerateStructuredStripsCodeFences(t *testing.T) {
	b := &scriptedBackend{responses: []json.RawMessage{
		json.RawMessage("```json\n{\"answer\":\"fenced\"}\n```"),
	}}
	c := newClient(b, "gate", "gen", "embed")

	raw, err := c.GenerateStructured(context.Background(), testSchema, "sys", "prompt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"fenced"}`, string(raw))
}

func TestShouldRun(t *testing.T) {
	t.Run("true with reason", func(t *testing.T) {
		b := &scriptedBackend{responses: []json.RawMessage{
			json.RawMessage(`{"should_run":true,"reason":"new preferences present"}`),
		}}
		c := newClient(b, "gate", "gen", "embed")

		run, reason, err := c.ShouldRun(context.Background(), "sys", "prompt")
		require.NoError(t, err)
		assert.True(t, run)
		assert.Equal(t, "new preferences present", reason)
	})

	t.Run("false", func(t *testing.T) {
		b := &scriptedBackend{responses: []json.RawMessage{
			json.RawMessage(`{"should_run":false,"reason":"nothing new"}`),
		}}
		c := newClient(b, "gate", "gen", "embed")

		run, _, err := c.ShouldRun(context.Background(), "sys", "prompt")
		require.NoError(t, err)
		assert.False(t, run)
	})
}

func TestEmbedNormalizesAndFitsDimension(t *testing.T) {
	short := make([]float32, 8)
	short[0] = 3
	short[1] = 4
	b := &scriptedBackend{embedding: short}
	c := newClient(b, "gate", "gen", "embed")

	vec, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, vec, EmbeddingDim)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
}

func TestValidateAgainstSchema(t *testing.T) {
	assert.NoError(t, validateAgainstSchema(testSchema, json.RawMessage(`{"answer":"x","extra":1}`)))
	assert.Error(t, validateAgainstSchema(testSchema, json.RawMessage(`{"extra":1}`)))
	assert.Error(t, validateAgainstSchema(testSchema, json.RawMessage(`not json`)))
	assert.Error(t, validateAgainstSchema(testSchema, json.RawMessage(`[1,2]`)))
}

func TestFakeEmbedderDeterministic(t *testing.T) {
	f := NewFakeEmbedder()
	a, err := f.Embed(context.Background(), "hello")
	require.NoError(t, err)
	b, err := f.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	f.Set("scripted", []float32{1, 0, 0})
	vec, err := f.Embed(context.Background(), "scripted")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(vec[0]), 1e-6)
}

func TestFitTurns(t *testing.T) {
	turns := []string{
		strings.Repeat("old ", 100),
		strings.Repeat("mid ", 100),
		"newest turn",
	}

	t.Run("everything fits", func(t *testing.T) {
		got := FitTurns("gpt-4o", turns, 0)
		assert.Equal(t, turns, got)
	})

	t.Run("oldest dropped first", func(t *testing.T) {
		got := FitTurns("gpt-4o", turns, MaxPromptTokens-120)
		require.NotEmpty(t, got)
		assert.Equal(t, "newest turn", got[len(got)-1])
		assert.Less(t, len(got), len(turns))
	})

	t.Run("no budget", func(t *testing.T) {
		assert.Nil(t, FitTurns("gpt-4o", turns, MaxPromptTokens))
	})
}
