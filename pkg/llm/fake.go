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
	"fmt"
	"hash/fnv"
	"sync"
)

// FakeGenerator is a scripted Generator for tests. Responses are served
// in order; when they run out the call fails.
type FakeGenerator struct {
	mu        sync.Mutex
	Responses []json.RawMessage
	GateAllow bool
	GateDeny  bool // when set, ShouldRun answers false
	Reason    string
	Err       error

	// Calls records every GenerateStructured invocation.
	Calls []FakeCall
}

// FakeCall is one recorded generation request.
type FakeCall struct {
	Schema map[string]any
	System string
	Prompt string
}

// NewFakeGenerator returns a generator that passes its gate and serves
// the given responses.
func NewFakeGenerator(responses ...json.RawMessage) *FakeGenerator {
	return &FakeGenerator{Responses: responses, GateAllow: true}
}

func (f *FakeGenerator) GenerateStructured(_ context.Context, schema map[string]any, system, prompt string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, FakeCall{Schema: schema, System: system, Prompt: prompt})
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Responses) == 0 {
		return nil, fmt.Errorf("fake generator has no responses left")
	}
	resp := f.Responses[0]
	f.Responses = f.Responses[1:]
	return resp, nil
}

func (f *FakeGenerator) ShouldRun(context.Context, string, string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return false, "", f.Err
	}
	if f.GateDeny {
		return false, f.Reason, nil
	}
	return true, f.Reason, nil
}

// FakeEmbedder is a deterministic Embedder for tests. Texts present in
// Vectors get that exact vector; everything else gets a stable
// hash-derived one. All outputs are L2-normalized.
type FakeEmbedder struct {
	Vectors map[string][]float32
	Err     error
}

func NewFakeEmbedder() *FakeEmbedder {
	return &FakeEmbedder{Vectors: make(map[string][]float32)}
}

// Set scripts the embedding for a text. Shorter vectors are zero-padded
// to the service dimension.
func (f *FakeEmbedder) Set(text string, vec []float32) {
	f.Vectors[text] = fitDimension(vec, EmbeddingDim)
}

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if vec, ok := f.Vectors[text]; ok {
		return normalizeL2(vec), nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, EmbeddingDim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<30)
	}
	return normalizeL2(vec), nil
}

func (f *FakeEmbedder) Dimension() int { return EmbeddingDim }
