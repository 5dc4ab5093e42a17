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

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/store"
)

var successSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"is_success": map[string]any{"type": "boolean"},
		"failure_type": map[string]any{
			"type":        "string",
			"description": "Short failure class, e.g. wrong_answer, incomplete, refused.",
		},
		"failure_reason":      map[string]any{"type": "string"},
		"agent_prompt_update": map[string]any{"type": "string"},
	},
	"required": []any{"is_success"},
}

type successVerdict struct {
	IsSuccess         bool   `json:"is_success"`
	FailureType       string `json:"failure_type,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	AgentPromptUpdate string `json:"agent_prompt_update,omitempty"`
}

// SuccessEvaluator judges published requests for task success.
type SuccessEvaluator struct {
	store *store.Store
	gen   llm.Generator
	emb   llm.Embedder
	log   *slog.Logger
}

func NewSuccessEvaluator(st *store.Store, gen llm.Generator, emb llm.Embedder) *SuccessEvaluator {
	return &SuccessEvaluator{
		store: st,
		gen:   gen,
		emb:   emb,
		log:   logger.New("extract.success"),
	}
}

// successFetchLimit pages the request's interaction reads.
const successFetchLimit = 1000

// Run evaluates one request over all of its interactions. The verdict
// insert is idempotent per (evaluation, request), so re-processing a
// request is harmless. Sampling is the caller's concern.
func (e *SuccessEvaluator) Run(ctx context.Context, orgID string, cfg *config.SuccessEvaluatorConfig, requestID string) error {
	req, err := e.store.GetRequest(ctx, orgID, requestID)
	if err != nil {
		return err
	}

	ins, err := e.requestInteractions(ctx, orgID, requestID)
	if err != nil {
		return err
	}
	transcript := buildTranscript(ins, promptOverhead)
	if transcript == "" {
		return nil
	}

	run, reason, err := e.gen.ShouldRun(ctx, withCustomInstructions(successGateSystem, cfg.CustomInstructions), transcript)
	if err != nil {
		return fmt.Errorf("success gate failed: %w", err)
	}
	if !run {
		e.log.Debug("success evaluation skipped",
			"org_id", orgID, "evaluation", cfg.EvaluationName, "request_id", requestID, "reason", reason)
		return nil
	}

	raw, err := e.gen.GenerateStructured(ctx,
		successSchema,
		withCustomInstructions(successEvaluateSystem, cfg.CustomInstructions),
		transcript)
	if err != nil {
		return fmt.Errorf("success evaluation failed: %w", err)
	}

	var verdict successVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return fmt.Errorf("failed to parse success verdict: %w", err)
	}

	indexed := "success"
	if !verdict.IsSuccess && verdict.FailureReason != "" {
		indexed = verdict.FailureReason
	}
	vec, err := e.emb.Embed(ctx, indexed)
	if err != nil {
		return fmt.Errorf("failed to embed verdict: %w", err)
	}

	return e.store.InsertSuccessResult(ctx, orgID, &store.SuccessResult{
		EvaluationName:    cfg.EvaluationName,
		AgentVersion:      req.AgentVersion,
		RequestID:         requestID,
		IsSuccess:         verdict.IsSuccess,
		FailureType:       verdict.FailureType,
		FailureReason:     verdict.FailureReason,
		AgentPromptUpdate: verdict.AgentPromptUpdate,
		Embedding:         vec,
	})
}

// requestInteractions loads every turn of the request in id order,
// paging past the store's read limit.
func (e *SuccessEvaluator) requestInteractions(ctx context.Context, orgID, requestID string) ([]*store.Interaction, error) {
	filter := store.InteractionFilter{
		RequestID:   requestID,
		AscendingID: true,
		Limit:       successFetchLimit,
	}
	var out []*store.Interaction
	for {
		batch, err := e.store.GetInteractions(ctx, orgID, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < successFetchLimit {
			return out, nil
		}
		filter.SinceID = batch[len(batch)-1].InteractionID
	}
}

// Sampled decides deterministically whether a request is evaluated: the
// FNV-1a hash of "request_id:evaluation", scaled to [0, 1), compared
// against the sampling rate. The same request always gets the same draw.
func Sampled(requestID, evaluationName string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New64a()
	h.Write([]byte(requestID))
	h.Write([]byte(":"))
	h.Write([]byte(evaluationName))
	return float64(h.Sum64())/math.Pow(2, 64) < rate
}
