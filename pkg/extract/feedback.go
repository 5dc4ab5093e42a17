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
	"log/slog"
	"strings"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/store"
	"github.com/engramhq/engram/pkg/window"
)

var feedbackSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"feedbacks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"feedback_content": map[string]any{"type": "string"},
					"do_action":        map[string]any{"type": "string"},
					"do_not_action":    map[string]any{"type": "string"},
					"when_condition":   map[string]any{"type": "string"},
					"blocking_issue": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"kind": map[string]any{
								"type": "string",
								"enum": []any{"missing_capability", "wrong_tool", "policy_block", "input_ambiguity", "other"},
							},
							"details": map[string]any{"type": "string"},
						},
						"required": []any{"kind"},
					},
				},
				"required": []any{"feedback_content"},
			},
		},
	},
	"required": []any{"feedbacks"},
}

type feedbackItem struct {
	FeedbackContent string               `json:"feedback_content"`
	DoAction        string               `json:"do_action,omitempty"`
	DoNotAction     string               `json:"do_not_action,omitempty"`
	WhenCondition   string               `json:"when_condition,omitempty"`
	BlockingIssue   *store.BlockingIssue `json:"blocking_issue,omitempty"`
}

// FeedbackExtractor derives raw behavioral feedback from windows and
// decides when the aggregation pass for a scope is due.
type FeedbackExtractor struct {
	store *store.Store
	gen   llm.Generator
	emb   llm.Embedder
	log   *slog.Logger
}

func NewFeedbackExtractor(st *store.Store, gen llm.Generator, emb llm.Embedder) *FeedbackExtractor {
	return &FeedbackExtractor{
		store: st,
		gen:   gen,
		emb:   emb,
		log:   logger.New("extract.feedback"),
	}
}

// Run processes one window. The returned flag reports whether the
// (agent_version, feedback_name) pair crossed an aggregation refresh
// boundary with this batch: total raw count at or past the threshold and
// landing on a refresh_count multiple. Counts are always derived, never
// stored.
func (e *FeedbackExtractor) Run(ctx context.Context, orgID string, cfg *config.FeedbackExtractorConfig, w *window.Window) (aggregationDue bool, err error) {
	transcript := buildTranscript(w.Interactions, promptOverhead)
	if transcript == "" {
		return false, nil
	}

	run, reason, err := e.gen.ShouldRun(ctx, withCustomInstructions(feedbackGateSystem, cfg.CustomInstructions), transcript)
	if err != nil {
		return false, fmt.Errorf("feedback gate failed: %w", err)
	}
	if !run {
		e.log.Debug("feedback extraction skipped",
			"org_id", orgID, "feedback", cfg.FeedbackName, "agent_version", w.ScopeKey, "reason", reason)
		return false, nil
	}

	raw, err := e.gen.GenerateStructured(ctx,
		feedbackSchema,
		withCustomInstructions(feedbackExtractSystem, cfg.CustomInstructions),
		transcript)
	if err != nil {
		return false, fmt.Errorf("feedback extraction failed: %w", err)
	}

	var out struct {
		Feedbacks []feedbackItem `json:"feedbacks"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("failed to parse feedback items: %w", err)
	}

	requestID := newestRequestID(w)
	userID := windowUserID(w)

	rows := make([]*store.RawFeedback, 0, len(out.Feedbacks))
	for _, item := range out.Feedbacks {
		if strings.TrimSpace(item.FeedbackContent) == "" {
			continue
		}
		indexed := item.WhenCondition
		if indexed == "" {
			indexed = item.FeedbackContent
		}
		vec, err := e.emb.Embed(ctx, indexed)
		if err != nil {
			return false, fmt.Errorf("failed to embed feedback: %w", err)
		}
		rows = append(rows, &store.RawFeedback{
			UserID:          userID,
			AgentVersion:    w.ScopeKey,
			RequestID:       requestID,
			FeedbackName:    cfg.FeedbackName,
			FeedbackContent: item.FeedbackContent,
			DoAction:        item.DoAction,
			DoNotAction:     item.DoNotAction,
			WhenCondition:   item.WhenCondition,
			BlockingIssue:   item.BlockingIssue,
			IndexedContent:  indexed,
			Embedding:       vec,
		})
	}
	if len(rows) == 0 {
		return false, nil
	}

	if err := e.store.InsertRawFeedbacks(ctx, orgID, rows); err != nil {
		return false, err
	}

	total, err := e.store.CountRawFeedbacks(ctx, orgID, w.ScopeKey, cfg.FeedbackName)
	if err != nil {
		return false, err
	}
	due := total >= cfg.MinFeedbackThreshold && total%cfg.RefreshCount == 0
	if due {
		e.log.Info("feedback aggregation due",
			"org_id", orgID, "feedback", cfg.FeedbackName, "agent_version", w.ScopeKey, "total", total)
	}
	return due, nil
}

// windowUserID returns the user behind the window's newest interaction.
// Feedback windows can span users of one agent version; the newest turn
// attributes the batch.
func windowUserID(w *window.Window) string {
	if len(w.Interactions) == 0 {
		return ""
	}
	return w.Interactions[len(w.Interactions)-1].UserID
}
