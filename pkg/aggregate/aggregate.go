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

// Package aggregate consolidates raw behavioral feedbacks into
// density-clustered aggregated lessons and, on demand, synthesizes
// approved lessons into skill documents.
package aggregate

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
)

const (
	// keepOverlap leaves an existing aggregate untouched apart from a
	// metadata refresh.
	keepOverlap = 0.8

	// staleOverlap archives the existing aggregate in favor of the new
	// cluster's consolidation.
	staleOverlap = 0.5

	// fetchLimit bounds one aggregation pass.
	fetchLimit = 10000
)

const consolidateSystem = `You consolidate a cluster of closely related behavioral feedback items about an agent into one general rule. Merge overlapping advice, drop contradictions in favor of the majority, and keep the rule actionable:
- feedback_content: the consolidated rule in one or two sentences.
- do_action / do_not_action: the concrete behavior to adopt or avoid, when the cluster agrees on one.
- when_condition: the situation the rule applies to, when the cluster is situational.
- blocking_issue: only when the cluster describes the agent being blocked.`

var consolidateSchema = map[string]any{
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
}

type consolidated struct {
	FeedbackContent string               `json:"feedback_content"`
	DoAction        string               `json:"do_action,omitempty"`
	DoNotAction     string               `json:"do_not_action,omitempty"`
	WhenCondition   string               `json:"when_condition,omitempty"`
	BlockingIssue   *store.BlockingIssue `json:"blocking_issue,omitempty"`
}

// Aggregator turns raw feedback clusters into aggregated rows for one
// (agent_version, feedback_name) pair at a time.
type Aggregator struct {
	store *store.Store
	gen   llm.Generator
	emb   llm.Embedder
	log   *slog.Logger
}

func New(st *store.Store, gen llm.Generator, emb llm.Embedder) *Aggregator {
	return &Aggregator{
		store: st,
		gen:   gen,
		emb:   emb,
		log:   logger.New("aggregate"),
	}
}

// Run executes one aggregation pass: cluster the pair's current raw
// feedbacks by embedding density, consolidate each cluster, and reconcile
// the results with the existing aggregated rows by member overlap. Noise
// points stay unaggregated until later batches densify their region.
func (a *Aggregator) Run(ctx context.Context, orgID string, cfg *config.FeedbackExtractorConfig, agentVersion string) error {
	raws, err := a.store.ListRawFeedbacks(ctx, orgID, store.FeedbackFilter{
		AgentVersion: agentVersion,
		FeedbackName: cfg.FeedbackName,
		Limit:        fetchLimit,
	})
	if err != nil {
		return err
	}
	if len(raws) < cfg.MinFeedbackThreshold {
		return nil
	}

	clusters := clusterByDensity(raws, cfg.ClusterEps, cfg.MinFeedbackThreshold)
	if len(clusters) == 0 {
		return nil
	}

	existing, err := a.store.ListFeedbacks(ctx, orgID, store.FeedbackFilter{
		AgentVersion: agentVersion,
		FeedbackName: cfg.FeedbackName,
		FeedbackStatus: []store.FeedbackStatus{
			store.FeedbackPending, store.FeedbackApproved, store.FeedbackRejected,
		},
		Limit: fetchLimit,
	})
	if err != nil {
		return err
	}

	a.log.Info("aggregating feedback clusters",
		"org_id", orgID, "feedback", cfg.FeedbackName, "agent_version", agentVersion,
		"raw", len(raws), "clusters", len(clusters), "existing", len(existing))

	for _, c := range clusters {
		if err := a.reconcileCluster(ctx, orgID, cfg, agentVersion, c, existing); err != nil {
			return err
		}
	}
	return nil
}

// reconcileCluster matches one cluster against the existing aggregates by
// Jaccard overlap of member ids and applies the outcome: refresh, replace,
// or insert.
func (a *Aggregator) reconcileCluster(ctx context.Context, orgID string, cfg *config.FeedbackExtractorConfig, agentVersion string, c *cluster, existing []*store.Feedback) error {
	ids := c.memberIDs()
	meta := store.FeedbackMetadata{
		RawFeedbackIDs: ids,
		ClusterSize:    len(ids),
		Centroid:       c.centroid,
	}

	var best *store.Feedback
	bestOverlap := 0.0
	for _, fb := range existing {
		if ov := jaccard(fb.Metadata.RawFeedbackIDs, ids); ov > bestOverlap {
			best, bestOverlap = fb, ov
		}
	}

	// The cluster is essentially the row we already have. No LLM call.
	if best != nil && bestOverlap >= keepOverlap {
		return a.store.RefreshFeedbackMetadata(ctx, orgID, best.FeedbackID, meta)
	}

	result, err := a.consolidate(ctx, cfg, c)
	if err != nil {
		return err
	}

	indexed := result.WhenCondition
	if indexed == "" {
		indexed = result.FeedbackContent
	}
	vec, err := a.emb.Embed(ctx, indexed)
	if err != nil {
		return fmt.Errorf("failed to embed aggregate: %w", err)
	}

	if best != nil && bestOverlap >= staleOverlap {
		// The cluster drifted away from the old row; the old consolidation
		// no longer represents it.
		if err := a.store.ArchiveFeedback(ctx, orgID, best.FeedbackID); err != nil {
			return err
		}
	} else {
		// Entirely new cluster. Existing rows fully contained in it are
		// superseded.
		for _, fb := range existing {
			if subsetOf(fb.Metadata.RawFeedbackIDs, ids) {
				if err := a.store.ArchiveFeedback(ctx, orgID, fb.FeedbackID); err != nil {
					return err
				}
			}
		}
	}

	return a.store.InsertFeedback(ctx, orgID, &store.Feedback{
		AgentVersion:    agentVersion,
		FeedbackName:    cfg.FeedbackName,
		FeedbackContent: result.FeedbackContent,
		DoAction:        result.DoAction,
		DoNotAction:     result.DoNotAction,
		WhenCondition:   result.WhenCondition,
		BlockingIssue:   result.BlockingIssue,
		FeedbackStatus:  store.FeedbackPending,
		Metadata:        meta,
		Embedding:       vec,
	})
}

func (a *Aggregator) consolidate(ctx context.Context, cfg *config.FeedbackExtractorConfig, c *cluster) (*consolidated, error) {
	var b strings.Builder
	b.WriteString("Feedback cluster:\n")
	for _, m := range c.members {
		fmt.Fprintf(&b, "- %s", m.FeedbackContent)
		if m.WhenCondition != "" {
			fmt.Fprintf(&b, " (when: %s)", m.WhenCondition)
		}
		if m.DoAction != "" {
			fmt.Fprintf(&b, " (do: %s)", m.DoAction)
		}
		if m.DoNotAction != "" {
			fmt.Fprintf(&b, " (do not: %s)", m.DoNotAction)
		}
		if m.BlockingIssue != nil {
			fmt.Fprintf(&b, " (blocked: %s %s)", m.BlockingIssue.Kind, m.BlockingIssue.Details)
		}
		b.WriteString("\n")
	}

	system := consolidateSystem
	if cfg.CustomInstructions != "" {
		system += "\n\nAdditional instructions:\n" + cfg.CustomInstructions
	}

	raw, err := a.gen.GenerateStructured(ctx, consolidateSchema, system, b.String())
	if err != nil {
		return nil, fmt.Errorf("feedback consolidation failed: %w", err)
	}
	var out consolidated
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse consolidated feedback: %w", err)
	}
	if strings.TrimSpace(out.FeedbackContent) == "" {
		return nil, fmt.Errorf("consolidation produced empty feedback_content")
	}
	return &out, nil
}
