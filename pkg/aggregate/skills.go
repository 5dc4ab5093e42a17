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

package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/store"
)

const synthesizeSystem = `You turn a set of approved behavioral feedback rules for an agent into one skill document the agent can follow:
- skill_name: a short snake_case identifier for the behavior area.
- description: one sentence on what the skill covers.
- instructions: the full consolidated guidance, ready to paste into an agent prompt.
- allowed_tools: tool names the rules mention the agent should use, if any.
- blocking_issues: capability gaps the rules reveal, if any.`

var synthesizeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"skill_name":  map[string]any{"type": "string"},
		"description": map[string]any{"type": "string"},
		"instructions": map[string]any{
			"type":        "string",
			"description": "Consolidated guidance ready for an agent prompt.",
		},
		"allowed_tools": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"blocking_issues": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":    map[string]any{"type": "string"},
					"details": map[string]any{"type": "string"},
				},
				"required": []any{"kind"},
			},
		},
	},
	"required": []any{"skill_name", "instructions"},
}

type skillDoc struct {
	SkillName      string                `json:"skill_name"`
	Description    string                `json:"description,omitempty"`
	Instructions   string                `json:"instructions"`
	AllowedTools   []string              `json:"allowed_tools,omitempty"`
	BlockingIssues []store.BlockingIssue `json:"blocking_issues,omitempty"`
}

// SynthesizeSkill consolidates the approved aggregated feedbacks of one
// (agent_version, feedback_name) pair into a draft skill document. The
// skill references the aggregates it was built from and carries their
// transitive raw feedback ids for audit.
func (a *Aggregator) SynthesizeSkill(ctx context.Context, orgID, agentVersion, feedbackName string) (*store.Skill, error) {
	approved, err := a.store.ListFeedbacks(ctx, orgID, store.FeedbackFilter{
		AgentVersion: agentVersion,
		FeedbackName: feedbackName,
		Limit:        fetchLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(approved) == 0 {
		return nil, apierror.NotFound("no approved feedbacks for %s/%s", agentVersion, feedbackName)
	}

	var b strings.Builder
	b.WriteString("Approved feedback rules:\n")
	feedbackIDs := make([]string, 0, len(approved))
	var rawIDs []string
	seenRaw := make(map[string]bool)
	for _, fb := range approved {
		fmt.Fprintf(&b, "- %s", fb.FeedbackContent)
		if fb.WhenCondition != "" {
			fmt.Fprintf(&b, " (when: %s)", fb.WhenCondition)
		}
		if fb.DoAction != "" {
			fmt.Fprintf(&b, " (do: %s)", fb.DoAction)
		}
		if fb.DoNotAction != "" {
			fmt.Fprintf(&b, " (do not: %s)", fb.DoNotAction)
		}
		b.WriteString("\n")

		feedbackIDs = append(feedbackIDs, fb.FeedbackID)
		for _, id := range fb.Metadata.RawFeedbackIDs {
			if !seenRaw[id] {
				seenRaw[id] = true
				rawIDs = append(rawIDs, id)
			}
		}
	}

	raw, err := a.gen.GenerateStructured(ctx, synthesizeSchema, synthesizeSystem, b.String())
	if err != nil {
		return nil, fmt.Errorf("skill synthesis failed: %w", err)
	}
	var doc skillDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse skill document: %w", err)
	}
	if strings.TrimSpace(doc.Instructions) == "" {
		return nil, fmt.Errorf("skill synthesis produced empty instructions")
	}

	indexed := doc.Description
	if indexed == "" {
		indexed = doc.Instructions
	}
	vec, err := a.emb.Embed(ctx, indexed)
	if err != nil {
		return nil, fmt.Errorf("failed to embed skill: %w", err)
	}

	sk := &store.Skill{
		AgentVersion:   agentVersion,
		FeedbackName:   feedbackName,
		SkillName:      doc.SkillName,
		Description:    doc.Description,
		Instructions:   doc.Instructions,
		AllowedTools:   doc.AllowedTools,
		BlockingIssues: doc.BlockingIssues,
		FeedbackIDs:    feedbackIDs,
		RawFeedbackIDs: rawIDs,
		SkillStatus:    store.SkillDraft,
		Embedding:      vec,
	}
	if err := a.store.InsertSkill(ctx, orgID, sk); err != nil {
		return nil, err
	}
	return sk, nil
}
