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

// Package extract runs the LLM extraction passes: semantic profiles,
// behavioral feedback, and success evaluation. Each extractor consumes
// windows from pkg/window and writes through pkg/store.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/profilecache"
	"github.com/engramhq/engram/pkg/store"
	"github.com/engramhq/engram/pkg/window"
)

const (
	// dedupeThreshold marks a new statement as superseding an existing
	// near-duplicate owned by the same extractor.
	dedupeThreshold = 0.85

	// shareThreshold appends this extractor to a near-identical profile
	// owned by a different extractor instead of inserting a duplicate.
	shareThreshold = 0.9

	// dedupeK is how many neighbors the dedupe lookup considers.
	dedupeK = 3
)

var profileDeltaSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"operations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"op": map[string]any{
						"type": "string",
						"enum": []any{"add", "replace", "keep", "drop"},
					},
					"profile_id": map[string]any{
						"type":        "string",
						"description": "Required for replace, keep, and drop.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The profile statement. Required for add and replace.",
					},
					"custom_features": map[string]any{
						"type":        "object",
						"description": "Optional structured attributes for the statement.",
					},
				},
				"required": []any{"op"},
			},
		},
	},
	"required": []any{"operations"},
}

type profileOp struct {
	Op             string          `json:"op"`
	ProfileID      string          `json:"profile_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	CustomFeatures json.RawMessage `json:"custom_features,omitempty"`
}

// ProfileExtractor derives semantic user profiles from windows.
type ProfileExtractor struct {
	store *store.Store
	cache *profilecache.Cache
	gen   llm.Generator
	emb   llm.Embedder
	log   *slog.Logger
}

func NewProfileExtractor(st *store.Store, cache *profilecache.Cache, gen llm.Generator, emb llm.Embedder) *ProfileExtractor {
	return &ProfileExtractor{
		store: st,
		cache: cache,
		gen:   gen,
		emb:   emb,
		log:   logger.New("extract.profile"),
	}
}

// Run processes one window end to end: gate, extract, embed, dedupe,
// apply. With pending set (reruns), added rows are written pending
// instead of current so the caller can promote them atomically.
func (e *ProfileExtractor) Run(ctx context.Context, orgID string, cfg *config.ProfileExtractorConfig, w *window.Window, pending bool) error {
	transcript := buildTranscript(w.Interactions, promptOverhead)
	if transcript == "" {
		return nil
	}

	run, reason, err := e.gen.ShouldRun(ctx, withCustomInstructions(profileGateSystem, cfg.CustomInstructions), transcript)
	if err != nil {
		return fmt.Errorf("profile gate failed: %w", err)
	}
	if !run {
		e.log.Debug("profile extraction skipped",
			"org_id", orgID, "extractor", cfg.ExtractorName, "user_id", w.ScopeKey, "reason", reason)
		return nil
	}

	existing, err := e.store.ListProfiles(ctx, orgID, store.ProfileFilter{
		UserID:        w.ScopeKey,
		ExtractorName: cfg.ExtractorName,
	})
	if err != nil {
		return err
	}

	prompt := buildProfilePrompt(existing, transcript)
	raw, err := e.gen.GenerateStructured(ctx,
		profileDeltaSchema,
		withCustomInstructions(profileExtractSystem, cfg.CustomInstructions),
		prompt)
	if err != nil {
		return fmt.Errorf("profile extraction failed: %w", err)
	}

	var out struct {
		Operations []profileOp `json:"operations"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to parse profile delta: %w", err)
	}

	delta, err := e.buildDelta(ctx, orgID, cfg, w, existing, out.Operations, pending)
	if err != nil {
		return err
	}
	if delta.Empty() {
		return nil
	}

	if err := e.store.ApplyProfileDelta(ctx, orgID, delta); err != nil {
		return err
	}
	e.cache.Invalidate(orgID)
	return nil
}

func (e *ProfileExtractor) buildDelta(ctx context.Context, orgID string, cfg *config.ProfileExtractorConfig, w *window.Window, existing []*store.Profile, ops []profileOp, pending bool) (*store.ProfileDelta, error) {
	requestID := newestRequestID(w)
	byID := make(map[string]*store.Profile, len(existing))
	for _, p := range existing {
		byID[p.ProfileID] = p
	}

	var expiration int64
	if ttl, finite := cfg.ProfileTTL.Duration(); finite {
		expiration = time.Now().Add(ttl).Unix()
	}

	delta := &store.ProfileDelta{ShareIDs: make(map[string]string)}
	event := func(profileID string, change store.ProfileChange, content string) {
		delta.Events = append(delta.Events, &store.ProfileEvent{
			RequestID:     requestID,
			ProfileID:     profileID,
			UserID:        w.ScopeKey,
			ExtractorName: cfg.ExtractorName,
			Change:        change,
			Content:       content,
		})
	}

	for _, op := range ops {
		switch op.Op {
		case "add", "replace":
			if strings.TrimSpace(op.Content) == "" {
				continue
			}
			if op.Op == "replace" {
				old, ok := byID[op.ProfileID]
				if !ok {
					e.log.Warn("replace for unknown profile, treating as add",
						"org_id", orgID, "profile_id", op.ProfileID)
				} else if !pending {
					delta.ArchiveIDs = append(delta.ArchiveIDs, old.ProfileID)
					event(old.ProfileID, store.ChangeRemoved, old.Content)
				}
			}
			if err := e.placeContent(ctx, orgID, cfg, w, op, requestID, expiration, pending, delta, event); err != nil {
				return nil, err
			}

		case "keep":
			if p, ok := byID[op.ProfileID]; ok {
				delta.TouchIDs = append(delta.TouchIDs, p.ProfileID)
				event(p.ProfileID, store.ChangeMentioned, p.Content)
			}

		case "drop":
			if p, ok := byID[op.ProfileID]; ok && !pending {
				delta.ArchiveIDs = append(delta.ArchiveIDs, p.ProfileID)
				event(p.ProfileID, store.ChangeRemoved, p.Content)
			}

		default:
			e.log.Warn("unknown profile operation", "org_id", orgID, "op", op.Op)
		}
	}
	return delta, nil
}

// placeContent embeds one new statement and routes it: share with a
// near-identical profile from another extractor, supersede an owned
// near-duplicate, or insert a new row.
func (e *ProfileExtractor) placeContent(ctx context.Context, orgID string, cfg *config.ProfileExtractorConfig, w *window.Window, op profileOp, requestID string, expiration int64, pending bool, delta *store.ProfileDelta, event func(string, store.ProfileChange, string)) error {
	vec, err := e.emb.Embed(ctx, op.Content)
	if err != nil {
		return fmt.Errorf("failed to embed profile content: %w", err)
	}

	hits, err := e.cache.Query(ctx, orgID, vec, dedupeK, w.ScopeKey, "")
	if err != nil {
		return err
	}

	if len(hits) > 0 {
		best := hits[0]
		if best.Similarity > shareThreshold && !ownedBy(best.Profile, cfg.ExtractorName) {
			delta.ShareIDs[best.Profile.ProfileID] = cfg.ExtractorName
			event(best.Profile.ProfileID, store.ChangeMentioned, best.Profile.Content)
			return nil
		}
		if best.Similarity >= dedupeThreshold && ownedBy(best.Profile, cfg.ExtractorName) {
			if best.Profile.Content == op.Content {
				delta.TouchIDs = append(delta.TouchIDs, best.Profile.ProfileID)
				event(best.Profile.ProfileID, store.ChangeMentioned, best.Profile.Content)
				return nil
			}
			// The fresh statement supersedes the near-duplicate. Reruns
			// leave current rows alone; promotion retires them instead.
			if !pending {
				delta.ArchiveIDs = append(delta.ArchiveIDs, best.Profile.ProfileID)
				event(best.Profile.ProfileID, store.ChangeRemoved, best.Profile.Content)
			}
		}
	}

	status := store.StatusCurrent
	if pending {
		status = store.StatusPending
	}
	profileID := store.DeterministicID(orgID, "profiles", w.ScopeKey, op.Content, cfg.ExtractorName)
	delta.Adds = append(delta.Adds, &store.Profile{
		ProfileID:              profileID,
		UserID:                 w.ScopeKey,
		Content:                op.Content,
		ExtractorNames:         []string{cfg.ExtractorName},
		CustomFeatures:         op.CustomFeatures,
		GeneratedFromRequestID: requestID,
		Status:                 status,
		Embedding:              vec,
		ExpirationAt:           expiration,
	})
	event(profileID, store.ChangeAdded, op.Content)
	return nil
}

func buildProfilePrompt(existing []*store.Profile, transcript string) string {
	var b strings.Builder
	b.WriteString("Current profile entries:\n")
	if len(existing) == 0 {
		b.WriteString("(none)\n")
	}
	for _, p := range existing {
		fmt.Fprintf(&b, "- id=%s: %s\n", p.ProfileID, p.Content)
	}
	b.WriteString("\nConversation window:\n")
	b.WriteString(transcript)
	return b.String()
}

func newestRequestID(w *window.Window) string {
	if len(w.RequestIDs) == 0 {
		return ""
	}
	return w.RequestIDs[len(w.RequestIDs)-1]
}

func ownedBy(p *store.Profile, extractor string) bool {
	for _, name := range p.ExtractorNames {
		if name == extractor {
			return true
		}
	}
	return false
}
