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
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/profilecache"
	"github.com/engramhq/engram/pkg/store"
	"github.com/engramhq/engram/pkg/window"
)

const testOrg = "org-test"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "engram.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// axisVec returns a unit embedding along one axis, rotated by theta
// radians toward the next axis.
func axisVec(axis int, theta float64) []float32 {
	v := make([]float32, store.EmbeddingDim)
	v[axis] = float32(math.Cos(theta))
	v[(axis+1)%store.EmbeddingDim] = float32(math.Sin(theta))
	return v
}

// convWindow builds a window directly, alternating user and agent turns.
func convWindow(kind window.Kind, extractor, scope, reqID string, turns ...string) *window.Window {
	ins := make([]*store.Interaction, len(turns))
	for i, content := range turns {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAgent
		}
		ins[i] = &store.Interaction{
			InteractionID: int64(i + 1),
			RequestID:     reqID,
			UserID:        "u1",
			Role:          role,
			Content:       content,
		}
	}
	return &window.Window{
		Kind:          kind,
		ExtractorName: extractor,
		ScopeKey:      scope,
		Interactions:  ins,
		RequestIDs:    []string{reqID},
	}
}

func profileCfg(name string) *config.ProfileExtractorConfig {
	cfg := &config.ProfileExtractorConfig{ExtractorName: name}
	cfg.SetDefaults()
	return cfg
}

func deltaJSON(t *testing.T, ops ...map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"operations": ops})
	require.NoError(t, err)
	return raw
}

func seedProfile(t *testing.T, s *store.Store, userID, content string, extractors []string, emb []float32) string {
	t.Helper()
	p := &store.Profile{
		UserID:         userID,
		Content:        content,
		ExtractorNames: extractors,
		Embedding:      emb,
	}
	require.NoError(t, s.ApplyProfileDelta(context.Background(), testOrg, &store.ProfileDelta{
		Adds: []*store.Profile{p},
	}))
	return p.ProfileID
}

func TestProfileGateSkipsWindow(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	gen := llm.NewFakeGenerator()
	gen.GateDeny = true
	gen.Reason = "no durable facts"
	ex := NewProfileExtractor(s, cache, gen, llm.NewFakeEmbedder())

	w := convWindow(window.KindProfile, "prefs", "u1", "r1", "what is 2+2", "4")
	require.NoError(t, ex.Run(context.Background(), testOrg, profileCfg("prefs"), w, false))

	assert.Empty(t, gen.Calls)
	profiles, err := s.ListProfiles(context.Background(), testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestProfileAdd(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "add", "content": "prefers dark mode"}))
	ex := NewProfileExtractor(s, cache, gen, llm.NewFakeEmbedder())
	ctx := context.Background()

	w := convWindow(window.KindProfile, "prefs", "u1", "r1",
		"please switch to dark mode", "done, dark mode enabled")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, false))

	profiles, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "prefers dark mode", profiles[0].Content)
	assert.Equal(t, []string{"prefs"}, profiles[0].ExtractorNames)
	assert.Equal(t, store.StatusCurrent, profiles[0].Status)
	assert.Equal(t, "r1", profiles[0].GeneratedFromRequestID)
	assert.Zero(t, profiles[0].ExpirationAt)

	events, err := s.GetProfileChangeLog(ctx, testOrg, "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.ChangeAdded, events[0].Change)
	assert.Equal(t, profiles[0].ProfileID, events[0].ProfileID)
}

func TestProfileReplaceKeepDrop(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	ctx := context.Background()

	vim := seedProfile(t, s, "u1", "uses vim", []string{"prefs"}, axisVec(0, 0))
	tabs := seedProfile(t, s, "u1", "prefers tabs", []string{"prefs"}, axisVec(10, 0))
	slack := seedProfile(t, s, "u1", "reachable on slack", []string{"prefs"}, axisVec(20, 0))

	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "replace", "profile_id": vim, "content": "uses emacs"},
		map[string]any{"op": "keep", "profile_id": tabs},
		map[string]any{"op": "drop", "profile_id": slack}))
	emb := llm.NewFakeEmbedder()
	emb.Set("uses emacs", axisVec(30, 0))
	ex := NewProfileExtractor(s, cache, gen, emb)

	w := convWindow(window.KindProfile, "prefs", "u1", "r2",
		"I switched from vim to emacs and dropped slack", "noted")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, false))

	current, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	contents := make(map[string]bool, len(current))
	for _, p := range current {
		contents[p.Content] = true
	}
	assert.Equal(t, map[string]bool{"uses emacs": true, "prefers tabs": true}, contents)

	archived, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{
		UserID:   "u1",
		Statuses: []store.Status{store.StatusArchived},
	})
	require.NoError(t, err)
	assert.Len(t, archived, 2)

	events, err := s.GetProfileChangeLog(ctx, testOrg, "r2")
	require.NoError(t, err)
	byChange := make(map[store.ProfileChange]int)
	for _, ev := range events {
		byChange[ev.Change]++
	}
	assert.Equal(t, 1, byChange[store.ChangeAdded])
	assert.Equal(t, 2, byChange[store.ChangeRemoved])
	assert.Equal(t, 1, byChange[store.ChangeMentioned])
}

func TestProfileDedupeSupersedesNearDuplicate(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	ctx := context.Background()

	existing := seedProfile(t, s, "u1", "prefers dark mode", []string{"prefs"}, axisVec(0, 0))

	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "add", "content": "prefers dark mode except when reading PDFs"}))
	emb := llm.NewFakeEmbedder()
	// cos(0.3) ~ 0.955: above the dedupe threshold, same owner.
	emb.Set("prefers dark mode except when reading PDFs", axisVec(0, 0.3))
	ex := NewProfileExtractor(s, cache, gen, emb)

	w := convWindow(window.KindProfile, "prefs", "u1", "r3", "dark mode, but not for PDFs", "sure")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, false))

	// The refined statement replaces the near-duplicate it collided with.
	current, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "prefers dark mode except when reading PDFs", current[0].Content)
	assert.NotEqual(t, existing, current[0].ProfileID)

	archived, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{
		UserID:   "u1",
		Statuses: []store.Status{store.StatusArchived},
	})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, existing, archived[0].ProfileID)

	events, err := s.GetProfileChangeLog(ctx, testOrg, "r3")
	require.NoError(t, err)
	byChange := make(map[store.ProfileChange]string)
	for _, ev := range events {
		byChange[ev.Change] = ev.ProfileID
	}
	assert.Equal(t, existing, byChange[store.ChangeRemoved])
	assert.Equal(t, current[0].ProfileID, byChange[store.ChangeAdded])
}

func TestProfileDedupeIdenticalContentTouches(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	ctx := context.Background()

	existing := seedProfile(t, s, "u1", "prefers dark mode", []string{"prefs"}, axisVec(0, 0))

	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "add", "content": "prefers dark mode"}))
	emb := llm.NewFakeEmbedder()
	emb.Set("prefers dark mode", axisVec(0, 0.05))
	ex := NewProfileExtractor(s, cache, gen, emb)

	w := convWindow(window.KindProfile, "prefs", "u1", "r3", "dark mode again please", "already on")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, false))

	// Re-adding the same statement is a mention, not churn.
	profiles, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, existing, profiles[0].ProfileID)

	events, err := s.GetProfileChangeLog(ctx, testOrg, "r3")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.ChangeMentioned, events[0].Change)
}

func TestProfileSharesAcrossExtractors(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	ctx := context.Background()

	existing := seedProfile(t, s, "u1", "works in UTC+2", []string{"background"}, axisVec(0, 0))

	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "add", "content": "based in a UTC+2 timezone"}))
	emb := llm.NewFakeEmbedder()
	// cos(0.1) ~ 0.995: above the share threshold, different owner.
	emb.Set("based in a UTC+2 timezone", axisVec(0, 0.1))
	ex := NewProfileExtractor(s, cache, gen, emb)

	w := convWindow(window.KindProfile, "prefs", "u1", "r4", "schedule around UTC+2", "ok")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, false))

	profiles, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, existing, profiles[0].ProfileID)
	assert.ElementsMatch(t, []string{"background", "prefs"}, profiles[0].ExtractorNames)
}

func TestProfileTTLSetsExpiration(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "add", "content": "traveling this week"}))
	ex := NewProfileExtractor(s, cache, gen, llm.NewFakeEmbedder())
	ctx := context.Background()

	cfg := profileCfg("prefs")
	cfg.ProfileTTL = config.TTLOneDay

	w := convWindow(window.KindProfile, "prefs", "u1", "r5", "I am traveling this week", "safe travels")
	require.NoError(t, ex.Run(ctx, testOrg, cfg, w, false))

	profiles, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Greater(t, profiles[0].ExpirationAt, int64(0))
}

func TestProfileRerunWritesPending(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "add", "content": "prefers short answers"}))
	ex := NewProfileExtractor(s, cache, gen, llm.NewFakeEmbedder())
	ctx := context.Background()

	w := convWindow(window.KindProfile, "prefs", "u1", "r6", "keep it short", "will do")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, true))

	current, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, current)

	pending, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{
		UserID:   "u1",
		Statuses: []store.Status{store.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.PromotePendingProfiles(ctx, testOrg, "u1", "prefs"))
	current, err = s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestProfileRerunLeavesCurrentUntouched(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	ctx := context.Background()

	existing := seedProfile(t, s, "u1", "prefers dark mode", []string{"prefs"}, axisVec(0, 0))

	gen := llm.NewFakeGenerator(deltaJSON(t,
		map[string]any{"op": "replace", "profile_id": existing, "content": "prefers light mode"}))
	emb := llm.NewFakeEmbedder()
	emb.Set("prefers light mode", axisVec(40, 0))
	ex := NewProfileExtractor(s, cache, gen, emb)

	w := convWindow(window.KindProfile, "prefs", "u1", "r6", "switch me to light mode", "done")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, true))

	// A rerun pass never archives what readers currently see.
	current, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, existing, current[0].ProfileID)

	pending, err := s.ListProfiles(ctx, testOrg, store.ProfileFilter{
		UserID:   "u1",
		Statuses: []store.Status{store.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "prefers light mode", pending[0].Content)

	require.NoError(t, s.PromotePendingProfiles(ctx, testOrg, "u1", "prefs"))
	current, err = s.ListProfiles(ctx, testOrg, store.ProfileFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "prefers light mode", current[0].Content)
}

func TestProfilePromptCarriesExistingEntries(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	ctx := context.Background()

	id := seedProfile(t, s, "u1", "uses vim", []string{"prefs"}, axisVec(0, 0))

	gen := llm.NewFakeGenerator(deltaJSON(t, map[string]any{"op": "keep", "profile_id": id}))
	ex := NewProfileExtractor(s, cache, gen, llm.NewFakeEmbedder())

	w := convWindow(window.KindProfile, "prefs", "u1", "r7", "still on vim", "noted")
	require.NoError(t, ex.Run(ctx, testOrg, profileCfg("prefs"), w, false))

	require.Len(t, gen.Calls, 1)
	assert.Contains(t, gen.Calls[0].Prompt, id)
	assert.Contains(t, gen.Calls[0].Prompt, "uses vim")
	assert.Contains(t, gen.Calls[0].Prompt, "[user] still on vim")
}

func TestProfileEmptyWindow(t *testing.T) {
	s := newTestStore(t)
	cache := profilecache.New(s)
	gen := llm.NewFakeGenerator()
	ex := NewProfileExtractor(s, cache, gen, llm.NewFakeEmbedder())

	w := &window.Window{Kind: window.KindProfile, ExtractorName: "prefs", ScopeKey: "u1"}
	require.NoError(t, ex.Run(context.Background(), testOrg, profileCfg("prefs"), w, false))
	assert.Empty(t, gen.Calls)
}
