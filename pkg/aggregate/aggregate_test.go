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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/store"
)

const testOrg = "org-test"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "engram.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCfg() *config.FeedbackExtractorConfig {
	cfg := &config.FeedbackExtractorConfig{FeedbackName: "tone", MinFeedbackThreshold: 3}
	cfg.SetDefaults()
	return cfg
}

func seedRaw(t *testing.T, s *store.Store, id, content string, emb []float32) {
	t.Helper()
	require.NoError(t, s.InsertRawFeedbacks(context.Background(), testOrg, []*store.RawFeedback{{
		RawFeedbackID:   id,
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: content,
		Embedding:       emb,
	}}))
}

func consolidatedJSON(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func pendingFeedbacks(t *testing.T, s *store.Store) []*store.Feedback {
	t.Helper()
	out, err := s.ListFeedbacks(context.Background(), testOrg, store.FeedbackFilter{
		AgentVersion:   "v1",
		FeedbackName:   "tone",
		FeedbackStatus: []store.FeedbackStatus{store.FeedbackPending},
	})
	require.NoError(t, err)
	return out
}

func TestRunInsertsPendingAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedRaw(t, s, fmt.Sprintf("r%d", i), fmt.Sprintf("be concise %d", i), axisVec(0, float64(i)*0.1))
	}

	gen := llm.NewFakeGenerator(consolidatedJSON(t, map[string]any{
		"feedback_content": "keep answers concise",
		"do_action":        "answer in at most three sentences",
		"when_condition":   "when the user asks a simple question",
	}))
	emb := llm.NewFakeEmbedder()
	agg := New(s, gen, emb)

	require.NoError(t, agg.Run(ctx, testOrg, testCfg(), "v1"))

	out := pendingFeedbacks(t, s)
	require.Len(t, out, 1)
	fb := out[0]
	assert.Equal(t, "keep answers concise", fb.FeedbackContent)
	assert.Equal(t, store.FeedbackPending, fb.FeedbackStatus)
	assert.Equal(t, 3, fb.Metadata.ClusterSize)
	assert.ElementsMatch(t, []string{"r0", "r1", "r2"}, fb.Metadata.RawFeedbackIDs)

	// Situational rules are indexed by their condition.
	want, err := emb.Embed(ctx, "when the user asks a simple question")
	require.NoError(t, err)
	assert.Equal(t, want, fb.Embedding)

	// The cluster members reach the consolidation prompt.
	require.Len(t, gen.Calls, 1)
	assert.Contains(t, gen.Calls[0].Prompt, "be concise 0")
}

func TestRunKeepsMatchingAggregateWithoutLLM(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedRaw(t, s, fmt.Sprintf("r%d", i), fmt.Sprintf("be concise %d", i), axisVec(0, float64(i)*0.1))
	}
	require.NoError(t, s.InsertFeedback(ctx, testOrg, &store.Feedback{
		FeedbackID:      "fb-existing",
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "keep answers concise",
		FeedbackStatus:  store.FeedbackApproved,
		Metadata:        store.FeedbackMetadata{RawFeedbackIDs: []string{"r0", "r1", "r2"}, ClusterSize: 3},
	}))

	// A generator with no scripted responses fails on any call; a clean run
	// proves the matching cluster skipped consolidation.
	gen := llm.NewFakeGenerator()
	agg := New(s, gen, llm.NewFakeEmbedder())
	require.NoError(t, agg.Run(ctx, testOrg, testCfg(), "v1"))
	assert.Empty(t, gen.Calls)

	out, err := s.ListFeedbacks(ctx, testOrg, store.FeedbackFilter{AgentVersion: "v1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fb-existing", out[0].FeedbackID)
	assert.Equal(t, 3, out[0].Metadata.ClusterSize)
}

func TestRunReplacesDriftedAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Four members now; the existing row was built from three of them plus
	// one since-deleted id, so the overlap lands between 0.5 and 0.8.
	for i := 0; i < 4; i++ {
		seedRaw(t, s, fmt.Sprintf("r%d", i), fmt.Sprintf("be concise %d", i), axisVec(0, float64(i)*0.05))
	}
	require.NoError(t, s.InsertFeedback(ctx, testOrg, &store.Feedback{
		FeedbackID:      "fb-old",
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "old consolidation",
		FeedbackStatus:  store.FeedbackApproved,
		Metadata:        store.FeedbackMetadata{RawFeedbackIDs: []string{"r0", "r1", "r2", "gone"}, ClusterSize: 4},
	}))

	cfg := testCfg()
	cfg.MinFeedbackThreshold = 4
	gen := llm.NewFakeGenerator(consolidatedJSON(t, map[string]any{
		"feedback_content": "fresh consolidation",
	}))
	agg := New(s, gen, llm.NewFakeEmbedder())
	require.NoError(t, agg.Run(ctx, testOrg, cfg, "v1"))

	archived, err := s.ListFeedbacks(ctx, testOrg, store.FeedbackFilter{
		AgentVersion:   "v1",
		Statuses:       []store.Status{store.StatusArchived},
		FeedbackStatus: []store.FeedbackStatus{store.FeedbackApproved},
	})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "fb-old", archived[0].FeedbackID)

	out := pendingFeedbacks(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "fresh consolidation", out[0].FeedbackContent)
}

func TestRunArchivesSubsumedAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The old row covered a single member of what is now a five-point
	// cluster: overlap 0.2, strict subset.
	for i := 0; i < 5; i++ {
		seedRaw(t, s, fmt.Sprintf("r%d", i), fmt.Sprintf("be concise %d", i), axisVec(0, float64(i)*0.05))
	}
	require.NoError(t, s.InsertFeedback(ctx, testOrg, &store.Feedback{
		FeedbackID:      "fb-tiny",
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "early consolidation",
		FeedbackStatus:  store.FeedbackApproved,
		Metadata:        store.FeedbackMetadata{RawFeedbackIDs: []string{"r0"}, ClusterSize: 1},
	}))

	cfg := testCfg()
	cfg.MinFeedbackThreshold = 5
	gen := llm.NewFakeGenerator(consolidatedJSON(t, map[string]any{
		"feedback_content": "broader consolidation",
	}))
	agg := New(s, gen, llm.NewFakeEmbedder())
	require.NoError(t, agg.Run(ctx, testOrg, cfg, "v1"))

	archived, err := s.ListFeedbacks(ctx, testOrg, store.FeedbackFilter{
		AgentVersion:   "v1",
		Statuses:       []store.Status{store.StatusArchived},
		FeedbackStatus: []store.FeedbackStatus{store.FeedbackApproved},
	})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "fb-tiny", archived[0].FeedbackID)

	out := pendingFeedbacks(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "broader consolidation", out[0].FeedbackContent)
}

func TestRunNoiseStaysUnaggregated(t *testing.T) {
	s := newTestStore(t)

	seedRaw(t, s, "a", "one thing", axisVec(0, 0))
	seedRaw(t, s, "b", "another thing", axisVec(10, 0))
	seedRaw(t, s, "c", "third thing", axisVec(20, 0))

	gen := llm.NewFakeGenerator()
	agg := New(s, gen, llm.NewFakeEmbedder())
	require.NoError(t, agg.Run(context.Background(), testOrg, testCfg(), "v1"))

	assert.Empty(t, gen.Calls)
	assert.Empty(t, pendingFeedbacks(t, s))
}

func TestRunBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	seedRaw(t, s, "a", "one thing", axisVec(0, 0))
	seedRaw(t, s, "b", "same thing", axisVec(0, 0.01))

	gen := llm.NewFakeGenerator()
	agg := New(s, gen, llm.NewFakeEmbedder())
	require.NoError(t, agg.Run(context.Background(), testOrg, testCfg(), "v1"))
	assert.Empty(t, gen.Calls)
}

func TestSynthesizeSkill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFeedback(ctx, testOrg, &store.Feedback{
		FeedbackID:      "fb1",
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "keep answers concise",
		FeedbackStatus:  store.FeedbackApproved,
		Metadata:        store.FeedbackMetadata{RawFeedbackIDs: []string{"r1", "r2"}},
	}))
	require.NoError(t, s.InsertFeedback(ctx, testOrg, &store.Feedback{
		FeedbackID:      "fb2",
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "cite sources for factual claims",
		FeedbackStatus:  store.FeedbackApproved,
		Metadata:        store.FeedbackMetadata{RawFeedbackIDs: []string{"r2", "r3"}},
	}))
	// Pending rows never reach synthesis.
	require.NoError(t, s.InsertFeedback(ctx, testOrg, &store.Feedback{
		FeedbackID:      "fb3",
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "unreviewed rule",
		FeedbackStatus:  store.FeedbackPending,
		Metadata:        store.FeedbackMetadata{RawFeedbackIDs: []string{"r4"}},
	}))

	gen := llm.NewFakeGenerator(consolidatedJSON(t, map[string]any{
		"skill_name":    "answer_style",
		"description":   "How the agent should shape its answers.",
		"instructions":  "Keep answers concise and cite sources for factual claims.",
		"allowed_tools": []string{"search"},
	}))
	agg := New(s, gen, llm.NewFakeEmbedder())

	sk, err := agg.SynthesizeSkill(ctx, testOrg, "v1", "tone")
	require.NoError(t, err)
	assert.Equal(t, "answer_style", sk.SkillName)
	assert.Equal(t, store.SkillDraft, sk.SkillStatus)
	assert.ElementsMatch(t, []string{"fb1", "fb2"}, sk.FeedbackIDs)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, sk.RawFeedbackIDs)

	require.Len(t, gen.Calls, 1)
	assert.Contains(t, gen.Calls[0].Prompt, "keep answers concise")
	assert.NotContains(t, gen.Calls[0].Prompt, "unreviewed rule")

	skills, err := s.ListSkills(ctx, testOrg, store.FeedbackFilter{AgentVersion: "v1", FeedbackName: "tone"}, nil)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, sk.SkillID, skills[0].SkillID)
	assert.Equal(t, []string{"search"}, skills[0].AllowedTools)
}

func TestSynthesizeSkillRequiresApprovedFeedbacks(t *testing.T) {
	s := newTestStore(t)
	agg := New(s, llm.NewFakeGenerator(), llm.NewFakeEmbedder())

	_, err := agg.SynthesizeSkill(context.Background(), testOrg, "v1", "tone")
	require.Error(t, err)
	assert.Equal(t, apierror.CodeNotFound, apierror.CodeOf(err))
}
