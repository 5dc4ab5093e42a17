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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/auth"
	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/profilecache"
	"github.com/engramhq/engram/pkg/store"
)

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	org    *store.Org
	apiKey string
	gen    *llm.FakeGenerator
	emb    *llm.FakeEmbedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "engram.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	gen := llm.NewFakeGenerator()
	emb := llm.NewFakeEmbedder()
	factory := func(context.Context, *config.TenantLLMConfig) (llm.Generator, llm.Embedder, error) {
		return gen, emb, nil
	}

	cache := profilecache.New(s)
	coord := pipeline.New(s, cache, factory, 0)
	srv := httptest.NewServer(New(s, cache, coord, factory).Router())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, store: s, gen: gen, emb: emb}

	require.NoError(t, s.CreateInvite(context.Background(), "invite-1", "test"))
	status, body := env.do(t, http.MethodPost, "/v1/orgs",
		map[string]any{"invite_code": "invite-1", "name": "acme"})
	require.Equal(t, http.StatusCreated, status)

	env.apiKey = body["api_key"].(string)
	orgDoc := body["org"].(map[string]any)
	env.org = &store.Org{OrgID: orgDoc["org_id"].(string), Name: orgDoc["name"].(string)}
	return env
}

// do issues a request with the env's API key and decodes the envelope.
func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if e.apiKey != "" {
		req.Header.Set(auth.HeaderAPIKey, e.apiKey)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (e *testEnv) setConfig(t *testing.T, cfg *config.TenantConfig) {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, e.store.SetTenantConfig(context.Background(), e.org.OrgID, raw))
}

func publishBodyFor(reqID string, wait bool, turns ...string) map[string]any {
	ins := make([]map[string]any, len(turns))
	for i, content := range turns {
		role := "user"
		if i%2 == 1 {
			role = "agent"
		}
		ins[i] = map[string]any{"role": role, "content": content}
	}
	return map[string]any{
		"wait_for_response": wait,
		"requests": []map[string]any{{
			"request_id":    reqID,
			"user_id":       "u1",
			"source":        "conversation",
			"agent_version": "v1",
			"interactions":  ins,
		}},
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateOrgInviteIsSingleUse(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/orgs",
		map[string]any{"invite_code": "invite-1", "name": "second"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "AUTH", body["code"])
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	env.apiKey = ""

	status, body := env.do(t, http.MethodGet, "/v1/requests", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "AUTH", body["code"])
}

func TestPublishAndReadBack(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/interactions",
		publishBodyFor("r1", true, "hello there", "hi, how can I help"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["published"])

	status, body = env.do(t, http.MethodGet, "/v1/interactions?request_id=r1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["interactions"], 2)

	status, body = env.do(t, http.MethodGet, "/v1/requests?user_id=u1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["requests"], 1)

	// Interactions were embedded at publish time.
	ins, err := env.store.GetInteractions(context.Background(), env.org.OrgID,
		store.InteractionFilter{RequestID: "r1"})
	require.NoError(t, err)
	for _, in := range ins {
		assert.Len(t, in.Embedding, llm.EmbeddingDim)
	}
}

func TestPublishValidation(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/interactions",
		map[string]any{"requests": []any{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestDeleteRequestCascades(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/interactions",
		publishBodyFor("r1", false, "first", "second"))
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, "/v1/requests/r1", nil)
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/v1/interactions?request_id=r1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["interactions"])

	status, body = env.do(t, http.MethodDelete, "/v1/requests/r1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestSearchInteractionsFTS(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/interactions",
		publishBodyFor("r1", false, "the quarterly report is late", "noted"))
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodPost, "/v1/interactions/search",
		map[string]any{"query": "quarterly report", "search_type": "fts"})
	require.Equal(t, http.StatusOK, status)
	hits := body["interactions"].([]any)
	require.NotEmpty(t, hits)
	first := hits[0].(map[string]any)
	assert.Equal(t, "the quarterly report is late", first["content"])
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/interactions/search",
		map[string]any{"query": "   ", "search_type": "hybrid"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestProfileLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.setConfig(t, &config.TenantConfig{
		Profiles: []config.ProfileExtractorConfig{{
			ExtractorName: "prefs",
			Trigger:       config.TriggerConfig{WindowSize: 2, Stride: 2},
		}},
	})

	delta, err := json.Marshal(map[string]any{
		"operations": []map[string]any{{"op": "add", "content": "prefers short answers"}},
	})
	require.NoError(t, err)
	env.gen.Responses = []json.RawMessage{delta}

	status, _ := env.do(t, http.MethodPost, "/v1/interactions",
		publishBodyFor("r1", true, "keep it brief please", "will do"))
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/v1/profiles?user_id=u1&force_refresh=true", nil)
	require.Equal(t, http.StatusOK, status)
	profiles := body["profiles"].([]any)
	require.Len(t, profiles, 1)
	assert.Equal(t, "prefers short answers", profiles[0].(map[string]any)["content"])

	status, body = env.do(t, http.MethodGet, "/v1/requests/r1/profile-changes", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["added"], 1)
	assert.Empty(t, body["removed"])

	status, body = env.do(t, http.MethodDelete, "/v1/users/u1/profiles", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["archived"])

	status, body = env.do(t, http.MethodGet, "/v1/profiles?user_id=u1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["profiles"])
}

func TestManualProfileRunValidation(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/profiles/generate",
		map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])

	// Configured extractors only.
	status, body = env.do(t, http.MethodPost, "/v1/profiles/rerun",
		map[string]any{"extractor_name": "ghost", "user_id": "u1"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestRawFeedbackRoutes(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/feedbacks/raw", map[string]any{
		"agent_version":    "v1",
		"feedback_name":    "tone",
		"feedback_content": "user dislikes emoji",
		"when_condition":   "writing chat replies",
	})
	require.Equal(t, http.StatusOK, status)
	inserted := body["raw_feedback"].(map[string]any)
	assert.Equal(t, "writing chat replies", inserted["indexed_content"])

	raws, err := env.store.ListRawFeedbacks(context.Background(), env.org.OrgID,
		store.FeedbackFilter{AgentVersion: "v1"})
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Len(t, raws[0].Embedding, llm.EmbeddingDim)

	status, body = env.do(t, http.MethodGet, "/v1/feedbacks/raw?feedback_name=tone", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["raw_feedbacks"], 1)

	status, body = env.do(t, http.MethodPost, "/v1/feedbacks/raw",
		map[string]any{"feedback_name": "tone", "feedback_content": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestFeedbackApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fb := &store.Feedback{
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "avoid emoji in replies",
		FeedbackStatus:  store.FeedbackPending,
	}
	require.NoError(t, env.store.InsertFeedback(ctx, env.org.OrgID, fb))

	// Default read is approved only.
	status, body := env.do(t, http.MethodGet, "/v1/feedbacks?agent_version=v1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["feedbacks"])

	status, body = env.do(t, http.MethodGet, "/v1/feedbacks?agent_version=v1&feedback_status=pending", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["feedbacks"], 1)

	status, _ = env.do(t, http.MethodPatch, "/v1/feedbacks/"+fb.FeedbackID+"/status",
		map[string]any{"feedback_status": "approved"})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/v1/feedbacks?agent_version=v1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["feedbacks"], 1)

	status, body = env.do(t, http.MethodPatch, "/v1/feedbacks/"+fb.FeedbackID+"/status",
		map[string]any{"feedback_status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestAddFeedbacksDefaultsToApproved(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/feedbacks", map[string]any{
		"feedbacks": []map[string]any{{
			"agent_version":    "v1",
			"feedback_name":    "tone",
			"feedback_content": "always greet the user by name",
		}},
	})
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/v1/feedbacks?agent_version=v1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["feedbacks"], 1)
}

func TestSkillStatusRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sk := &store.Skill{
		AgentVersion: "v1",
		FeedbackName: "tone",
		SkillName:    "friendly-tone",
		Instructions: "Greet users warmly.",
		FeedbackIDs:  []string{"f1"},
	}
	require.NoError(t, env.store.InsertSkill(ctx, env.org.OrgID, sk))

	status, _ := env.do(t, http.MethodPatch, "/v1/skills/"+sk.SkillID+"/status",
		map[string]any{"skill_status": "active"})
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/v1/skills?skill_status=active", nil)
	require.Equal(t, http.StatusOK, status)
	skills := body["skills"].([]any)
	require.Len(t, skills, 1)
	assert.Equal(t, "friendly-tone", skills[0].(map[string]any)["skill_name"])

	status, body = env.do(t, http.MethodPatch, "/v1/skills/missing/status",
		map[string]any{"skill_status": "active"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestSuccessEvaluationRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.InsertSuccessResult(ctx, env.org.OrgID, &store.SuccessResult{
		EvaluationName: "quality", AgentVersion: "v1", RequestID: "r1", IsSuccess: true,
	}))
	require.NoError(t, env.store.InsertSuccessResult(ctx, env.org.OrgID, &store.SuccessResult{
		EvaluationName: "quality", AgentVersion: "v1", RequestID: "r2",
		IsSuccess: false, FailureType: "wrong_tool",
	}))

	status, body := env.do(t, http.MethodGet, "/v1/success-evaluations?evaluation_name=quality", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["results"], 2)

	status, body = env.do(t, http.MethodGet, "/v1/success-evaluations?is_success=false", nil)
	require.Equal(t, http.StatusOK, status)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "wrong_tool", results[0].(map[string]any)["failure_type"])

	status, body = env.do(t, http.MethodGet, "/v1/success-evaluations?is_success=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])

	// Rerun against an unconfigured evaluation.
	status, body = env.do(t, http.MethodPost, "/v1/success-evaluations/rerun",
		map[string]any{"evaluation_name": "quality", "agent_version": "v1"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	doc := map[string]any{
		"profile_config": []map[string]any{{"extractor_name": "prefs"}},
	}
	status, body := env.do(t, http.MethodPut, "/v1/config", doc)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, status)
	cfg := body["config"].(map[string]any)
	extractors := cfg["profile_config"].([]any)
	require.Len(t, extractors, 1)
	first := extractors[0].(map[string]any)
	assert.Equal(t, "prefs", first["extractor_name"])
	// Defaults were applied before storing the view.
	trigger := first["trigger"].(map[string]any)
	assert.Equal(t, float64(20), trigger["window_size"])

	status, body = env.do(t, http.MethodPut, "/v1/config",
		map[string]any{"llm_config": map[string]any{"provider": "martian"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodDelete, "/v1/interactions/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "VALIDATION", body["code"])
	msg, ok := body["message"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, msg)
	assert.NotEmpty(t, fmt.Sprint(body["code"]))
}

func TestDeleteProfileRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := &store.Profile{
		UserID:         "u1",
		Content:        "prefers short answers",
		ExtractorNames: []string{"prefs"},
	}
	require.NoError(t, env.store.ApplyProfileDelta(ctx, env.org.OrgID, &store.ProfileDelta{
		Adds: []*store.Profile{p},
	}))

	status, _ := env.do(t, http.MethodDelete, "/v1/profiles/"+p.ProfileID, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/v1/profiles?user_id=u1&force_refresh=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["profiles"])

	status, body = env.do(t, http.MethodDelete, "/v1/profiles/"+p.ProfileID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestPromoteProfilesRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	current := &store.Profile{
		UserID:         "u1",
		Content:        "uses vi",
		ExtractorNames: []string{"prefs"},
	}
	pending := &store.Profile{
		UserID:         "u1",
		Content:        "uses vim and emacs",
		ExtractorNames: []string{"prefs"},
		Status:         store.StatusPending,
	}
	require.NoError(t, env.store.ApplyProfileDelta(ctx, env.org.OrgID, &store.ProfileDelta{
		Adds: []*store.Profile{current, pending},
	}))

	status, body := env.do(t, http.MethodPost, "/v1/profiles/promote",
		map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", body["code"])

	status, _ = env.do(t, http.MethodPost, "/v1/profiles/promote",
		map[string]any{"extractor_name": "prefs", "user_id": "u1"})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/v1/profiles?user_id=u1&force_refresh=true", nil)
	require.Equal(t, http.StatusOK, status)
	profiles := body["profiles"].([]any)
	require.Len(t, profiles, 1)
	assert.Equal(t, "uses vim and emacs", profiles[0].(map[string]any)["content"])
}

func TestDeleteFeedbackRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fb := &store.Feedback{
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "avoid emoji in replies",
		FeedbackStatus:  store.FeedbackApproved,
	}
	require.NoError(t, env.store.InsertFeedback(ctx, env.org.OrgID, fb))

	status, body := env.do(t, http.MethodPost, "/v1/feedbacks/raw", map[string]any{
		"agent_version":    "v1",
		"feedback_name":    "tone",
		"feedback_content": "user dislikes emoji",
	})
	require.Equal(t, http.StatusOK, status)
	rawID := body["raw_feedback"].(map[string]any)["raw_feedback_id"].(string)

	status, _ = env.do(t, http.MethodDelete, "/v1/feedbacks/"+fb.FeedbackID, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/v1/feedbacks?agent_version=v1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["feedbacks"])

	status, _ = env.do(t, http.MethodDelete, "/v1/feedbacks/raw/"+rawID, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/v1/feedbacks/raw?feedback_name=tone", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["raw_feedbacks"])

	status, body = env.do(t, http.MethodDelete, "/v1/feedbacks/"+fb.FeedbackID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])

	status, body = env.do(t, http.MethodDelete, "/v1/feedbacks/raw/"+rawID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestDeleteRequestGroupCascades(t *testing.T) {
	env := newTestEnv(t)

	grouped := func(reqID string) map[string]any {
		return map[string]any{
			"request_id":    reqID,
			"user_id":       "u1",
			"source":        "conversation",
			"agent_version": "v1",
			"request_group": "task-7",
			"interactions": []map[string]any{
				{"role": "user", "content": "step for " + reqID},
			},
		}
	}
	status, _ := env.do(t, http.MethodPost, "/v1/interactions", map[string]any{
		"requests": []map[string]any{grouped("g1"), grouped("g2")},
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPost, "/v1/interactions",
		publishBodyFor("solo", false, "standalone question", "the answer"))
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, "/v1/request-groups/task-7", nil)
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/v1/requests?request_group=task-7", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["requests"])

	status, body = env.do(t, http.MethodGet, "/v1/interactions?request_id=g1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["interactions"])

	// Ungrouped requests survive.
	status, body = env.do(t, http.MethodGet, "/v1/requests?user_id=u1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["requests"], 1)
}
