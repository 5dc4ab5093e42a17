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

package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, string) {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "engram.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.CreateInvite(ctx, "invite-1", "test"))
	org, key, err := s.CreateOrg(ctx, "invite-1", "acme")
	require.NoError(t, err)

	emb := llm.NewFakeEmbedder()
	factory := func(context.Context, *config.TenantLLMConfig) (llm.Generator, llm.Embedder, error) {
		return llm.NewFakeGenerator(), emb, nil
	}

	srv, err := New(ctx, s, factory, key, "test")
	require.NoError(t, err)
	return srv, s, org.OrgID
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// resultJSON decodes the text content of a non-error tool result.
func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestNewRejectsUnknownKey(t *testing.T) {
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "engram.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = New(context.Background(), s, nil, "egk_bogus", "test")
	assert.Error(t, err)
}

func TestSearchProfilesTool(t *testing.T) {
	srv, s, orgID := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyProfileDelta(ctx, orgID, &store.ProfileDelta{
		Adds: []*store.Profile{
			{UserID: "u1", Content: "prefers terse answers", ExtractorNames: []string{"prefs"}, Status: store.StatusCurrent},
			{UserID: "u2", Content: "works in finance", ExtractorNames: []string{"prefs"}, Status: store.StatusCurrent},
		},
	}))

	res, err := srv.searchProfiles(ctx, callRequest("search_profiles", map[string]any{
		"query":       "terse answers",
		"search_type": "fts",
		"user_id":     "u1",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	profiles, ok := out["profiles"].([]any)
	require.True(t, ok)
	require.Len(t, profiles, 1)
	doc := profiles[0].(map[string]any)
	assert.Equal(t, "prefers terse answers", doc["content"])
}

func TestSearchProfilesRequiresQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res, err := srv.searchProfiles(context.Background(),
		callRequest("search_profiles", map[string]any{"user_id": "u1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSearchFeedbacksTool(t *testing.T) {
	srv, s, orgID := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFeedback(ctx, orgID, &store.Feedback{
		AgentVersion:    "v1",
		FeedbackName:    "tone",
		FeedbackContent: "Avoid filler phrases when summarizing.",
		FeedbackStatus:  store.FeedbackApproved,
	}))

	res, err := srv.searchFeedbacks(ctx, callRequest("search_feedbacks", map[string]any{
		"query":         "filler phrases",
		"search_type":   "fts",
		"agent_version": "v1",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	feedbacks, ok := out["feedbacks"].([]any)
	require.True(t, ok)
	require.Len(t, feedbacks, 1)
}

func TestSearchInteractionsTool(t *testing.T) {
	srv, s, orgID := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.PublishRequest(ctx, orgID, &store.Request{
		RequestID:    "r1",
		UserID:       "u1",
		Source:       "conversation",
		AgentVersion: "v1",
	}, []*store.Interaction{
		{Role: "user", Content: "summarize the quarterly report"},
		{Role: "agent", Content: "here is the summary"},
	}))

	res, err := srv.searchInteractions(ctx, callRequest("search_interactions", map[string]any{
		"query":       "quarterly report",
		"search_type": "fts",
		"request_id":  "r1",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	interactions, ok := out["interactions"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, interactions)
}

func TestProfileChangeLogTool(t *testing.T) {
	srv, s, orgID := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyProfileDelta(ctx, orgID, &store.ProfileDelta{
		Adds: []*store.Profile{
			{ProfileID: "p1", UserID: "u1", Content: "likes bullet points",
				ExtractorNames: []string{"prefs"}, Status: store.StatusCurrent},
		},
		Events: []*store.ProfileEvent{
			{RequestID: "r1", ProfileID: "p1", UserID: "u1",
				ExtractorName: "prefs", Change: store.ChangeAdded, Content: "likes bullet points"},
		},
	}))

	res, err := srv.profileChangeLog(ctx,
		callRequest("get_profile_change_log", map[string]any{"request_id": "r1"}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	added, ok := out["added"].([]any)
	require.True(t, ok)
	require.Len(t, added, 1)
	assert.Empty(t, out["removed"])
	assert.Empty(t, out["mentioned"])

	res, err = srv.profileChangeLog(ctx,
		callRequest("get_profile_change_log", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
