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

package window

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/config"
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

func publish(t *testing.T, s *store.Store, requestID, userID string, roles ...store.Role) {
	t.Helper()
	req := &store.Request{RequestID: requestID, UserID: userID, Source: "conversation", AgentVersion: "v1"}
	var ins []*store.Interaction
	for i, role := range roles {
		ins = append(ins, &store.Interaction{Role: role, Content: fmt.Sprintf("%s turn %d", requestID, i)})
	}
	require.NoError(t, s.PublishRequest(context.Background(), testOrg, req, ins))
}

func trigger(windowSize, stride int) config.TriggerConfig {
	trig := config.TriggerConfig{WindowSize: windowSize, Stride: stride}
	trig.SetDefaults()
	trig.WindowSize = windowSize
	trig.Stride = stride
	return trig
}

func TestIncrementalFiresAtWindowSize(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	publish(t, s, "r1", "u1", store.RoleUser, store.RoleAgent, store.RoleUser)

	windows, err := a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 2))
	require.NoError(t, err)
	assert.Empty(t, windows)

	publish(t, s, "r2", "u1", store.RoleUser)

	windows, err = a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 2))
	require.NoError(t, err)
	require.Len(t, windows, 1)

	w := windows[0]
	assert.Equal(t, KindProfile, w.Kind)
	assert.Equal(t, "u1", w.ScopeKey)
	assert.Len(t, w.Interactions, 4)
	assert.Equal(t, []string{"r1", "r2"}, w.RequestIDs)
	// Stride 2 parks the cursor on the second interaction.
	assert.Equal(t, w.Interactions[1].InteractionID, w.NextCursor)
}

func TestIncrementalOverlappingWindows(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	// 8 eligible interactions, window 4 stride 2: windows [1..4], [3..6],
	// [5..8] are all ready in one pass.
	for i := 0; i < 8; i++ {
		publish(t, s, fmt.Sprintf("r%d", i), "u1", store.RoleUser)
	}

	windows, err := a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 2))
	require.NoError(t, err)
	require.Len(t, windows, 3)

	assert.Equal(t, int64(1), windows[0].Interactions[0].InteractionID)
	assert.Equal(t, int64(3), windows[1].Interactions[0].InteractionID)
	assert.Equal(t, int64(5), windows[2].Interactions[0].InteractionID)
}

func TestIncrementalResumesFromCommittedCursor(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		publish(t, s, fmt.Sprintf("r%d", i), "u1", store.RoleUser)
	}

	windows, err := a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 4))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.NoError(t, a.CommitCursor(ctx, testOrg, windows[0]))

	// Nothing new past the cursor yet.
	windows, err = a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 4))
	require.NoError(t, err)
	assert.Empty(t, windows)

	for i := 4; i < 8; i++ {
		publish(t, s, fmt.Sprintf("r%d", i), "u1", store.RoleUser)
	}

	windows, err = a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 4))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(5), windows[0].Interactions[0].InteractionID)
}

func TestIncrementalSkipsDeletedWithoutResettingOverlap(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		publish(t, s, fmt.Sprintf("r%d", i), "u1", store.RoleUser)
	}
	require.NoError(t, s.DeleteInteraction(ctx, testOrg, 2))

	windows, err := a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 2))
	require.NoError(t, err)
	require.Len(t, windows, 1)

	ids := make([]int64, 0, 4)
	for _, in := range windows[0].Interactions {
		ids = append(ids, in.InteractionID)
	}
	assert.Equal(t, []int64{1, 3, 4, 5}, ids)
	// Stride counts eligible rows, so the cursor lands past the gap.
	assert.Equal(t, int64(3), windows[0].NextCursor)
}

func TestSourceEligibility(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	// Conversation turns plus a system turn and a custom-source request.
	publish(t, s, "r1", "u1", store.RoleUser, store.RoleSystem, store.RoleAgent)
	req := &store.Request{RequestID: "r2", UserID: "u1", Source: "crm_sync", AgentVersion: "v1"}
	require.NoError(t, s.PublishRequest(ctx, testOrg, req, []*store.Interaction{
		{Role: store.RoleSystem, Content: "imported record"},
	}))

	t.Run("conversation admits user and agent turns only", func(t *testing.T) {
		windows, err := a.Incremental(ctx, testOrg, KindProfile, "prefs", "u1", trigger(2, 2))
		require.NoError(t, err)
		require.Len(t, windows, 1)
		for _, in := range windows[0].Interactions {
			assert.NotEqual(t, store.RoleSystem, in.Role)
		}
	})

	t.Run("custom source admits its requests", func(t *testing.T) {
		trig := trigger(1, 1)
		trig.Sources = []string{"crm_sync"}
		windows, err := a.Incremental(ctx, testOrg, KindProfile, "import", "u1", trig)
		require.NoError(t, err)
		require.Len(t, windows, 1)
		assert.Equal(t, "imported record", windows[0].Interactions[0].Content)
	})
}

func TestFeedbackWindowsScopeByAgentVersion(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	publish(t, s, "r1", "u1", store.RoleUser, store.RoleAgent)
	publish(t, s, "r2", "u2", store.RoleUser, store.RoleAgent)
	other := &store.Request{RequestID: "r3", UserID: "u3", Source: "conversation", AgentVersion: "v2"}
	require.NoError(t, s.PublishRequest(ctx, testOrg, other, []*store.Interaction{
		{Role: store.RoleUser, Content: "other version"},
	}))

	windows, err := a.Incremental(ctx, testOrg, KindFeedback, "style", "v1", trigger(4, 4))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.ElementsMatch(t, []string{"r1", "r2"}, windows[0].RequestIDs)
}

func TestRerunIgnoresCursor(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		publish(t, s, fmt.Sprintf("r%d", i), "u1", store.RoleUser)
	}
	require.NoError(t, s.SetCursor(ctx, testOrg, "prefs", "u1", 4))

	windows, err := a.Rerun(ctx, testOrg, KindProfile, "prefs", "u1", trigger(4, 4))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(1), windows[0].Interactions[0].InteractionID)
}

func TestManualWindow(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		publish(t, s, fmt.Sprintf("r%d", i), "u1", store.RoleUser)
	}

	t.Run("interval", func(t *testing.T) {
		w, err := a.Manual(ctx, testOrg, KindProfile, "prefs", "u1", nil, 2, 4, nil)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.Len(t, w.Interactions, 3)
		assert.Equal(t, int64(2), w.Interactions[0].InteractionID)
		assert.Equal(t, int64(4), w.Interactions[2].InteractionID)
		assert.Zero(t, w.NextCursor)
	})

	t.Run("request ids", func(t *testing.T) {
		w, err := a.Manual(ctx, testOrg, KindProfile, "prefs", "u1", nil, 0, 0, []string{"r1", "r3"})
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Equal(t, []string{"r1", "r3"}, w.RequestIDs)
	})

	t.Run("empty interval", func(t *testing.T) {
		w, err := a.Manual(ctx, testOrg, KindProfile, "prefs", "u1", nil, 100, 200, nil)
		require.NoError(t, err)
		assert.Nil(t, w)
	})
}

func TestUnversionedScopeMatchesVersionlessRequests(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	// One versioned request, one without an agent_version.
	publish(t, s, "r1", "u1", store.RoleUser, store.RoleAgent)
	req := &store.Request{RequestID: "r2", UserID: "u1", Source: "conversation"}
	ins := []*store.Interaction{
		{Role: store.RoleUser, Content: "r2 turn 0"},
		{Role: store.RoleAgent, Content: "r2 turn 1"},
	}
	require.NoError(t, s.PublishRequest(ctx, testOrg, req, ins))

	windows, err := a.Incremental(ctx, testOrg, KindFeedback, "style", ScopeUnversioned, trigger(2, 2))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, []string{"r2"}, windows[0].RequestIDs)

	windows, err = a.Incremental(ctx, testOrg, KindFeedback, "style", "v1", trigger(2, 2))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, []string{"r1"}, windows[0].RequestIDs)
}

func TestRerunPagesPastFetchLimit(t *testing.T) {
	s := newTestStore(t)
	a := NewAssembler(s)
	ctx := context.Background()

	// Two publishes of 600 turns each put the log well past one fetch page.
	for r := 0; r < 2; r++ {
		req := &store.Request{RequestID: fmt.Sprintf("big-%d", r), UserID: "u1", Source: "conversation", AgentVersion: "v1"}
		ins := make([]*store.Interaction, 600)
		for i := range ins {
			ins[i] = &store.Interaction{Role: store.RoleUser, Content: fmt.Sprintf("turn %d-%d", r, i)}
		}
		require.NoError(t, s.PublishRequest(ctx, testOrg, req, ins))
	}

	windows, err := a.Rerun(ctx, testOrg, KindProfile, "prefs", "u1", trigger(400, 400))
	require.NoError(t, err)
	require.Len(t, windows, 3)

	// The last window reaches the end of the log, past the page boundary.
	last := windows[2].Interactions
	assert.Equal(t, int64(1200), last[len(last)-1].InteractionID)
}
