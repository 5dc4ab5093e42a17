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

package profilecache

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// axisVec returns a unit embedding along one axis, slightly rotated by
// theta radians toward the next axis.
func axisVec(axis int, theta float64) []float32 {
	v := make([]float32, store.EmbeddingDim)
	v[axis] = float32(math.Cos(theta))
	v[(axis+1)%store.EmbeddingDim] = float32(math.Sin(theta))
	return v
}

func addProfile(t *testing.T, s *store.Store, userID, content string, extractors []string, emb []float32) {
	t.Helper()
	delta := &store.ProfileDelta{Adds: []*store.Profile{{
		UserID:         userID,
		Content:        content,
		ExtractorNames: extractors,
		Embedding:      emb,
	}}}
	require.NoError(t, s.ApplyProfileDelta(context.Background(), testOrg, delta))
}

func TestQueryNearestProfiles(t *testing.T) {
	s := newTestStore(t)
	c := New(s)
	ctx := context.Background()

	addProfile(t, s, "u1", "likes go", []string{"prefs"}, axisVec(0, 0))
	addProfile(t, s, "u1", "likes rust", []string{"prefs"}, axisVec(0, 0.2))
	addProfile(t, s, "u1", "works remotely", []string{"background"}, axisVec(5, 0))

	hits, err := c.Query(ctx, testOrg, axisVec(0, 0.05), 2, "u1", "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "likes go", hits[0].Profile.Content)
	assert.Equal(t, "likes rust", hits[1].Profile.Content)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestQueryFiltersByUserAndExtractor(t *testing.T) {
	s := newTestStore(t)
	c := New(s)
	ctx := context.Background()

	addProfile(t, s, "u1", "u1 fact", []string{"prefs"}, axisVec(0, 0))
	addProfile(t, s, "u2", "u2 fact", []string{"prefs"}, axisVec(0, 0.01))
	addProfile(t, s, "u1", "u1 background", []string{"background"}, axisVec(0, 0.02))

	hits, err := c.Query(ctx, testOrg, axisVec(0, 0), 10, "u1", "prefs")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "u1 fact", hits[0].Profile.Content)
}

func TestQueryEmptyTenant(t *testing.T) {
	s := newTestStore(t)
	c := New(s)

	hits, err := c.Query(context.Background(), testOrg, axisVec(0, 0), 3, "u1", "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestInvalidationPicksUpWrites(t *testing.T) {
	s := newTestStore(t)
	c := New(s)
	ctx := context.Background()

	addProfile(t, s, "u1", "first", []string{"prefs"}, axisVec(0, 0))

	profiles, err := c.Profiles(ctx, testOrg, "u1", "", false)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	// A write the cache has not seen stays invisible until invalidation.
	addProfile(t, s, "u1", "second", []string{"prefs"}, axisVec(1, 0))
	profiles, err = c.Profiles(ctx, testOrg, "u1", "", false)
	require.NoError(t, err)
	assert.Len(t, profiles, 1)

	c.Invalidate(testOrg)
	profiles, err = c.Profiles(ctx, testOrg, "u1", "", false)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
}

func TestProfilesForceRefresh(t *testing.T) {
	s := newTestStore(t)
	c := New(s)
	ctx := context.Background()

	addProfile(t, s, "u1", "first", []string{"prefs"}, axisVec(0, 0))
	_, err := c.Profiles(ctx, testOrg, "u1", "", false)
	require.NoError(t, err)

	addProfile(t, s, "u1", "second", []string{"prefs"}, axisVec(1, 0))

	profiles, err := c.Profiles(ctx, testOrg, "u1", "", true)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
}

func TestTenantsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	c := New(s)
	ctx := context.Background()

	addProfile(t, s, "u1", "org-test fact", []string{"prefs"}, axisVec(0, 0))

	require.NoError(t, s.ApplyProfileDelta(ctx, "org-other", &store.ProfileDelta{Adds: []*store.Profile{{
		UserID:         "u1",
		Content:        "other org fact",
		ExtractorNames: []string{"prefs"},
		Embedding:      axisVec(0, 0),
	}}}))

	hits, err := c.Query(ctx, "org-other", axisVec(0, 0), 5, "", "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "other org fact", hits[0].Profile.Content)
}
