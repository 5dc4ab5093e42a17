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

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "engram.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bootstrapOrg(t *testing.T, s *store.Store) (*store.Org, string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateInvite(ctx, "invite-1", "test"))
	org, key, err := s.CreateOrg(ctx, "invite-1", "acme")
	require.NoError(t, err)
	return org, key
}

func TestMiddleware(t *testing.T) {
	s := newTestStore(t)
	org, key := bootstrapOrg(t, s)

	var seen *store.Org
	handler := Middleware(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetOrg(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid key", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/v1/profiles", nil)
		req.Header.Set(HeaderAPIKey, key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, org.OrgID, seen.OrgID)
	})

	t.Run("missing key", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/v1/profiles", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "AUTH", body["code"])
	})

	t.Run("unknown key", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/v1/profiles", nil)
		req.Header.Set(HeaderAPIKey, "not-a-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)
	})
}

func TestGetOrgOutsideRequest(t *testing.T) {
	assert.Nil(t, GetOrg(context.Background()))

	org := &store.Org{OrgID: "org-1"}
	assert.Equal(t, org, GetOrg(WithOrg(context.Background(), org)))
}
