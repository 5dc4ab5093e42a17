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
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/auth"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/store"
)

// handleGetProfiles serves current profiles from the in-memory index.
// force_refresh rebuilds the index from the store first.
func (s *Server) handleGetProfiles(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	q := r.URL.Query()

	profiles, err := s.cache.Profiles(r.Context(), org.OrgID,
		q.Get("user_id"), q.Get("extractor_name"), queryBool(r, "force_refresh"))
	if err != nil {
		respondErr(w, err)
		return
	}

	// The index is a map; give callers a stable order.
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].CreatedAt != profiles[j].CreatedAt {
			return profiles[i].CreatedAt > profiles[j].CreatedAt
		}
		return profiles[i].ProfileID > profiles[j].ProfileID
	})
	respond(w, http.StatusOK, envelope{"profiles": profiles})
}

func (s *Server) handleSearchProfiles(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body searchBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	params, err := s.searchParams(r.Context(), org.OrgID, &body)
	if err != nil {
		respondErr(w, err)
		return
	}

	profiles, err := s.store.SearchProfiles(r.Context(), org.OrgID, params, store.ProfileFilter{
		UserID:        body.UserID,
		ExtractorName: body.ExtractorName,
		Source:        body.Source,
		After:         body.After,
		Before:        body.Before,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"profiles": profiles})
}

// handleDeleteProfile archives one profile.
func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	if err := s.store.ArchiveProfile(r.Context(), org.OrgID, chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	s.cache.Invalidate(org.OrgID)
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteUserProfiles(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	userID := chi.URLParam(r, "user_id")

	archived, err := s.store.ArchiveUserProfiles(r.Context(), org.OrgID, userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.cache.Invalidate(org.OrgID)
	respond(w, http.StatusOK, envelope{"archived": archived})
}

// handleDeleteUser removes a user's requests, interactions, profiles and
// change log in one cascade. Aggregated feedbacks and skills survive.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	userID := chi.URLParam(r, "user_id")

	if err := s.store.DeleteUser(r.Context(), org.OrgID, userID); err != nil {
		respondErr(w, err)
		return
	}
	s.cache.Invalidate(org.OrgID)
	respond(w, http.StatusOK, nil)
}

// handleProfileChangeLog returns the profile events a request produced,
// grouped by change kind.
func (s *Server) handleProfileChangeLog(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	events, err := s.store.GetProfileChangeLog(r.Context(), org.OrgID, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}

	added := []*store.ProfileEvent{}
	removed := []*store.ProfileEvent{}
	mentioned := []*store.ProfileEvent{}
	for _, ev := range events {
		switch ev.Change {
		case store.ChangeAdded:
			added = append(added, ev)
		case store.ChangeRemoved:
			removed = append(removed, ev)
		case store.ChangeMentioned:
			mentioned = append(mentioned, ev)
		}
	}
	respond(w, http.StatusOK, envelope{
		"added":     added,
		"removed":   removed,
		"mentioned": mentioned,
	})
}

type profileRunBody struct {
	ExtractorName     string   `json:"extractor_name"`
	UserID            string   `json:"user_id"`
	FromInteractionID int64    `json:"from_interaction_id,omitempty"`
	ToInteractionID   int64    `json:"to_interaction_id,omitempty"`
	RequestIDs        []string `json:"request_ids,omitempty"`
}

func (b *profileRunBody) validate() error {
	if b.ExtractorName == "" {
		return apierror.Validation("extractor_name is required")
	}
	if b.UserID == "" {
		return apierror.Validation("user_id is required")
	}
	return nil
}

func (s *Server) handleRerunProfiles(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body profileRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.coord.RerunProfiles(r.Context(), org.OrgID, body.ExtractorName, body.UserID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// handlePromoteProfiles swaps an extractor's pending rerun output in for
// the user's current rows.
func (s *Server) handlePromoteProfiles(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body profileRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.coord.PromoteProfiles(r.Context(), org.OrgID, body.ExtractorName, body.UserID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleManualProfiles(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body profileRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	err := s.coord.ManualProfileRun(r.Context(), org.OrgID, body.ExtractorName, body.UserID, pipeline.ManualRange{
		FromInteractionID: body.FromInteractionID,
		ToInteractionID:   body.ToInteractionID,
		RequestIDs:        body.RequestIDs,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}
