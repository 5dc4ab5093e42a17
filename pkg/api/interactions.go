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
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/auth"
	"github.com/engramhq/engram/pkg/store"
)

type publishedRequest struct {
	store.Request
	Interactions []*store.Interaction `json:"interactions"`
}

type publishBody struct {
	Requests        []publishedRequest `json:"requests"`
	WaitForResponse bool               `json:"wait_for_response,omitempty"`
}

// handlePublish ingests a batch of requests with their turns and triggers
// the configured extractors. With wait_for_response the call blocks until
// the triggered runs finish or the wait timeout hits.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body publishBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if len(body.Requests) == 0 {
		respondErr(w, apierror.Validation("at least one request is required"))
		return
	}

	// Turn embeddings are best effort: publishes must not fail because the
	// embedding provider is down.
	emb, embErr := s.tenantEmbedder(r.Context(), org.OrgID)
	if embErr != nil {
		s.log.Warn("interactions will be stored without embeddings",
			"org_id", org.OrgID, "error", embErr)
	}

	published := 0
	for i := range body.Requests {
		item := &body.Requests[i]
		if emb != nil {
			for _, in := range item.Interactions {
				if in.Content == "" {
					continue
				}
				vec, err := emb.Embed(r.Context(), in.Content)
				if err != nil {
					s.log.Warn("failed to embed interaction",
						"org_id", org.OrgID, "request_id", item.RequestID, "error", err)
					break
				}
				in.Embedding = vec
			}
		}
		if err := s.store.PublishRequest(r.Context(), org.OrgID, &item.Request, item.Interactions); err != nil {
			respondErr(w, err)
			return
		}
		published++
	}

	for i := range body.Requests {
		if err := s.coord.OnPublish(r.Context(), org.OrgID, &body.Requests[i].Request, body.WaitForResponse); err != nil {
			respondErr(w, err)
			return
		}
	}

	respond(w, http.StatusOK, envelope{"published": published})
}

func (s *Server) handleGetInteractions(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	q := r.URL.Query()

	interactions, err := s.store.GetInteractions(r.Context(), org.OrgID, store.InteractionFilter{
		UserID:       q.Get("user_id"),
		RequestID:    q.Get("request_id"),
		Source:       q.Get("source"),
		AgentVersion: q.Get("agent_version"),
		After:        queryInt64(r, "after"),
		Before:       queryInt64(r, "before"),
		Limit:        queryInt(r, "limit"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"interactions": interactions})
}

func (s *Server) handleDeleteInteraction(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondErr(w, apierror.Validation("invalid interaction id"))
		return
	}
	if err := s.store.DeleteInteraction(r.Context(), org.OrgID, id); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleSearchInteractions(w http.ResponseWriter, r *http.Request) {
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

	interactions, err := s.store.SearchInteractions(r.Context(), org.OrgID, params, store.InteractionFilter{
		UserID:       body.UserID,
		RequestID:    body.RequestID,
		Source:       body.Source,
		AgentVersion: body.AgentVersion,
		After:        body.After,
		Before:       body.Before,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"interactions": interactions})
}

func (s *Server) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	q := r.URL.Query()

	requests, err := s.store.GetRequests(r.Context(), org.OrgID, store.RequestFilter{
		UserID:       q.Get("user_id"),
		RequestGroup: q.Get("request_group"),
		AgentVersion: q.Get("agent_version"),
		Source:       q.Get("source"),
		Limit:        queryInt(r, "limit"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"requests": requests})
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	if err := s.store.DeleteRequest(r.Context(), org.OrgID, chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// handleDeleteRequestGroup removes every request in a group with the same
// cascade as a single-request delete. Derived artifacts survive.
func (s *Server) handleDeleteRequestGroup(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	if err := s.store.DeleteRequestGroup(r.Context(), org.OrgID, chi.URLParam(r, "group")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}
