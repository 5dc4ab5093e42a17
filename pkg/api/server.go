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

// Package api exposes the service over REST. Every route except org
// bootstrap, health and metrics requires an API key; responses share one
// JSON envelope with the public error codes.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/engramhq/engram/pkg/auth"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/profilecache"
	"github.com/engramhq/engram/pkg/store"
)

// Server holds the handler dependencies. Heavy lifting lives in the
// store and the pipeline coordinator; handlers translate HTTP.
type Server struct {
	store     *store.Store
	cache     *profilecache.Cache
	coord     *pipeline.Coordinator
	newClient pipeline.ClientFactory
	metrics   observability.Metrics
	log       *slog.Logger
}

func New(st *store.Store, cache *profilecache.Cache, coord *pipeline.Coordinator, factory pipeline.ClientFactory) *Server {
	return &Server{
		store:     st,
		cache:     cache,
		coord:     coord,
		newClient: factory,
		metrics:   observability.GetGlobalMetrics(),
		log:       logger.New("api"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(observability.HTTPMiddleware(observability.GetTracer("api"), s.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/v1/orgs", s.handleCreateOrg)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.store))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/interactions", s.handlePublish)
			r.Get("/interactions", s.handleGetInteractions)
			r.Delete("/interactions/{id}", s.handleDeleteInteraction)
			r.Post("/interactions/search", s.handleSearchInteractions)

			r.Get("/requests", s.handleGetRequests)
			r.Delete("/requests/{id}", s.handleDeleteRequest)
			r.Get("/requests/{id}/profile-changes", s.handleProfileChangeLog)
			r.Delete("/request-groups/{group}", s.handleDeleteRequestGroup)

			r.Get("/profiles", s.handleGetProfiles)
			r.Post("/profiles/search", s.handleSearchProfiles)
			r.Post("/profiles/rerun", s.handleRerunProfiles)
			r.Post("/profiles/promote", s.handlePromoteProfiles)
			r.Post("/profiles/generate", s.handleManualProfiles)
			r.Delete("/profiles/{id}", s.handleDeleteProfile)

			r.Delete("/users/{user_id}/profiles", s.handleDeleteUserProfiles)
			r.Delete("/users/{user_id}", s.handleDeleteUser)

			r.Get("/feedbacks/raw", s.handleGetRawFeedbacks)
			r.Post("/feedbacks/raw", s.handleAddRawFeedback)
			r.Post("/feedbacks/raw/search", s.handleSearchRawFeedbacks)
			r.Delete("/feedbacks/raw/{id}", s.handleDeleteRawFeedback)

			r.Get("/feedbacks", s.handleGetFeedbacks)
			r.Post("/feedbacks", s.handleAddFeedbacks)
			r.Post("/feedbacks/search", s.handleSearchFeedbacks)
			r.Patch("/feedbacks/{id}/status", s.handleUpdateFeedbackStatus)
			r.Delete("/feedbacks/{id}", s.handleDeleteFeedback)
			r.Post("/feedbacks/aggregate", s.handleAggregateFeedbacks)
			r.Post("/feedbacks/rerun", s.handleRerunFeedbacks)
			r.Post("/feedbacks/generate", s.handleManualFeedbacks)

			r.Get("/skills", s.handleGetSkills)
			r.Post("/skills/synthesize", s.handleSynthesizeSkill)
			r.Patch("/skills/{id}/status", s.handleUpdateSkillStatus)

			r.Get("/success-evaluations", s.handleGetSuccessResults)
			r.Post("/success-evaluations/rerun", s.handleRerunSuccess)
			r.Post("/success-evaluations/generate", s.handleManualSuccess)

			r.Get("/config", s.handleGetConfig)
			r.Put("/config", s.handleSetConfig)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, envelope{"status": "ok"})
}

// tenantEmbedder builds the authenticated org's embedder for search-time
// query embeddings.
func (s *Server) tenantEmbedder(ctx context.Context, orgID string) (llm.Embedder, error) {
	cfg, err := s.coord.TenantConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	_, emb, err := s.newClient(ctx, &cfg.LLM)
	return emb, err
}
