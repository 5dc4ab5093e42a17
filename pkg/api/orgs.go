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
	"io"
	"net/http"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/auth"
	"github.com/engramhq/engram/pkg/config"
)

// handleCreateOrg bootstraps a tenant from a single-use invite. The API
// key appears in this response only; the store keeps its hash.
func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InviteCode string `json:"invite_code"`
		Name       string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.InviteCode == "" || body.Name == "" {
		respondErr(w, apierror.Validation("invite_code and name are required"))
		return
	}

	org, key, err := s.store.CreateOrg(r.Context(), body.InviteCode, body.Name)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.log.Info("org created", "org_id", org.OrgID, "name", org.Name)
	respond(w, http.StatusCreated, envelope{"org": org, "api_key": key})
}

// handleGetConfig returns the tenant configuration with defaults applied.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	cfg, err := s.coord.TenantConfig(r.Context(), org.OrgID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"config": cfg})
}

// handleSetConfig replaces the tenant configuration. The raw document is
// validated before it is stored; the stored form is what the caller sent.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondErr(w, apierror.Validation("failed to read request body: %v", err))
		return
	}

	cfg, err := config.ParseTenantConfig(raw)
	if err != nil {
		respondErr(w, apierror.Validation("invalid tenant config: %v", err))
		return
	}
	if err := s.store.SetTenantConfig(r.Context(), org.OrgID, raw); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"config": cfg})
}
