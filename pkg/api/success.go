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

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/auth"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/store"
)

func (s *Server) handleGetSuccessResults(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	q := r.URL.Query()

	var isSuccess *bool
	if v := q.Get("is_success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondErr(w, apierror.Validation("invalid is_success %q", v))
			return
		}
		isSuccess = &b
	}

	results, err := s.store.ListSuccessResults(r.Context(), org.OrgID, store.SuccessFilter{
		EvaluationName: q.Get("evaluation_name"),
		AgentVersion:   q.Get("agent_version"),
		RequestID:      q.Get("request_id"),
		IsSuccess:      isSuccess,
		After:          queryInt64(r, "after"),
		Before:         queryInt64(r, "before"),
		Limit:          queryInt(r, "limit"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"results": results})
}

type successRunBody struct {
	EvaluationName    string   `json:"evaluation_name"`
	AgentVersion      string   `json:"agent_version"`
	FromInteractionID int64    `json:"from_interaction_id,omitempty"`
	ToInteractionID   int64    `json:"to_interaction_id,omitempty"`
	RequestIDs        []string `json:"request_ids,omitempty"`
}

// validate requires only the evaluation name; an empty agent_version
// covers the whole log.
func (b *successRunBody) validate() error {
	if b.EvaluationName == "" {
		return apierror.Validation("evaluation_name is required")
	}
	return nil
}

func (s *Server) handleRerunSuccess(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body successRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.coord.RerunSuccessEvaluations(r.Context(), org.OrgID, body.EvaluationName, body.AgentVersion); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleManualSuccess(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body successRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	err := s.coord.ManualSuccessRun(r.Context(), org.OrgID, body.EvaluationName, body.AgentVersion, pipeline.ManualRange{
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
