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

	"github.com/go-chi/chi/v5"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/auth"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/store"
)

func (s *Server) handleGetRawFeedbacks(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	q := r.URL.Query()

	feedbacks, err := s.store.ListRawFeedbacks(r.Context(), org.OrgID, store.FeedbackFilter{
		AgentVersion: q.Get("agent_version"),
		FeedbackName: q.Get("feedback_name"),
		UserID:       q.Get("user_id"),
		RequestID:    q.Get("request_id"),
		Source:       q.Get("source"),
		After:        queryInt64(r, "after"),
		Before:       queryInt64(r, "before"),
		Limit:        queryInt(r, "limit"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"raw_feedbacks": feedbacks})
}

// handleAddRawFeedback accepts a hand-written behavioral observation, as
// if an extractor had produced it. It participates in clustering like any
// extracted row, so it must carry an embedding.
func (s *Server) handleAddRawFeedback(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var fb store.RawFeedback
	if err := decode(r, &fb); err != nil {
		respondErr(w, err)
		return
	}
	if fb.AgentVersion == "" {
		respondErr(w, apierror.Validation("agent_version is required"))
		return
	}

	indexed := fb.FeedbackContent
	if fb.WhenCondition != "" {
		indexed = fb.WhenCondition
	}
	if indexed != "" {
		emb, err := s.tenantEmbedder(r.Context(), org.OrgID)
		if err == nil {
			fb.Embedding, err = emb.Embed(r.Context(), indexed)
		}
		if err != nil {
			respondErr(w, err)
			return
		}
	}

	if err := s.store.InsertRawFeedbacks(r.Context(), org.OrgID, []*store.RawFeedback{&fb}); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"raw_feedback": &fb})
}

func (s *Server) handleSearchRawFeedbacks(w http.ResponseWriter, r *http.Request) {
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

	feedbacks, err := s.store.SearchRawFeedbacks(r.Context(), org.OrgID, params, store.FeedbackFilter{
		AgentVersion: body.AgentVersion,
		FeedbackName: body.FeedbackName,
		UserID:       body.UserID,
		RequestID:    body.RequestID,
		Source:       body.Source,
		After:        body.After,
		Before:       body.Before,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"raw_feedbacks": feedbacks})
}

func feedbackStatuses(values []string) ([]store.FeedbackStatus, error) {
	out := make([]store.FeedbackStatus, 0, len(values))
	for _, v := range values {
		fs := store.FeedbackStatus(v)
		switch fs {
		case store.FeedbackPending, store.FeedbackApproved, store.FeedbackRejected:
			out = append(out, fs)
		default:
			return nil, apierror.Validation("invalid feedback_status %q", v)
		}
	}
	return out, nil
}

// handleGetFeedbacks lists aggregated feedbacks. Without an explicit
// feedback_status filter only approved rows are returned.
func (s *Server) handleGetFeedbacks(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	q := r.URL.Query()

	statuses, err := feedbackStatuses(q["feedback_status"])
	if err != nil {
		respondErr(w, err)
		return
	}

	feedbacks, err := s.store.ListFeedbacks(r.Context(), org.OrgID, store.FeedbackFilter{
		AgentVersion:   q.Get("agent_version"),
		FeedbackName:   q.Get("feedback_name"),
		FeedbackStatus: statuses,
		After:          queryInt64(r, "after"),
		Before:         queryInt64(r, "before"),
		Limit:          queryInt(r, "limit"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"feedbacks": feedbacks})
}

type addFeedbacksBody struct {
	Feedbacks []*store.Feedback `json:"feedbacks"`
}

// handleAddFeedbacks inserts operator-authored aggregated feedbacks.
// They arrive pre-approved; the aggregator only writes pending rows.
func (s *Server) handleAddFeedbacks(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body addFeedbacksBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if len(body.Feedbacks) == 0 {
		respondErr(w, apierror.Validation("at least one feedback is required"))
		return
	}

	var emb = func(text string) []float32 { return nil }
	if e, err := s.tenantEmbedder(r.Context(), org.OrgID); err == nil {
		emb = func(text string) []float32 {
			vec, err := e.Embed(r.Context(), text)
			if err != nil {
				return nil
			}
			return vec
		}
	}

	for _, fb := range body.Feedbacks {
		if fb.AgentVersion == "" || fb.FeedbackName == "" || fb.FeedbackContent == "" {
			respondErr(w, apierror.Validation("agent_version, feedback_name and feedback_content are required"))
			return
		}
		if fb.FeedbackStatus == "" {
			fb.FeedbackStatus = store.FeedbackApproved
		}
		indexed := fb.FeedbackContent
		if fb.WhenCondition != "" {
			indexed = fb.WhenCondition
		}
		fb.Embedding = emb(indexed)
		if err := s.store.InsertFeedback(r.Context(), org.OrgID, fb); err != nil {
			respondErr(w, err)
			return
		}
	}
	respond(w, http.StatusOK, envelope{"feedbacks": body.Feedbacks})
}

func (s *Server) handleSearchFeedbacks(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body searchBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	statuses, err := feedbackStatuses(body.FeedbackStatus)
	if err != nil {
		respondErr(w, err)
		return
	}
	params, err := s.searchParams(r.Context(), org.OrgID, &body)
	if err != nil {
		respondErr(w, err)
		return
	}

	feedbacks, err := s.store.SearchFeedbacks(r.Context(), org.OrgID, params, store.FeedbackFilter{
		AgentVersion:   body.AgentVersion,
		FeedbackName:   body.FeedbackName,
		FeedbackStatus: statuses,
		After:          body.After,
		Before:         body.Before,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"feedbacks": feedbacks})
}

func (s *Server) handleUpdateFeedbackStatus(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body struct {
		FeedbackStatus store.FeedbackStatus `json:"feedback_status"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.store.UpdateFeedbackStatus(r.Context(), org.OrgID, chi.URLParam(r, "id"), body.FeedbackStatus); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteFeedback(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	if err := s.store.DeleteFeedback(r.Context(), org.OrgID, chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteRawFeedback(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	if err := s.store.DeleteRawFeedback(r.Context(), org.OrgID, chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

type feedbackRunBody struct {
	FeedbackName      string   `json:"feedback_name"`
	AgentVersion      string   `json:"agent_version"`
	FromInteractionID int64    `json:"from_interaction_id,omitempty"`
	ToInteractionID   int64    `json:"to_interaction_id,omitempty"`
	RequestIDs        []string `json:"request_ids,omitempty"`
}

func (b *feedbackRunBody) validate() error {
	if b.FeedbackName == "" {
		return apierror.Validation("feedback_name is required")
	}
	if b.AgentVersion == "" {
		return apierror.Validation("agent_version is required")
	}
	return nil
}

func (s *Server) handleAggregateFeedbacks(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body feedbackRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.coord.RunAggregation(r.Context(), org.OrgID, body.FeedbackName, body.AgentVersion); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleRerunFeedbacks(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body feedbackRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.coord.RerunFeedbacks(r.Context(), org.OrgID, body.FeedbackName, body.AgentVersion); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleManualFeedbacks(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body feedbackRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	err := s.coord.ManualFeedbackRun(r.Context(), org.OrgID, body.FeedbackName, body.AgentVersion, pipeline.ManualRange{
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

func (s *Server) handleGetSkills(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())
	q := r.URL.Query()

	var statuses []store.SkillStatus
	for _, v := range q["skill_status"] {
		st := store.SkillStatus(v)
		switch st {
		case store.SkillDraft, store.SkillActive, store.SkillRetired:
			statuses = append(statuses, st)
		default:
			respondErr(w, apierror.Validation("invalid skill_status %q", v))
			return
		}
	}

	skills, err := s.store.ListSkills(r.Context(), org.OrgID, store.FeedbackFilter{
		AgentVersion: q.Get("agent_version"),
		FeedbackName: q.Get("feedback_name"),
		Limit:        queryInt(r, "limit"),
	}, statuses)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"skills": skills})
}

func (s *Server) handleSynthesizeSkill(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body feedbackRunBody
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		respondErr(w, err)
		return
	}
	skill, err := s.coord.SynthesizeSkill(r.Context(), org.OrgID, body.AgentVersion, body.FeedbackName)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, envelope{"skill": skill})
}

func (s *Server) handleUpdateSkillStatus(w http.ResponseWriter, r *http.Request) {
	org := auth.GetOrg(r.Context())

	var body struct {
		SkillStatus store.SkillStatus `json:"skill_status"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.store.UpdateSkillStatus(r.Context(), org.OrgID, chi.URLParam(r, "id"), body.SkillStatus); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}
