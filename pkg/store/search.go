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

package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/observability"
)

// SearchMode selects which retrieval legs run.
type SearchMode string

const (
	SearchVector SearchMode = "vector"
	SearchFTS    SearchMode = "fts"
	SearchHybrid SearchMode = "hybrid"
)

const (
	// rrfK is the Reciprocal Rank Fusion constant.
	rrfK = 60

	// candidateLimit bounds how many recent rows each search considers.
	candidateLimit = 3000

	defaultTopK = 10
	maxTopK     = 100
)

// SearchParams parameterizes a hybrid search.
type SearchParams struct {
	Query     string
	Embedding []float32
	TopK      int
	Threshold float64 // minimum cosine similarity for the vector leg
	Mode      SearchMode
}

func (p *SearchParams) normalize() error {
	if p.Mode == "" {
		p.Mode = SearchHybrid
	}
	switch p.Mode {
	case SearchVector, SearchFTS, SearchHybrid:
	default:
		return apierror.Validation("invalid search mode %q", p.Mode)
	}
	if p.TopK <= 0 {
		p.TopK = defaultTopK
	}
	if p.TopK > maxTopK {
		p.TopK = maxTopK
	}
	if p.Mode != SearchVector && strings.TrimSpace(p.Query) == "" {
		return apierror.Validation("query text is required for %s search", p.Mode)
	}
	if p.Mode == SearchVector && len(p.Embedding) == 0 {
		return apierror.Validation("query embedding is required for vector search")
	}
	return nil
}

// fuseCandidate is the leg-agnostic view of a searchable row.
type fuseCandidate struct {
	id        string
	content   string
	embedding []float32
	createdAt int64
}

// Match is one scored search hit.
type Match struct {
	ID    string
	Score float64
}

// hybridRank runs the vector and full-text legs over the candidates and
// fuses them with Reciprocal Rank Fusion.
//
// Each leg keeps its top 3*k rows and assigns 1-based ranks. In hybrid
// mode a row scores 1/(K+rv) + 1/(K+rf); a row absent from a leg gets no
// contribution from it. Ties break by newest created_at, then by the
// lexically larger id, which keeps repeated queries deterministic.
func hybridRank(candidates []fuseCandidate, p SearchParams) []Match {
	legLimit := 3 * p.TopK
	byID := make(map[string]fuseCandidate, len(candidates))
	for _, c := range candidates {
		byID[c.id] = c
	}

	var vectorLeg []legHit
	if p.Mode != SearchFTS && len(p.Embedding) > 0 {
		for _, c := range candidates {
			if len(c.embedding) == 0 {
				continue
			}
			sim := cosineSimilarity(p.Embedding, c.embedding)
			if p.Threshold > 0 && sim < p.Threshold {
				continue
			}
			vectorLeg = append(vectorLeg, legHit{id: c.id, score: sim})
		}
		sortLeg(vectorLeg, byID)
		if len(vectorLeg) > legLimit {
			vectorLeg = vectorLeg[:legLimit]
		}
	}

	var ftsLeg []legHit
	if p.Mode != SearchVector {
		q := parseFTSQuery(p.Query)
		for _, c := range candidates {
			score := q.score(ftsTokenize(c.content))
			if score <= 0 {
				continue
			}
			ftsLeg = append(ftsLeg, legHit{id: c.id, score: score})
		}
		sortLeg(ftsLeg, byID)
		if len(ftsLeg) > legLimit {
			ftsLeg = ftsLeg[:legLimit]
		}
	}

	scores := make(map[string]float64)
	switch p.Mode {
	case SearchVector:
		for _, h := range vectorLeg {
			scores[h.id] = h.score
		}
	case SearchFTS:
		for _, h := range ftsLeg {
			scores[h.id] = h.score
		}
	default:
		for rank, h := range vectorLeg {
			scores[h.id] += 1.0 / float64(rrfK+rank+1)
		}
		for rank, h := range ftsLeg {
			scores[h.id] += 1.0 / float64(rrfK+rank+1)
		}
	}

	out := make([]Match, 0, len(scores))
	for id, score := range scores {
		out = append(out, Match{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ci, cj := byID[out[i].ID], byID[out[j].ID]
		if ci.createdAt != cj.createdAt {
			return ci.createdAt > cj.createdAt
		}
		return out[i].ID > out[j].ID
	})

	if len(out) > p.TopK {
		out = out[:p.TopK]
	}
	return out
}

// legHit is one row's score within a single retrieval leg.
type legHit struct {
	id    string
	score float64
}

func sortLeg(leg []legHit, byID map[string]fuseCandidate) {
	sort.Slice(leg, func(i, j int) bool {
		if leg[i].score != leg[j].score {
			return leg[i].score > leg[j].score
		}
		ci, cj := byID[leg[i].id], byID[leg[j].id]
		if ci.createdAt != cj.createdAt {
			return ci.createdAt > cj.createdAt
		}
		return leg[i].id > leg[j].id
	})
}

// cosineSimilarity computes the cosine of two vectors, 0 on any length
// mismatch.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SearchInteractions runs hybrid search over a user's interactions.
func (s *Store) SearchInteractions(ctx context.Context, orgID string, p SearchParams, f InteractionFilter) ([]*Interaction, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	defer s.recordSearch("interactions", time.Now())

	f.Limit = candidateLimit
	f.SinceID = 0
	rows, err := s.GetInteractions(ctx, orgID, f)
	if err != nil {
		return nil, err
	}

	candidates := make([]fuseCandidate, 0, len(rows))
	byID := make(map[string]*Interaction, len(rows))
	for _, in := range rows {
		id := fmt.Sprintf("%020d", in.InteractionID)
		byID[id] = in
		candidates = append(candidates, fuseCandidate{
			id:        id,
			content:   in.Content,
			embedding: in.Embedding,
			createdAt: in.CreatedAt,
		})
	}

	out := make([]*Interaction, 0, p.TopK)
	for _, m := range hybridRank(candidates, p) {
		out = append(out, byID[m.ID])
	}
	return out, nil
}

// SearchProfiles runs hybrid search over profiles. Only current rows are
// candidates unless the filter says otherwise.
func (s *Store) SearchProfiles(ctx context.Context, orgID string, p SearchParams, f ProfileFilter) ([]*Profile, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	defer s.recordSearch("profiles", time.Now())

	f.Limit = candidateLimit
	rows, err := s.ListProfiles(ctx, orgID, f)
	if err != nil {
		return nil, err
	}

	candidates := make([]fuseCandidate, 0, len(rows))
	byID := make(map[string]*Profile, len(rows))
	for _, pr := range rows {
		byID[pr.ProfileID] = pr
		candidates = append(candidates, fuseCandidate{
			id:        pr.ProfileID,
			content:   pr.Content,
			embedding: pr.Embedding,
			createdAt: pr.CreatedAt,
		})
	}

	out := make([]*Profile, 0, p.TopK)
	for _, m := range hybridRank(candidates, p) {
		out = append(out, byID[m.ID])
	}
	return out, nil
}

// SearchRawFeedbacks runs hybrid search over raw feedbacks; the indexed
// content (when condition when present) is the searched text.
func (s *Store) SearchRawFeedbacks(ctx context.Context, orgID string, p SearchParams, f FeedbackFilter) ([]*RawFeedback, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	defer s.recordSearch("raw_feedbacks", time.Now())

	f.Limit = candidateLimit
	rows, err := s.ListRawFeedbacks(ctx, orgID, f)
	if err != nil {
		return nil, err
	}

	candidates := make([]fuseCandidate, 0, len(rows))
	byID := make(map[string]*RawFeedback, len(rows))
	for _, rf := range rows {
		byID[rf.RawFeedbackID] = rf
		candidates = append(candidates, fuseCandidate{
			id:        rf.RawFeedbackID,
			content:   rf.IndexedContent,
			embedding: rf.Embedding,
			createdAt: rf.CreatedAt,
		})
	}

	out := make([]*RawFeedback, 0, p.TopK)
	for _, m := range hybridRank(candidates, p) {
		out = append(out, byID[m.ID])
	}
	return out, nil
}

// SearchFeedbacks runs hybrid search over aggregated feedbacks. Default
// visibility is approved only.
func (s *Store) SearchFeedbacks(ctx context.Context, orgID string, p SearchParams, f FeedbackFilter) ([]*Feedback, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	defer s.recordSearch("feedbacks", time.Now())

	f.Limit = candidateLimit
	rows, err := s.ListFeedbacks(ctx, orgID, f)
	if err != nil {
		return nil, err
	}

	candidates := make([]fuseCandidate, 0, len(rows))
	byID := make(map[string]*Feedback, len(rows))
	for _, fb := range rows {
		content := fb.FeedbackContent
		if fb.WhenCondition != "" {
			content = fb.WhenCondition
		}
		byID[fb.FeedbackID] = fb
		candidates = append(candidates, fuseCandidate{
			id:        fb.FeedbackID,
			content:   content,
			embedding: fb.Embedding,
			createdAt: fb.CreatedAt,
		})
	}

	out := make([]*Feedback, 0, p.TopK)
	for _, m := range hybridRank(candidates, p) {
		out = append(out, byID[m.ID])
	}
	return out, nil
}

func (s *Store) recordSearch(collection string, start time.Time) {
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordSearch(context.Background(), collection, time.Since(start))
	}
}
