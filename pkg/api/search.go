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
	"context"
	"strings"

	"github.com/engramhq/engram/pkg/store"
)

// searchBody is the shared request shape of the four search routes. The
// filter fields that do not apply to a collection are ignored by it.
type searchBody struct {
	Query          string   `json:"query"`
	SearchType     string   `json:"search_type,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	RequestID      string   `json:"request_id,omitempty"`
	Source         string   `json:"source,omitempty"`
	AgentVersion   string   `json:"agent_version,omitempty"`
	ExtractorName  string   `json:"extractor_name,omitempty"`
	FeedbackName   string   `json:"feedback_name,omitempty"`
	FeedbackStatus []string `json:"feedback_status,omitempty"`
	After          int64    `json:"after,omitempty"`
	Before         int64    `json:"before,omitempty"`
}

// searchParams assembles store search parameters, embedding the query for
// the vector leg unless the caller asked for pure full-text search. An
// embedder failure degrades a hybrid search to its text leg instead of
// failing the request.
func (s *Server) searchParams(ctx context.Context, orgID string, b *searchBody) (store.SearchParams, error) {
	p := store.SearchParams{
		Query: b.Query,
		TopK:  b.TopK,
		Mode:  store.SearchMode(b.SearchType),
	}
	if p.Mode == "" {
		p.Mode = store.SearchHybrid
	}
	if p.Mode == store.SearchFTS || strings.TrimSpace(b.Query) == "" {
		return p, nil
	}

	emb, err := s.tenantEmbedder(ctx, orgID)
	if err == nil {
		p.Embedding, err = emb.Embed(ctx, b.Query)
	}
	if err != nil {
		if p.Mode == store.SearchVector {
			return p, err
		}
		s.log.Warn("query embedding unavailable, vector leg skipped",
			"org_id", orgID, "error", err)
		p.Embedding = nil
	}
	return p, nil
}
