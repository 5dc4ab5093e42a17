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
	"strings"
)

// SuccessFilter narrows success evaluation reads.
type SuccessFilter struct {
	EvaluationName string
	AgentVersion   string
	RequestID      string
	IsSuccess      *bool
	After          int64
	Before         int64
	Limit          int
}

// InsertSuccessResult writes one evaluation verdict. The ID is derived
// from (evaluation, request), so a re-evaluated request overwrites
// nothing and inserts at most once.
func (s *Store) InsertSuccessResult(ctx context.Context, orgID string, r *SuccessResult) error {
	if r.ResultID == "" {
		r.ResultID = DeterministicID(orgID, "success_results", r.EvaluationName, r.RequestID)
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = s.now().Unix()
	}

	query := `
INSERT INTO success_results (org_id, result_id, evaluation_name, agent_version, request_id,
    is_success, failure_type, failure_reason, agent_prompt_update, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT (org_id, result_id) DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}

	_, err := s.db.ExecContext(ctx, s.q(query),
		orgID, r.ResultID, r.EvaluationName, nullStr(r.AgentVersion), r.RequestID,
		r.IsSuccess, nullStr(r.FailureType), nullStr(r.FailureReason),
		nullStr(r.AgentPromptUpdate), encodeEmbedding(r.Embedding), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert success result: %w", err)
	}
	return nil
}

// ListSuccessResults lists evaluation verdicts, newest first.
func (s *Store) ListSuccessResults(ctx context.Context, orgID string, f SuccessFilter) ([]*SuccessResult, error) {
	query := `
SELECT result_id, evaluation_name, COALESCE(agent_version, ''), request_id, is_success,
    COALESCE(failure_type, ''), COALESCE(failure_reason, ''),
    COALESCE(agent_prompt_update, ''), embedding, created_at
FROM success_results WHERE org_id = ?`
	args := []any{orgID}

	if f.EvaluationName != "" {
		query += ` AND evaluation_name = ?`
		args = append(args, f.EvaluationName)
	}
	if f.AgentVersion != "" {
		query += ` AND agent_version = ?`
		args = append(args, f.AgentVersion)
	}
	if f.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, f.RequestID)
	}
	if f.IsSuccess != nil {
		query += ` AND is_success = ?`
		args = append(args, *f.IsSuccess)
	}
	if f.After > 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.After)
	}
	if f.Before > 0 {
		query += ` AND created_at < ?`
		args = append(args, f.Before)
	}
	query += ` ORDER BY created_at DESC, result_id DESC`
	query += fmt.Sprintf(` LIMIT %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list success results: %w", err)
	}
	defer rows.Close()

	var out []*SuccessResult
	for rows.Next() {
		var r SuccessResult
		var emb []byte
		if err := rows.Scan(&r.ResultID, &r.EvaluationName, &r.AgentVersion, &r.RequestID,
			&r.IsSuccess, &r.FailureType, &r.FailureReason, &r.AgentPromptUpdate,
			&emb, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan success result: %w", err)
		}
		r.Embedding = decodeEmbedding(emb)
		out = append(out, &r)
	}
	return out, rows.Err()
}
