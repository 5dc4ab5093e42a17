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
	"database/sql"
	"fmt"

	"github.com/engramhq/engram/pkg/apierror"
)

// InteractionFilter narrows interaction reads.
type InteractionFilter struct {
	UserID       string
	RequestID    string
	Source       string
	AgentVersion string
	Unversioned  bool  // match only requests published without an agent_version
	After        int64 // created_at lower bound (inclusive)
	Before       int64 // created_at upper bound (exclusive)
	SinceID      int64 // interaction_id lower bound (exclusive)
	Limit        int
	AscendingID  bool // default ordering is interaction_id descending
}

// RequestFilter narrows request reads.
type RequestFilter struct {
	UserID       string
	RequestGroup string
	AgentVersion string
	Source       string
	Limit        int
}

// PublishRequest atomically writes one request and its interactions,
// assigning each interaction the next per-tenant id. Either everything
// commits or nothing does.
func (s *Store) PublishRequest(ctx context.Context, orgID string, req *Request, interactions []*Interaction) error {
	if req == nil || req.RequestID == "" {
		return apierror.Validation("request_id is required")
	}
	if req.UserID == "" {
		return apierror.Validation("user_id is required")
	}
	if len(interactions) == 0 {
		return apierror.Validation("at least one interaction is required")
	}

	now := s.now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM requests WHERE org_id = ? AND request_id = ?`),
			orgID, req.RequestID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check request: %w", err)
		}
		if exists > 0 {
			return apierror.Conflict("request %s already exists", req.RequestID)
		}

		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO requests (org_id, request_id, user_id, source, agent_version, request_group, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
			orgID, req.RequestID, req.UserID, req.Source,
			nullStr(req.AgentVersion), nullStr(req.RequestGroup), req.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert request: %w", err)
		}

		// Per-tenant monotone sequence. sqlite serializes writers; on
		// postgres the (org_id, interaction_id) primary key rejects the
		// loser of a rare concurrent publish, which the caller retries.
		var maxID int64
		err = tx.QueryRowContext(ctx,
			s.q(`SELECT COALESCE(MAX(interaction_id), 0) FROM interactions WHERE org_id = ?`),
			orgID).Scan(&maxID)
		if err != nil {
			return fmt.Errorf("failed to read interaction sequence: %w", err)
		}

		for i, in := range interactions {
			if in.Content == "" {
				return apierror.Validation("interaction %d: content is required", i)
			}
			if in.Role == "" {
				in.Role = RoleUser
			}
			if in.UserAction == "" {
				in.UserAction = ActionNone
			}

			in.InteractionID = maxID + int64(i) + 1
			in.RequestID = req.RequestID
			in.UserID = req.UserID
			if in.CreatedAt == 0 {
				in.CreatedAt = now
			}

			tools, err := marshalJSON(in.ToolsUsed)
			if err != nil {
				return err
			}
			if len(in.ToolsUsed) == 0 {
				tools = ""
			}

			_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO interactions (org_id, interaction_id, request_id, user_id, role, content,
    shadow_content, user_action, user_action_description, interacted_image_url,
    image_encoding, tools_used, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				orgID, in.InteractionID, in.RequestID, in.UserID, string(in.Role), in.Content,
				nullStr(in.ShadowContent), string(in.UserAction), nullStr(in.UserActionDescription),
				nullStr(in.InteractedImageURL), nullStr(in.ImageEncoding), nullStr(tools),
				encodeEmbedding(in.Embedding), in.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert interaction: %w", err)
			}
		}

		return nil
	})
}

// GetRequest loads one request.
func (s *Store) GetRequest(ctx context.Context, orgID, requestID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT request_id, user_id, source, COALESCE(agent_version, ''), COALESCE(request_group, ''), created_at
FROM requests WHERE org_id = ? AND request_id = ?`), orgID, requestID)

	var r Request
	err := row.Scan(&r.RequestID, &r.UserID, &r.Source, &r.AgentVersion, &r.RequestGroup, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierror.NotFound("request %s not found", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	return &r, nil
}

// GetRequests lists requests newest first.
func (s *Store) GetRequests(ctx context.Context, orgID string, f RequestFilter) ([]*Request, error) {
	query := `
SELECT request_id, user_id, source, COALESCE(agent_version, ''), COALESCE(request_group, ''), created_at
FROM requests WHERE org_id = ?`
	args := []any{orgID}

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.RequestGroup != "" {
		query += ` AND request_group = ?`
		args = append(args, f.RequestGroup)
	}
	if f.AgentVersion != "" {
		query += ` AND agent_version = ?`
		args = append(args, f.AgentVersion)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	query += ` ORDER BY created_at DESC, request_id DESC`
	query += fmt.Sprintf(` LIMIT %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.RequestID, &r.UserID, &r.Source, &r.AgentVersion, &r.RequestGroup, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetInteractions lists interactions, newest first unless AscendingID.
func (s *Store) GetInteractions(ctx context.Context, orgID string, f InteractionFilter) ([]*Interaction, error) {
	query := `
SELECT i.interaction_id, i.request_id, i.user_id, i.role, i.content,
    COALESCE(i.shadow_content, ''), COALESCE(i.user_action, ''),
    COALESCE(i.user_action_description, ''), COALESCE(i.interacted_image_url, ''),
    COALESCE(i.image_encoding, ''), COALESCE(i.tools_used, ''), i.embedding, i.created_at,
    COALESCE(r.source, ''), COALESCE(r.agent_version, '')
FROM interactions i
LEFT JOIN requests r ON r.org_id = i.org_id AND r.request_id = i.request_id
WHERE i.org_id = ?`
	args := []any{orgID}

	if f.UserID != "" {
		query += ` AND i.user_id = ?`
		args = append(args, f.UserID)
	}
	if f.RequestID != "" {
		query += ` AND i.request_id = ?`
		args = append(args, f.RequestID)
	}
	if f.Source != "" {
		query += ` AND r.source = ?`
		args = append(args, f.Source)
	}
	if f.AgentVersion != "" {
		query += ` AND r.agent_version = ?`
		args = append(args, f.AgentVersion)
	} else if f.Unversioned {
		query += ` AND (r.agent_version IS NULL OR r.agent_version = '')`
	}
	if f.After > 0 {
		query += ` AND i.created_at >= ?`
		args = append(args, f.After)
	}
	if f.Before > 0 {
		query += ` AND i.created_at < ?`
		args = append(args, f.Before)
	}
	if f.SinceID > 0 {
		query += ` AND i.interaction_id > ?`
		args = append(args, f.SinceID)
	}

	if f.AscendingID {
		query += ` ORDER BY i.interaction_id ASC`
	} else {
		query += ` ORDER BY i.interaction_id DESC`
	}
	query += fmt.Sprintf(` LIMIT %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	var in Interaction
	var role, action, tools string
	var emb []byte
	err := row.Scan(&in.InteractionID, &in.RequestID, &in.UserID, &role, &in.Content,
		&in.ShadowContent, &action, &in.UserActionDescription, &in.InteractedImageURL,
		&in.ImageEncoding, &tools, &emb, &in.CreatedAt, &in.Source, &in.AgentVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to scan interaction: %w", err)
	}
	in.Role = Role(role)
	in.UserAction = UserAction(action)
	in.Embedding = decodeEmbedding(emb)
	if err := unmarshalJSON(tools, &in.ToolsUsed); err != nil {
		return nil, fmt.Errorf("failed to decode tools_used: %w", err)
	}
	return &in, nil
}

// DeleteInteraction removes a single interaction row.
func (s *Store) DeleteInteraction(ctx context.Context, orgID string, interactionID int64) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM interactions WHERE org_id = ? AND interaction_id = ?`),
		orgID, interactionID)
	if err != nil {
		return fmt.Errorf("failed to delete interaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("interaction %d not found", interactionID)
	}
	return nil
}

// DeleteRequest removes a request and cascades to its interactions,
// profile events, raw feedbacks and success results. Derived profiles,
// aggregated feedbacks and skills survive; the audit trail lives in their
// generated_from / request references.
func (s *Store) DeleteRequest(ctx context.Context, orgID, requestID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM requests WHERE org_id = ? AND request_id = ?`), orgID, requestID)
		if err != nil {
			return fmt.Errorf("failed to delete request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apierror.NotFound("request %s not found", requestID)
		}
		return s.cascadeRequest(ctx, tx, orgID, requestID)
	})
}

// DeleteRequestGroup removes every request in a group with full cascade.
func (s *Store) DeleteRequestGroup(ctx context.Context, orgID, requestGroup string) error {
	if requestGroup == "" {
		return apierror.Validation("request_group is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT request_id FROM requests WHERE org_id = ? AND request_group = ?`),
			orgID, requestGroup)
		if err != nil {
			return fmt.Errorf("failed to list group requests: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan request id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				s.q(`DELETE FROM requests WHERE org_id = ? AND request_id = ?`), orgID, id); err != nil {
				return fmt.Errorf("failed to delete request: %w", err)
			}
			if err := s.cascadeRequest(ctx, tx, orgID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteUser removes a user's requests (with cascade), interactions,
// profiles and profile events.
func (s *Store) DeleteUser(ctx context.Context, orgID, userID string) error {
	if userID == "" {
		return apierror.Validation("user_id is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM success_results WHERE org_id = ? AND request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND user_id = ?)`,
			`DELETE FROM raw_feedbacks WHERE org_id = ? AND request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND user_id = ?)`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), orgID, orgID, userID); err != nil {
				return fmt.Errorf("failed to cascade user delete: %w", err)
			}
		}
		for _, stmt := range []string{
			`DELETE FROM interactions WHERE org_id = ? AND user_id = ?`,
			`DELETE FROM profile_events WHERE org_id = ? AND user_id = ?`,
			`DELETE FROM profiles WHERE org_id = ? AND user_id = ?`,
			`DELETE FROM requests WHERE org_id = ? AND user_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), orgID, userID); err != nil {
				return fmt.Errorf("failed to cascade user delete: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) cascadeRequest(ctx context.Context, tx *sql.Tx, orgID, requestID string) error {
	for _, stmt := range []string{
		`DELETE FROM interactions WHERE org_id = ? AND request_id = ?`,
		`DELETE FROM profile_events WHERE org_id = ? AND request_id = ?`,
		`DELETE FROM raw_feedbacks WHERE org_id = ? AND request_id = ?`,
		`DELETE FROM success_results WHERE org_id = ? AND request_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), orgID, requestID); err != nil {
			return fmt.Errorf("failed to cascade request delete: %w", err)
		}
	}
	return nil
}

// CountInteractions reports eligible interactions above a cursor for one
// user, optionally restricted to a source set.
func (s *Store) CountInteractions(ctx context.Context, orgID string, f InteractionFilter) (int, error) {
	query := `SELECT COUNT(*) FROM interactions i WHERE i.org_id = ?`
	args := []any{orgID}
	if f.UserID != "" {
		query += ` AND i.user_id = ?`
		args = append(args, f.UserID)
	}
	if f.SinceID > 0 {
		query += ` AND i.interaction_id > ?`
		args = append(args, f.SinceID)
	}
	if f.Source != "" {
		query += ` AND i.request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND source = ?)`
		args = append(args, orgID, f.Source)
	}
	if f.AgentVersion != "" {
		query += ` AND i.request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND agent_version = ?)`
		args = append(args, orgID, f.AgentVersion)
	} else if f.Unversioned {
		query += ` AND i.request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND (agent_version IS NULL OR agent_version = ''))`
		args = append(args, orgID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}
	return n, nil
}

// normalizeLimit clamps list limits to (0, 1000] with a default of 100.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
