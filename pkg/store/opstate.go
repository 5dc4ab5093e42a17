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
	"time"
)

// StaleLockAge is how long a lock may stay in progress before any trigger
// can reclaim it. It doubles as the extraction run timeout.
const StaleLockAge = 300 * time.Second

// TryAcquire attempts to take the per-scope lock. Acquisition succeeds
// when no row exists, the row is not in progress, or the holder is stale.
// On refusal the trigger's request id is parked in pending_request_id
// (last writer wins), which is the coalescing rule: however many triggers
// arrive, at most one follow-up run is queued.
func (s *Store) TryAcquire(ctx context.Context, orgID, serviceName, requestID string) (bool, error) {
	now := s.now().Unix()
	staleBefore := now - int64(StaleLockAge/time.Second)

	var acquired bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT in_progress, started_at FROM operation_states WHERE org_id = ? AND service_name = ?`
		if s.dialect == "postgres" {
			query += ` FOR UPDATE`
		}

		var inProgress bool
		var startedAt int64
		err := tx.QueryRowContext(ctx, s.q(query), orgID, serviceName).Scan(&inProgress, &startedAt)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO operation_states (org_id, service_name, in_progress, started_at, current_request_id, pending_request_id)
VALUES (?, ?, ?, ?, ?, NULL)`),
				orgID, serviceName, true, now, nullStr(requestID))
			if err != nil {
				return fmt.Errorf("failed to insert operation state: %w", err)
			}
			acquired = true
			return nil

		case err != nil:
			return fmt.Errorf("failed to read operation state: %w", err)

		case !inProgress || startedAt <= staleBefore:
			_, err = tx.ExecContext(ctx, s.q(`
UPDATE operation_states
SET in_progress = ?, started_at = ?, current_request_id = ?, pending_request_id = NULL
WHERE org_id = ? AND service_name = ?`),
				true, now, nullStr(requestID), orgID, serviceName)
			if err != nil {
				return fmt.Errorf("failed to acquire operation state: %w", err)
			}
			acquired = true
			return nil

		default:
			_, err = tx.ExecContext(ctx, s.q(`
UPDATE operation_states SET pending_request_id = ?
WHERE org_id = ? AND service_name = ?`),
				nullStr(requestID), orgID, serviceName)
			if err != nil {
				return fmt.Errorf("failed to park pending trigger: %w", err)
			}
			acquired = false
			return nil
		}
	})
	return acquired, err
}

// Finish releases the per-scope lock. If a pending trigger was parked
// while the run was in flight, the lock stays held, the pending request
// becomes current, and the caller must immediately re-run; rerun reports
// this. Otherwise the row returns to idle.
func (s *Store) Finish(ctx context.Context, orgID, serviceName string) (pendingRequestID string, rerun bool, err error) {
	now := s.now().Unix()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT COALESCE(pending_request_id, '') FROM operation_states WHERE org_id = ? AND service_name = ?`
		if s.dialect == "postgres" {
			query += ` FOR UPDATE`
		}

		var pending string
		err := tx.QueryRowContext(ctx, s.q(query), orgID, serviceName).Scan(&pending)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read operation state: %w", err)
		}

		if pending != "" {
			_, err = tx.ExecContext(ctx, s.q(`
UPDATE operation_states
SET started_at = ?, current_request_id = ?, pending_request_id = NULL
WHERE org_id = ? AND service_name = ?`),
				now, pending, orgID, serviceName)
			if err != nil {
				return fmt.Errorf("failed to roll over pending trigger: %w", err)
			}
			pendingRequestID = pending
			rerun = true
			return nil
		}

		_, err = tx.ExecContext(ctx, s.q(`
UPDATE operation_states
SET in_progress = ?, current_request_id = NULL
WHERE org_id = ? AND service_name = ?`),
			false, orgID, serviceName)
		if err != nil {
			return fmt.Errorf("failed to release operation state: %w", err)
		}
		return nil
	})
	return pendingRequestID, rerun, err
}

// ClearLock forces a scope back to idle. Used when a run fails fatally so
// future triggers are not blocked until the stale deadline.
func (s *Store) ClearLock(ctx context.Context, orgID, serviceName string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE operation_states
SET in_progress = ?, current_request_id = NULL, pending_request_id = NULL
WHERE org_id = ? AND service_name = ?`),
		false, orgID, serviceName)
	if err != nil {
		return fmt.Errorf("failed to clear operation state: %w", err)
	}
	return nil
}

// GetOperationState reads one lock row, mainly for tests and diagnostics.
func (s *Store) GetOperationState(ctx context.Context, orgID, serviceName string) (*OperationState, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT service_name, in_progress, started_at, COALESCE(current_request_id, ''), COALESCE(pending_request_id, '')
FROM operation_states WHERE org_id = ? AND service_name = ?`), orgID, serviceName)

	var st OperationState
	err := row.Scan(&st.ServiceName, &st.InProgress, &st.StartedAt, &st.CurrentRequestID, &st.PendingRequestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read operation state: %w", err)
	}
	return &st, nil
}

// GetCursor reads a window cursor position. A missing row reads as zero.
func (s *Store) GetCursor(ctx context.Context, orgID, extractorName, scopeKey string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT position FROM window_cursors WHERE org_id = ? AND extractor_name = ? AND scope_key = ?`),
		orgID, extractorName, scopeKey).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read window cursor: %w", err)
	}
	return pos, nil
}

// SetCursor upserts a window cursor position.
func (s *Store) SetCursor(ctx context.Context, orgID, extractorName, scopeKey string, position int64) error {
	var query string
	if s.dialect == "postgres" {
		query = `
INSERT INTO window_cursors (org_id, extractor_name, scope_key, position)
VALUES (?, ?, ?, ?)
ON CONFLICT (org_id, extractor_name, scope_key) DO UPDATE SET position = EXCLUDED.position`
	} else {
		query = `
INSERT OR REPLACE INTO window_cursors (org_id, extractor_name, scope_key, position)
VALUES (?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.q(query), orgID, extractorName, scopeKey, position); err != nil {
		return fmt.Errorf("failed to set window cursor: %w", err)
	}
	return nil
}

// ResetCursors clears every cursor for an extractor, forcing the next
// incremental pass to start from the beginning. Used by reruns.
func (s *Store) ResetCursors(ctx context.Context, orgID, extractorName string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM window_cursors WHERE org_id = ? AND extractor_name = ?`),
		orgID, extractorName)
	if err != nil {
		return fmt.Errorf("failed to reset window cursors: %w", err)
	}
	return nil
}
