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
	"strings"

	"github.com/engramhq/engram/pkg/apierror"
)

// ProfileFilter narrows profile reads.
type ProfileFilter struct {
	UserID        string
	ExtractorName string
	Source        string
	Statuses      []Status // empty means current only
	After         int64
	Before        int64
	Limit         int
}

// ProfileDelta is an atomic batch of profile transitions produced by one
// extraction run. Adds insert with the given status; ArchiveIDs transition
// current rows to archived; TouchIDs refresh last_modified_at on kept
// rows; ShareIDs gain an extractor name. Events record the change log.
type ProfileDelta struct {
	Adds       []*Profile
	ArchiveIDs []string
	TouchIDs   []string
	ShareIDs   map[string]string // profile_id -> extractor name to append
	Events     []*ProfileEvent
}

// Empty reports whether the delta changes nothing.
func (d *ProfileDelta) Empty() bool {
	return len(d.Adds) == 0 && len(d.ArchiveIDs) == 0 && len(d.TouchIDs) == 0 &&
		len(d.ShareIDs) == 0 && len(d.Events) == 0
}

// ApplyProfileDelta commits a whole delta in one transaction. Inserts are
// idempotent on profile_id, so a timed-out run that already wrote some
// rows can be safely re-applied.
func (s *Store) ApplyProfileDelta(ctx context.Context, orgID string, d *ProfileDelta) error {
	if d == nil || d.Empty() {
		return nil
	}
	now := s.now().Unix()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range d.ArchiveIDs {
			if _, err := tx.ExecContext(ctx, s.q(`
UPDATE profiles SET status = ?, last_modified_at = ?
WHERE org_id = ? AND profile_id = ? AND status IN (?, ?)`),
				string(StatusArchived), now, orgID, id,
				string(StatusCurrent), string(StatusPending)); err != nil {
				return fmt.Errorf("failed to archive profile: %w", err)
			}
		}

		for _, p := range d.Adds {
			if err := s.insertProfileTx(ctx, tx, orgID, p); err != nil {
				return err
			}
		}

		for _, id := range d.TouchIDs {
			if _, err := tx.ExecContext(ctx, s.q(`
UPDATE profiles SET last_modified_at = ? WHERE org_id = ? AND profile_id = ?`),
				now, orgID, id); err != nil {
				return fmt.Errorf("failed to touch profile: %w", err)
			}
		}

		for id, extractor := range d.ShareIDs {
			if err := s.appendExtractorNameTx(ctx, tx, orgID, id, extractor); err != nil {
				return err
			}
		}

		for _, ev := range d.Events {
			if ev.EventID == "" {
				ev.EventID = DeterministicID(orgID, "profile_events",
					ev.RequestID, ev.ProfileID, string(ev.Change), ev.ExtractorName)
			}
			if ev.CreatedAt == 0 {
				ev.CreatedAt = now
			}
			if err := s.insertProfileEventTx(ctx, tx, orgID, ev); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) insertProfileTx(ctx context.Context, tx *sql.Tx, orgID string, p *Profile) error {
	if p.ProfileID == "" {
		p.ProfileID = DeterministicID(orgID, "profiles", p.UserID, p.Content, strings.Join(p.ExtractorNames, ","))
	}
	if p.Status == "" {
		p.Status = StatusCurrent
	}
	now := s.now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.LastModifiedAt == 0 {
		p.LastModifiedAt = now
	}

	names, err := marshalJSON(p.ExtractorNames)
	if err != nil {
		return err
	}

	query := `
INSERT INTO profiles (org_id, profile_id, user_id, content, source, extractor_names,
    custom_features, generated_from_request_id, status, embedding, created_at,
    last_modified_at, expiration_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT (org_id, profile_id) DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}

	_, err = tx.ExecContext(ctx, s.q(query),
		orgID, p.ProfileID, p.UserID, p.Content, nullStr(p.Source), names,
		nullStr(string(p.CustomFeatures)), nullStr(p.GeneratedFromRequestID), string(p.Status),
		encodeEmbedding(p.Embedding), p.CreatedAt, p.LastModifiedAt, nullInt(p.ExpirationAt))
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

func (s *Store) appendExtractorNameTx(ctx context.Context, tx *sql.Tx, orgID, profileID, extractor string) error {
	var raw string
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT extractor_names FROM profiles WHERE org_id = ? AND profile_id = ?`),
		orgID, profileID).Scan(&raw)
	if err == sql.ErrNoRows {
		return apierror.NotFound("profile %s not found", profileID)
	}
	if err != nil {
		return fmt.Errorf("failed to load extractor names: %w", err)
	}

	var names []string
	if err := unmarshalJSON(raw, &names); err != nil {
		return fmt.Errorf("failed to decode extractor names: %w", err)
	}
	for _, n := range names {
		if n == extractor {
			return nil
		}
	}
	names = append(names, extractor)

	updated, err := marshalJSON(names)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`
UPDATE profiles SET extractor_names = ?, last_modified_at = ?
WHERE org_id = ? AND profile_id = ?`),
		updated, s.now().Unix(), orgID, profileID); err != nil {
		return fmt.Errorf("failed to update extractor names: %w", err)
	}
	return nil
}

func (s *Store) insertProfileEventTx(ctx context.Context, tx *sql.Tx, orgID string, ev *ProfileEvent) error {
	query := `
INSERT INTO profile_events (org_id, event_id, request_id, profile_id, user_id, extractor_name, change, content, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT (org_id, event_id) DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}
	_, err := tx.ExecContext(ctx, s.q(query),
		orgID, ev.EventID, ev.RequestID, ev.ProfileID, ev.UserID,
		ev.ExtractorName, string(ev.Change), ev.Content, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert profile event: %w", err)
	}
	return nil
}

// ListProfiles lists profiles, newest modification first. Expired rows are
// transitioned lazily before the read.
func (s *Store) ListProfiles(ctx context.Context, orgID string, f ProfileFilter) ([]*Profile, error) {
	if err := s.expireProfiles(ctx, orgID); err != nil {
		return nil, err
	}

	query := `
SELECT profile_id, user_id, content, COALESCE(source, ''), extractor_names,
    COALESCE(custom_features, ''), COALESCE(generated_from_request_id, ''), status,
    embedding, created_at, last_modified_at, COALESCE(expiration_at, 0)
FROM profiles WHERE org_id = ?`
	args := []any{orgID}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusCurrent}
	}
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.After > 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.After)
	}
	if f.Before > 0 {
		query += ` AND created_at < ?`
		args = append(args, f.Before)
	}
	query += ` ORDER BY last_modified_at DESC, profile_id DESC`
	query += fmt.Sprintf(` LIMIT %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		// Extractor ownership is a JSON set; filter in-process.
		if f.ExtractorName != "" && !containsString(p.ExtractorNames, f.ExtractorName) {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var names, features, status string
	var emb []byte
	err := row.Scan(&p.ProfileID, &p.UserID, &p.Content, &p.Source, &names,
		&features, &p.GeneratedFromRequestID, &status, &emb,
		&p.CreatedAt, &p.LastModifiedAt, &p.ExpirationAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	p.Status = Status(status)
	p.Embedding = decodeEmbedding(emb)
	if features != "" {
		p.CustomFeatures = []byte(features)
	}
	if err := unmarshalJSON(names, &p.ExtractorNames); err != nil {
		return nil, fmt.Errorf("failed to decode extractor names: %w", err)
	}
	return &p, nil
}

// ArchiveProfile transitions one profile to archived.
func (s *Store) ArchiveProfile(ctx context.Context, orgID, profileID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE profiles SET status = ?, last_modified_at = ?
WHERE org_id = ? AND profile_id = ? AND status != ?`),
		string(StatusArchived), s.now().Unix(), orgID, profileID, string(StatusArchived))
	if err != nil {
		return fmt.Errorf("failed to archive profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("profile %s not found", profileID)
	}
	return nil
}

// ArchiveUserProfiles archives every current profile of a user. Returns
// the number of rows transitioned.
func (s *Store) ArchiveUserProfiles(ctx context.Context, orgID, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE profiles SET status = ?, last_modified_at = ?
WHERE org_id = ? AND user_id = ? AND status = ?`),
		string(StatusArchived), s.now().Unix(), orgID, userID, string(StatusCurrent))
	if err != nil {
		return 0, fmt.Errorf("failed to archive user profiles: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PromotePendingProfiles promotes a user's pending rerun outputs for one
// extractor to current, archiving the current rows they replace. Rows
// owned by other extractors are untouched.
func (s *Store) PromotePendingProfiles(ctx context.Context, orgID, userID, extractorName string) error {
	if extractorName == "" {
		return apierror.Validation("extractor_name is required")
	}
	now := s.now().Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		demote, err := s.ownedProfileIDs(ctx, tx, orgID, userID, StatusCurrent, extractorName)
		if err != nil {
			return err
		}
		promote, err := s.ownedProfileIDs(ctx, tx, orgID, userID, StatusPending, extractorName)
		if err != nil {
			return err
		}
		if err := s.setProfileStatus(ctx, tx, orgID, demote, StatusArchived, now); err != nil {
			return err
		}
		return s.setProfileStatus(ctx, tx, orgID, promote, StatusCurrent, now)
	})
}

// ownedProfileIDs lists a user's profile ids in one status whose
// extractor set contains the extractor. Ownership is a JSON array
// column, so the filter runs in-process.
func (s *Store) ownedProfileIDs(ctx context.Context, tx *sql.Tx, orgID, userID string, status Status, extractorName string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, s.q(`
SELECT profile_id, extractor_names FROM profiles
WHERE org_id = ? AND user_id = ? AND status = ?`),
		orgID, userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		var names []string
		if err := unmarshalJSON(raw, &names); err != nil {
			return nil, fmt.Errorf("failed to decode extractor names: %w", err)
		}
		if containsString(names, extractorName) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (s *Store) setProfileStatus(ctx context.Context, tx *sql.Tx, orgID string, ids []string, status Status, now int64) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, s.q(`
UPDATE profiles SET status = ?, last_modified_at = ?
WHERE org_id = ? AND profile_id = ?`),
			string(status), now, orgID, id); err != nil {
			return fmt.Errorf("failed to set profile status: %w", err)
		}
	}
	return nil
}

// expireProfiles lazily transitions current rows past their TTL.
func (s *Store) expireProfiles(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE profiles SET status = ?
WHERE org_id = ? AND status = ? AND expiration_at IS NOT NULL AND expiration_at > 0 AND expiration_at <= ?`),
		string(StatusExpired), orgID, string(StatusCurrent), s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to expire profiles: %w", err)
	}
	return nil
}

// GetProfileChangeLog returns the per-request profile deltas, grouped by
// change kind.
func (s *Store) GetProfileChangeLog(ctx context.Context, orgID, requestID string) ([]*ProfileEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT event_id, request_id, profile_id, user_id, extractor_name, change, content, created_at
FROM profile_events WHERE org_id = ? AND request_id = ?
ORDER BY created_at ASC, event_id ASC`), orgID, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load change log: %w", err)
	}
	defer rows.Close()

	var out []*ProfileEvent
	for rows.Next() {
		var ev ProfileEvent
		var change string
		if err := rows.Scan(&ev.EventID, &ev.RequestID, &ev.ProfileID, &ev.UserID,
			&ev.ExtractorName, &change, &ev.Content, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile event: %w", err)
		}
		ev.Change = ProfileChange(change)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
