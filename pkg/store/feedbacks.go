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

// FeedbackFilter narrows raw and aggregated feedback reads.
type FeedbackFilter struct {
	AgentVersion   string
	FeedbackName   string
	RequestID      string
	UserID         string
	Source         string
	Statuses       []Status         // empty means current only
	FeedbackStatus []FeedbackStatus // aggregated only; empty means approved only
	After          int64
	Before         int64
	Limit          int
}

// InsertRawFeedbacks writes a batch of raw feedbacks atomically. IDs are
// content-derived, so retried extraction runs insert each observation at
// most once.
func (s *Store) InsertRawFeedbacks(ctx context.Context, orgID string, items []*RawFeedback) error {
	if len(items) == 0 {
		return nil
	}
	now := s.now().Unix()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range items {
			if f.FeedbackName == "" {
				return apierror.Validation("feedback_name is required")
			}
			if f.FeedbackContent == "" {
				return apierror.Validation("feedback_content is required")
			}
			if f.IndexedContent == "" {
				f.IndexedContent = f.FeedbackContent
				if f.WhenCondition != "" {
					f.IndexedContent = f.WhenCondition
				}
			}
			if f.RawFeedbackID == "" {
				f.RawFeedbackID = DeterministicID(orgID, "raw_feedbacks",
					f.AgentVersion, f.FeedbackName, f.RequestID, f.FeedbackContent)
			}
			if f.Status == "" {
				f.Status = StatusCurrent
			}
			if f.CreatedAt == 0 {
				f.CreatedAt = now
			}

			var issueKind, issueDetails string
			if f.BlockingIssue != nil {
				issueKind = f.BlockingIssue.Kind
				issueDetails = f.BlockingIssue.Details
			}

			query := `
INSERT INTO raw_feedbacks (org_id, raw_feedback_id, user_id, agent_version, request_id,
    source, feedback_name, feedback_content, do_action, do_not_action, when_condition,
    blocking_issue_kind, blocking_issue_details, indexed_content, status, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			if s.dialect == "postgres" {
				query += ` ON CONFLICT (org_id, raw_feedback_id) DO NOTHING`
			} else {
				query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
			}

			_, err := tx.ExecContext(ctx, s.q(query),
				orgID, f.RawFeedbackID, nullStr(f.UserID), f.AgentVersion, nullStr(f.RequestID),
				nullStr(f.Source), f.FeedbackName, f.FeedbackContent, nullStr(f.DoAction),
				nullStr(f.DoNotAction), nullStr(f.WhenCondition), nullStr(issueKind),
				nullStr(issueDetails), f.IndexedContent, string(f.Status),
				encodeEmbedding(f.Embedding), f.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert raw feedback: %w", err)
			}
		}
		return nil
	})
}

// ListRawFeedbacks lists raw feedbacks, newest first.
func (s *Store) ListRawFeedbacks(ctx context.Context, orgID string, f FeedbackFilter) ([]*RawFeedback, error) {
	query := `
SELECT raw_feedback_id, COALESCE(user_id, ''), agent_version, COALESCE(request_id, ''),
    COALESCE(source, ''), feedback_name, feedback_content, COALESCE(do_action, ''),
    COALESCE(do_not_action, ''), COALESCE(when_condition, ''),
    COALESCE(blocking_issue_kind, ''), COALESCE(blocking_issue_details, ''),
    indexed_content, status, embedding, created_at
FROM raw_feedbacks WHERE org_id = ?`
	args := []any{orgID}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusCurrent}
	}
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args = append(args, string(st))
	}
	query += ` AND status IN (` + strings.Join(ph, ", ") + `)`

	if f.AgentVersion != "" {
		query += ` AND agent_version = ?`
		args = append(args, f.AgentVersion)
	}
	if f.FeedbackName != "" {
		query += ` AND feedback_name = ?`
		args = append(args, f.FeedbackName)
	}
	if f.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, f.RequestID)
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.After > 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.After)
	}
	if f.Before > 0 {
		query += ` AND created_at < ?`
		args = append(args, f.Before)
	}
	query += ` ORDER BY created_at DESC, raw_feedback_id DESC`
	query += fmt.Sprintf(` LIMIT %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw feedbacks: %w", err)
	}
	defer rows.Close()

	var out []*RawFeedback
	for rows.Next() {
		rf, err := scanRawFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func scanRawFeedback(row rowScanner) (*RawFeedback, error) {
	var f RawFeedback
	var status, issueKind, issueDetails string
	var emb []byte
	err := row.Scan(&f.RawFeedbackID, &f.UserID, &f.AgentVersion, &f.RequestID,
		&f.Source, &f.FeedbackName, &f.FeedbackContent, &f.DoAction,
		&f.DoNotAction, &f.WhenCondition, &issueKind, &issueDetails,
		&f.IndexedContent, &status, &emb, &f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan raw feedback: %w", err)
	}
	f.Status = Status(status)
	f.Embedding = decodeEmbedding(emb)
	if issueKind != "" || issueDetails != "" {
		f.BlockingIssue = &BlockingIssue{Kind: issueKind, Details: issueDetails}
	}
	return &f, nil
}

// CountRawFeedbacks counts current raw feedbacks for an
// (agent_version, feedback_name) pair. The aggregation trigger derives
// its counter from this, never from stored state.
func (s *Store) CountRawFeedbacks(ctx context.Context, orgID, agentVersion, feedbackName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT COUNT(*) FROM raw_feedbacks
WHERE org_id = ? AND agent_version = ? AND feedback_name = ? AND status = ?`),
		orgID, agentVersion, feedbackName, string(StatusCurrent)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count raw feedbacks: %w", err)
	}
	return n, nil
}

// DeleteRawFeedback removes one raw feedback. Aggregates built from it
// are never retracted.
func (s *Store) DeleteRawFeedback(ctx context.Context, orgID, rawFeedbackID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM raw_feedbacks WHERE org_id = ? AND raw_feedback_id = ?`),
		orgID, rawFeedbackID)
	if err != nil {
		return fmt.Errorf("failed to delete raw feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("raw feedback %s not found", rawFeedbackID)
	}
	return nil
}

// UpdateRawFeedbackStatus transitions one raw feedback's status.
func (s *Store) UpdateRawFeedbackStatus(ctx context.Context, orgID, rawFeedbackID string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE raw_feedbacks SET status = ? WHERE org_id = ? AND raw_feedback_id = ?`),
		string(status), orgID, rawFeedbackID)
	if err != nil {
		return fmt.Errorf("failed to update raw feedback status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("raw feedback %s not found", rawFeedbackID)
	}
	return nil
}

// InsertFeedback writes one aggregated feedback.
func (s *Store) InsertFeedback(ctx context.Context, orgID string, f *Feedback) error {
	if f.FeedbackID == "" {
		f.FeedbackID = DeterministicID(orgID, "feedbacks",
			f.AgentVersion, f.FeedbackName, strings.Join(f.Metadata.RawFeedbackIDs, ","))
	}
	if f.Status == "" {
		f.Status = StatusCurrent
	}
	if f.FeedbackStatus == "" {
		f.FeedbackStatus = FeedbackPending
	}
	now := s.now().Unix()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	if f.LastModifiedAt == 0 {
		f.LastModifiedAt = now
	}

	rawIDs, err := marshalJSON(f.Metadata.RawFeedbackIDs)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(f.Metadata)
	if err != nil {
		return err
	}

	var issueKind, issueDetails string
	if f.BlockingIssue != nil {
		issueKind = f.BlockingIssue.Kind
		issueDetails = f.BlockingIssue.Details
	}

	query := `
INSERT INTO feedbacks (org_id, feedback_id, agent_version, feedback_name, feedback_content,
    do_action, do_not_action, when_condition, blocking_issue_kind, blocking_issue_details,
    raw_feedback_ids, feedback_status, metadata, status, embedding, created_at, last_modified_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT (org_id, feedback_id) DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}

	_, err = s.db.ExecContext(ctx, s.q(query),
		orgID, f.FeedbackID, f.AgentVersion, f.FeedbackName, f.FeedbackContent,
		nullStr(f.DoAction), nullStr(f.DoNotAction), nullStr(f.WhenCondition),
		nullStr(issueKind), nullStr(issueDetails), rawIDs, string(f.FeedbackStatus),
		meta, string(f.Status), encodeEmbedding(f.Embedding), f.CreatedAt, f.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// ListFeedbacks lists aggregated feedbacks, newest first. By default only
// approved, current rows are visible; explicit filters override.
func (s *Store) ListFeedbacks(ctx context.Context, orgID string, f FeedbackFilter) ([]*Feedback, error) {
	query := `
SELECT feedback_id, agent_version, feedback_name, feedback_content,
    COALESCE(do_action, ''), COALESCE(do_not_action, ''), COALESCE(when_condition, ''),
    COALESCE(blocking_issue_kind, ''), COALESCE(blocking_issue_details, ''),
    raw_feedback_ids, feedback_status, COALESCE(metadata, ''), status, embedding,
    created_at, last_modified_at
FROM feedbacks WHERE org_id = ?`
	args := []any{orgID}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusCurrent}
	}
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args = append(args, string(st))
	}
	query += ` AND status IN (` + strings.Join(ph, ", ") + `)`

	fbStatuses := f.FeedbackStatus
	if len(fbStatuses) == 0 {
		fbStatuses = []FeedbackStatus{FeedbackApproved}
	}
	ph = make([]string, len(fbStatuses))
	for i, st := range fbStatuses {
		ph[i] = "?"
		args = append(args, string(st))
	}
	query += ` AND feedback_status IN (` + strings.Join(ph, ", ") + `)`

	if f.AgentVersion != "" {
		query += ` AND agent_version = ?`
		args = append(args, f.AgentVersion)
	}
	if f.FeedbackName != "" {
		query += ` AND feedback_name = ?`
		args = append(args, f.FeedbackName)
	}
	if f.After > 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.After)
	}
	if f.Before > 0 {
		query += ` AND created_at < ?`
		args = append(args, f.Before)
	}
	query += ` ORDER BY created_at DESC, feedback_id DESC`
	query += fmt.Sprintf(` LIMIT %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedbacks: %w", err)
	}
	defer rows.Close()

	var out []*Feedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

func scanFeedback(row rowScanner) (*Feedback, error) {
	var f Feedback
	var status, fbStatus, issueKind, issueDetails, rawIDs, meta string
	var emb []byte
	err := row.Scan(&f.FeedbackID, &f.AgentVersion, &f.FeedbackName, &f.FeedbackContent,
		&f.DoAction, &f.DoNotAction, &f.WhenCondition, &issueKind, &issueDetails,
		&rawIDs, &fbStatus, &meta, &status, &emb, &f.CreatedAt, &f.LastModifiedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan feedback: %w", err)
	}
	f.Status = Status(status)
	f.FeedbackStatus = FeedbackStatus(fbStatus)
	f.Embedding = decodeEmbedding(emb)
	if issueKind != "" || issueDetails != "" {
		f.BlockingIssue = &BlockingIssue{Kind: issueKind, Details: issueDetails}
	}
	if err := unmarshalJSON(meta, &f.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode feedback metadata: %w", err)
	}
	if len(f.Metadata.RawFeedbackIDs) == 0 {
		if err := unmarshalJSON(rawIDs, &f.Metadata.RawFeedbackIDs); err != nil {
			return nil, fmt.Errorf("failed to decode raw feedback ids: %w", err)
		}
	}
	return &f, nil
}

// UpdateFeedbackStatus moves an aggregated feedback through its approval
// lifecycle.
func (s *Store) UpdateFeedbackStatus(ctx context.Context, orgID, feedbackID string, status FeedbackStatus) error {
	switch status {
	case FeedbackPending, FeedbackApproved, FeedbackRejected:
	default:
		return apierror.Validation("invalid feedback_status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE feedbacks SET feedback_status = ?, last_modified_at = ?
WHERE org_id = ? AND feedback_id = ?`),
		string(status), s.now().Unix(), orgID, feedbackID)
	if err != nil {
		return fmt.Errorf("failed to update feedback status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("feedback %s not found", feedbackID)
	}
	return nil
}

// RefreshFeedbackMetadata replaces the cluster bookkeeping of an existing
// aggregate without touching its consolidated content.
func (s *Store) RefreshFeedbackMetadata(ctx context.Context, orgID, feedbackID string, meta FeedbackMetadata) error {
	rawIDs, err := marshalJSON(meta.RawFeedbackIDs)
	if err != nil {
		return err
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE feedbacks SET raw_feedback_ids = ?, metadata = ?, last_modified_at = ?
WHERE org_id = ? AND feedback_id = ?`),
		rawIDs, metaJSON, s.now().Unix(), orgID, feedbackID)
	if err != nil {
		return fmt.Errorf("failed to refresh feedback metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("feedback %s not found", feedbackID)
	}
	return nil
}

// ArchiveFeedback transitions one aggregated feedback to archived.
func (s *Store) ArchiveFeedback(ctx context.Context, orgID, feedbackID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE feedbacks SET status = ?, last_modified_at = ?
WHERE org_id = ? AND feedback_id = ? AND status != ?`),
		string(StatusArchived), s.now().Unix(), orgID, feedbackID, string(StatusArchived))
	if err != nil {
		return fmt.Errorf("failed to archive feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("feedback %s not found", feedbackID)
	}
	return nil
}

// DeleteFeedback removes one aggregated feedback.
func (s *Store) DeleteFeedback(ctx context.Context, orgID, feedbackID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM feedbacks WHERE org_id = ? AND feedback_id = ?`), orgID, feedbackID)
	if err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("feedback %s not found", feedbackID)
	}
	return nil
}

// InsertSkill writes one synthesized skill.
func (s *Store) InsertSkill(ctx context.Context, orgID string, sk *Skill) error {
	if sk.SkillID == "" {
		sk.SkillID = DeterministicID(orgID, "skills",
			sk.AgentVersion, sk.FeedbackName, strings.Join(sk.FeedbackIDs, ","))
	}
	if sk.SkillStatus == "" {
		sk.SkillStatus = SkillDraft
	}
	if sk.CreatedAt == 0 {
		sk.CreatedAt = s.now().Unix()
	}

	tools, err := marshalJSON(sk.AllowedTools)
	if err != nil {
		return err
	}
	issues, err := marshalJSON(sk.BlockingIssues)
	if err != nil {
		return err
	}
	fbIDs, err := marshalJSON(sk.FeedbackIDs)
	if err != nil {
		return err
	}
	rawIDs, err := marshalJSON(sk.RawFeedbackIDs)
	if err != nil {
		return err
	}

	query := `
INSERT INTO skills (org_id, skill_id, agent_version, feedback_name, skill_name, description,
    instructions, allowed_tools, blocking_issues, feedback_ids, raw_feedback_ids,
    skill_status, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT (org_id, skill_id) DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}

	_, err = s.db.ExecContext(ctx, s.q(query),
		orgID, sk.SkillID, sk.AgentVersion, sk.FeedbackName, sk.SkillName, sk.Description,
		sk.Instructions, nullStr(tools), nullStr(issues), fbIDs, nullStr(rawIDs),
		string(sk.SkillStatus), encodeEmbedding(sk.Embedding), sk.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert skill: %w", err)
	}
	return nil
}

// ListSkills lists skills, newest first.
func (s *Store) ListSkills(ctx context.Context, orgID string, f FeedbackFilter, skillStatuses []SkillStatus) ([]*Skill, error) {
	query := `
SELECT skill_id, agent_version, feedback_name, skill_name, COALESCE(description, ''),
    instructions, COALESCE(allowed_tools, ''), COALESCE(blocking_issues, ''),
    feedback_ids, COALESCE(raw_feedback_ids, ''), skill_status, embedding, created_at
FROM skills WHERE org_id = ?`
	args := []any{orgID}

	if len(skillStatuses) > 0 {
		ph := make([]string, len(skillStatuses))
		for i, st := range skillStatuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND skill_status IN (` + strings.Join(ph, ", ") + `)`
	}
	if f.AgentVersion != "" {
		query += ` AND agent_version = ?`
		args = append(args, f.AgentVersion)
	}
	if f.FeedbackName != "" {
		query += ` AND feedback_name = ?`
		args = append(args, f.FeedbackName)
	}
	query += ` ORDER BY created_at DESC, skill_id DESC`
	query += fmt.Sprintf(` LIMIT %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		var sk Skill
		var status, tools, issues, fbIDs, rawIDs string
		var emb []byte
		if err := rows.Scan(&sk.SkillID, &sk.AgentVersion, &sk.FeedbackName, &sk.SkillName,
			&sk.Description, &sk.Instructions, &tools, &issues, &fbIDs, &rawIDs,
			&status, &emb, &sk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan skill: %w", err)
		}
		sk.SkillStatus = SkillStatus(status)
		sk.Embedding = decodeEmbedding(emb)
		if err := unmarshalJSON(tools, &sk.AllowedTools); err != nil {
			return nil, fmt.Errorf("failed to decode allowed tools: %w", err)
		}
		if err := unmarshalJSON(issues, &sk.BlockingIssues); err != nil {
			return nil, fmt.Errorf("failed to decode blocking issues: %w", err)
		}
		if err := unmarshalJSON(fbIDs, &sk.FeedbackIDs); err != nil {
			return nil, fmt.Errorf("failed to decode feedback ids: %w", err)
		}
		if err := unmarshalJSON(rawIDs, &sk.RawFeedbackIDs); err != nil {
			return nil, fmt.Errorf("failed to decode raw feedback ids: %w", err)
		}
		out = append(out, &sk)
	}
	return out, rows.Err()
}

// UpdateSkillStatus moves a skill through its lifecycle.
func (s *Store) UpdateSkillStatus(ctx context.Context, orgID, skillID string, status SkillStatus) error {
	switch status {
	case SkillDraft, SkillActive, SkillRetired:
	default:
		return apierror.Validation("invalid skill_status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE skills SET skill_status = ? WHERE org_id = ? AND skill_id = ?`),
		string(status), orgID, skillID)
	if err != nil {
		return fmt.Errorf("failed to update skill status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound("skill %s not found", skillID)
	}
	return nil
}
