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

import "encoding/json"

// Status is the visibility lifecycle of a derived artifact. Default read
// paths return only current rows; pending rows come from reruns awaiting
// promotion, archived rows are superseded history, expired rows aged out
// past their TTL.
type Status string

const (
	StatusCurrent  Status = "current"
	StatusPending  Status = "pending"
	StatusArchived Status = "archived"
	StatusExpired  Status = "expired"
)

// Role identifies the author of an interaction turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// UserAction is a UI action captured alongside an interaction.
type UserAction string

const (
	ActionNone   UserAction = "NONE"
	ActionClick  UserAction = "CLICK"
	ActionScroll UserAction = "SCROLL"
	ActionType   UserAction = "TYPE"
)

// FeedbackStatus is the human approval state of an aggregated feedback.
type FeedbackStatus string

const (
	FeedbackPending  FeedbackStatus = "pending"
	FeedbackApproved FeedbackStatus = "approved"
	FeedbackRejected FeedbackStatus = "rejected"
)

// SkillStatus is the lifecycle of a synthesized skill.
type SkillStatus string

const (
	SkillDraft   SkillStatus = "draft"
	SkillActive  SkillStatus = "active"
	SkillRetired SkillStatus = "retired"
)

// ProfileChange classifies a profile change-log event.
type ProfileChange string

const (
	ChangeAdded     ProfileChange = "added"
	ChangeRemoved   ProfileChange = "removed"
	ChangeMentioned ProfileChange = "mentioned"
)

// ToolUse records one tool invocation inside an interaction.
type ToolUse struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Request is an ordered conversational turn-group. RequestGroup threads
// related requests; an empty group means the request is its own group.
type Request struct {
	RequestID    string `json:"request_id"`
	UserID       string `json:"user_id"`
	Source       string `json:"source"`
	AgentVersion string `json:"agent_version,omitempty"`
	RequestGroup string `json:"request_group,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Interaction is a single turn inside a request. InteractionID strictly
// increases per tenant; once written the text fields never change.
// ShadowContent is an alternative agent response captured for A/B
// comparison modes.
type Interaction struct {
	InteractionID         int64      `json:"interaction_id"`
	RequestID             string     `json:"request_id"`
	UserID                string     `json:"user_id"`
	Role                  Role       `json:"role"`
	Content               string     `json:"content"`
	ShadowContent         string     `json:"shadow_content,omitempty"`
	UserAction            UserAction `json:"user_action,omitempty"`
	UserActionDescription string     `json:"user_action_description,omitempty"`
	InteractedImageURL    string     `json:"interacted_image_url,omitempty"`
	ImageEncoding         string     `json:"image_encoding,omitempty"`
	ToolsUsed             []ToolUse  `json:"tools_used,omitempty"`
	Embedding             []float32  `json:"-"`
	CreatedAt             int64      `json:"created_at"`

	// Source and AgentVersion are denormalized from the owning request on
	// reads; they are not stored on the interaction row.
	Source       string `json:"source,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// Profile is a semantic fact about a user. A profile may be owned by more
// than one extractor (ExtractorNames). ExpirationAt of zero means the
// profile never expires.
type Profile struct {
	ProfileID              string          `json:"profile_id"`
	UserID                 string          `json:"user_id"`
	Content                string          `json:"content"`
	Source                 string          `json:"source,omitempty"`
	ExtractorNames         []string        `json:"extractor_names"`
	CustomFeatures         json.RawMessage `json:"custom_features,omitempty"`
	GeneratedFromRequestID string          `json:"generated_from_request_id,omitempty"`
	Status                 Status          `json:"status"`
	Embedding              []float32       `json:"-"`
	CreatedAt              int64           `json:"created_at"`
	LastModifiedAt         int64           `json:"last_modified_at"`
	ExpirationAt           int64           `json:"expiration_at,omitempty"`
}

// ProfileEvent is one entry in the per-request profile change log.
type ProfileEvent struct {
	EventID       string        `json:"event_id"`
	RequestID     string        `json:"request_id"`
	ProfileID     string        `json:"profile_id"`
	UserID        string        `json:"user_id"`
	ExtractorName string        `json:"extractor_name"`
	Change        ProfileChange `json:"change"`
	Content       string        `json:"content"`
	CreatedAt     int64         `json:"created_at"`
}

// BlockingIssue classifies an obstacle the agent hit.
type BlockingIssue struct {
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

// RawFeedback is a single behavioral observation extracted from one
// window. IndexedContent is the text the embedding covers: the when
// condition if present, otherwise the feedback content.
type RawFeedback struct {
	RawFeedbackID   string         `json:"raw_feedback_id"`
	UserID          string         `json:"user_id,omitempty"`
	AgentVersion    string         `json:"agent_version"`
	RequestID       string         `json:"request_id,omitempty"`
	Source          string         `json:"source,omitempty"`
	FeedbackName    string         `json:"feedback_name"`
	FeedbackContent string         `json:"feedback_content"`
	DoAction        string         `json:"do_action,omitempty"`
	DoNotAction     string         `json:"do_not_action,omitempty"`
	WhenCondition   string         `json:"when_condition,omitempty"`
	BlockingIssue   *BlockingIssue `json:"blocking_issue,omitempty"`
	IndexedContent  string         `json:"indexed_content"`
	Status          Status         `json:"status"`
	Embedding       []float32      `json:"-"`
	CreatedAt       int64          `json:"created_at"`
}

// FeedbackMetadata records which raw feedbacks an aggregate consolidates
// and the cluster shape at aggregation time.
type FeedbackMetadata struct {
	RawFeedbackIDs []string  `json:"raw_feedback_ids"`
	ClusterSize    int       `json:"cluster_size"`
	Centroid       []float32 `json:"centroid,omitempty"`
}

// Feedback is a consolidated behavioral rule built from a cluster of raw
// feedbacks sharing (agent_version, feedback_name).
type Feedback struct {
	FeedbackID      string           `json:"feedback_id"`
	AgentVersion    string           `json:"agent_version"`
	FeedbackName    string           `json:"feedback_name"`
	FeedbackContent string           `json:"feedback_content"`
	DoAction        string           `json:"do_action,omitempty"`
	DoNotAction     string           `json:"do_not_action,omitempty"`
	WhenCondition   string           `json:"when_condition,omitempty"`
	BlockingIssue   *BlockingIssue   `json:"blocking_issue,omitempty"`
	FeedbackStatus  FeedbackStatus   `json:"feedback_status"`
	Metadata        FeedbackMetadata `json:"feedback_metadata"`
	Status          Status           `json:"status"`
	Embedding       []float32        `json:"-"`
	CreatedAt       int64            `json:"created_at"`
	LastModifiedAt  int64            `json:"last_modified_at"`
}

// Skill is a behavioral instruction block synthesized from approved
// aggregated feedbacks, consumed by downstream agent prompts. FeedbackIDs
// reference the aggregates; RawFeedbackIDs carry the transitive raw ids
// for audit.
type Skill struct {
	SkillID        string          `json:"skill_id"`
	AgentVersion   string          `json:"agent_version"`
	FeedbackName   string          `json:"feedback_name"`
	SkillName      string          `json:"skill_name"`
	Description    string          `json:"description"`
	Instructions   string          `json:"instructions"`
	AllowedTools   []string        `json:"allowed_tools,omitempty"`
	BlockingIssues []BlockingIssue `json:"blocking_issues,omitempty"`
	FeedbackIDs    []string        `json:"feedback_ids"`
	RawFeedbackIDs []string        `json:"raw_feedback_ids,omitempty"`
	SkillStatus    SkillStatus     `json:"skill_status"`
	Embedding      []float32       `json:"-"`
	CreatedAt      int64           `json:"created_at"`
}

// SuccessResult is one per-request success evaluation verdict.
type SuccessResult struct {
	ResultID          string    `json:"result_id"`
	EvaluationName    string    `json:"evaluation_name"`
	AgentVersion      string    `json:"agent_version,omitempty"`
	RequestID         string    `json:"request_id"`
	IsSuccess         bool      `json:"is_success"`
	FailureType       string    `json:"failure_type,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	AgentPromptUpdate string    `json:"agent_prompt_update,omitempty"`
	Embedding         []float32 `json:"-"`
	CreatedAt         int64     `json:"created_at"`
}

// OperationState is the per-scope coalescing lock row.
type OperationState struct {
	ServiceName      string `json:"service_name"`
	InProgress       bool   `json:"in_progress"`
	StartedAt        int64  `json:"started_at"`
	CurrentRequestID string `json:"current_request_id,omitempty"`
	PendingRequestID string `json:"pending_request_id,omitempty"`
}

// Org is one tenant.
type Org struct {
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// APIKey maps a key hash to its org. The plaintext key is shown once at
// creation and never stored.
type APIKey struct {
	KeyHash   string `json:"-"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Invite is a single-use code gating new org creation.
type Invite struct {
	Code      string `json:"code"`
	Note      string `json:"note,omitempty"`
	UsedByOrg string `json:"used_by_org,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UsedAt    int64  `json:"used_at,omitempty"`
}
