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

// Every table carries org_id and every query filters on it; tenant
// isolation is enforced at this layer.
const (
	createOrgsTableSQL = `
CREATE TABLE IF NOT EXISTS orgs (
    org_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    key_hash VARCHAR(64) PRIMARY KEY,
    org_id VARCHAR(64) NOT NULL,
    name VARCHAR(255),
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_keys_org ON api_keys(org_id);

CREATE TABLE IF NOT EXISTS invites (
    code VARCHAR(64) PRIMARY KEY,
    note VARCHAR(255),
    used_by_org VARCHAR(64),
    created_at BIGINT NOT NULL,
    used_at BIGINT
);

CREATE TABLE IF NOT EXISTS tenant_configs (
    org_id VARCHAR(64) PRIMARY KEY,
    config TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);
`

	createRequestsTableSQL = `
CREATE TABLE IF NOT EXISTS requests (
    org_id VARCHAR(64) NOT NULL,
    request_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    source VARCHAR(255) NOT NULL,
    agent_version VARCHAR(255),
    request_group VARCHAR(255),
    created_at BIGINT NOT NULL,
    PRIMARY KEY (org_id, request_id)
);

CREATE INDEX IF NOT EXISTS idx_requests_user ON requests(org_id, user_id);
CREATE INDEX IF NOT EXISTS idx_requests_group ON requests(org_id, request_group);

CREATE TABLE IF NOT EXISTS interactions (
    org_id VARCHAR(64) NOT NULL,
    interaction_id BIGINT NOT NULL,
    request_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT NOT NULL,
    shadow_content TEXT,
    user_action VARCHAR(16),
    user_action_description TEXT,
    interacted_image_url TEXT,
    image_encoding VARCHAR(32),
    tools_used TEXT,
    embedding BLOB,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (org_id, interaction_id)
);

CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(org_id, user_id, interaction_id);
CREATE INDEX IF NOT EXISTS idx_interactions_request ON interactions(org_id, request_id);
`

	createProfilesTableSQL = `
CREATE TABLE IF NOT EXISTS profiles (
    org_id VARCHAR(64) NOT NULL,
    profile_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    content TEXT NOT NULL,
    source VARCHAR(255),
    extractor_names TEXT NOT NULL,
    custom_features TEXT,
    generated_from_request_id VARCHAR(64),
    status VARCHAR(16) NOT NULL,
    embedding BLOB,
    created_at BIGINT NOT NULL,
    last_modified_at BIGINT NOT NULL,
    expiration_at BIGINT,
    PRIMARY KEY (org_id, profile_id)
);

CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(org_id, user_id, status);

CREATE TABLE IF NOT EXISTS profile_events (
    org_id VARCHAR(64) NOT NULL,
    event_id VARCHAR(64) NOT NULL,
    request_id VARCHAR(64) NOT NULL,
    profile_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    extractor_name VARCHAR(255) NOT NULL,
    change VARCHAR(16) NOT NULL,
    content TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (org_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_profile_events_request ON profile_events(org_id, request_id);
`

	createFeedbacksTableSQL = `
CREATE TABLE IF NOT EXISTS raw_feedbacks (
    org_id VARCHAR(64) NOT NULL,
    raw_feedback_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(255),
    agent_version VARCHAR(255) NOT NULL,
    request_id VARCHAR(64),
    source VARCHAR(255),
    feedback_name VARCHAR(255) NOT NULL,
    feedback_content TEXT NOT NULL,
    do_action TEXT,
    do_not_action TEXT,
    when_condition TEXT,
    blocking_issue_kind VARCHAR(64),
    blocking_issue_details TEXT,
    indexed_content TEXT NOT NULL,
    status VARCHAR(16) NOT NULL,
    embedding BLOB,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (org_id, raw_feedback_id)
);

CREATE INDEX IF NOT EXISTS idx_raw_feedbacks_pair ON raw_feedbacks(org_id, agent_version, feedback_name, status);
CREATE INDEX IF NOT EXISTS idx_raw_feedbacks_request ON raw_feedbacks(org_id, request_id);

CREATE TABLE IF NOT EXISTS feedbacks (
    org_id VARCHAR(64) NOT NULL,
    feedback_id VARCHAR(64) NOT NULL,
    agent_version VARCHAR(255) NOT NULL,
    feedback_name VARCHAR(255) NOT NULL,
    feedback_content TEXT NOT NULL,
    do_action TEXT,
    do_not_action TEXT,
    when_condition TEXT,
    blocking_issue_kind VARCHAR(64),
    blocking_issue_details TEXT,
    raw_feedback_ids TEXT NOT NULL,
    feedback_status VARCHAR(16) NOT NULL,
    metadata TEXT,
    status VARCHAR(16) NOT NULL,
    embedding BLOB,
    created_at BIGINT NOT NULL,
    last_modified_at BIGINT NOT NULL,
    PRIMARY KEY (org_id, feedback_id)
);

CREATE INDEX IF NOT EXISTS idx_feedbacks_pair ON feedbacks(org_id, agent_version, feedback_name, status);

CREATE TABLE IF NOT EXISTS skills (
    org_id VARCHAR(64) NOT NULL,
    skill_id VARCHAR(64) NOT NULL,
    agent_version VARCHAR(255) NOT NULL,
    feedback_name VARCHAR(255) NOT NULL,
    skill_name VARCHAR(255) NOT NULL,
    description TEXT,
    instructions TEXT NOT NULL,
    allowed_tools TEXT,
    blocking_issues TEXT,
    feedback_ids TEXT NOT NULL,
    raw_feedback_ids TEXT,
    skill_status VARCHAR(16) NOT NULL,
    embedding BLOB,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (org_id, skill_id)
);

CREATE INDEX IF NOT EXISTS idx_skills_pair ON skills(org_id, agent_version, feedback_name);
`

	createSuccessTableSQL = `
CREATE TABLE IF NOT EXISTS success_results (
    org_id VARCHAR(64) NOT NULL,
    result_id VARCHAR(64) NOT NULL,
    evaluation_name VARCHAR(255) NOT NULL,
    agent_version VARCHAR(255),
    request_id VARCHAR(64) NOT NULL,
    is_success BOOLEAN NOT NULL,
    failure_type VARCHAR(64),
    failure_reason TEXT,
    agent_prompt_update TEXT,
    embedding BLOB,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (org_id, result_id)
);

CREATE INDEX IF NOT EXISTS idx_success_eval ON success_results(org_id, evaluation_name, created_at);
CREATE INDEX IF NOT EXISTS idx_success_request ON success_results(org_id, request_id);
`

	createStateTableSQL = `
CREATE TABLE IF NOT EXISTS operation_states (
    org_id VARCHAR(64) NOT NULL,
    service_name VARCHAR(255) NOT NULL,
    in_progress BOOLEAN NOT NULL DEFAULT FALSE,
    started_at BIGINT NOT NULL DEFAULT 0,
    current_request_id VARCHAR(64),
    pending_request_id VARCHAR(64),
    PRIMARY KEY (org_id, service_name)
);

CREATE TABLE IF NOT EXISTS window_cursors (
    org_id VARCHAR(64) NOT NULL,
    extractor_name VARCHAR(255) NOT NULL,
    scope_key VARCHAR(255) NOT NULL,
    position BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (org_id, extractor_name, scope_key)
);
`
)
