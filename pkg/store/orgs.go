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
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/engramhq/engram/pkg/apierror"
)

// HashAPIKey derives the stored lookup hash from a plaintext API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a new plaintext API key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "egk_" + hex.EncodeToString(buf), nil
}

// CreateOrg consumes a single-use invite code, creates the org and its
// first API key, and returns the plaintext key. The key is shown exactly
// once; only its hash is stored.
func (s *Store) CreateOrg(ctx context.Context, inviteCode, name string) (*Org, string, error) {
	if inviteCode == "" {
		return nil, "", apierror.Validation("invite_code is required")
	}
	if name == "" {
		return nil, "", apierror.Validation("name is required")
	}

	key, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	org := &Org{
		OrgID:     NewID(),
		Name:      name,
		CreatedAt: s.now().Unix(),
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE invites SET used_by_org = ?, used_at = ?
WHERE code = ? AND used_by_org IS NULL`),
			org.OrgID, org.CreatedAt, inviteCode)
		if err != nil {
			return fmt.Errorf("failed to consume invite: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apierror.Auth("invalid or already used invite code")
		}

		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO orgs (org_id, name, created_at) VALUES (?, ?, ?)`),
			org.OrgID, org.Name, org.CreatedAt); err != nil {
			return fmt.Errorf("failed to create org: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO api_keys (key_hash, org_id, name, created_at) VALUES (?, ?, ?, ?)`),
			HashAPIKey(key), org.OrgID, "default", org.CreatedAt); err != nil {
			return fmt.Errorf("failed to create api key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return org, key, nil
}

// LookupAPIKey resolves a plaintext API key to its org.
func (s *Store) LookupAPIKey(ctx context.Context, key string) (*Org, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT o.org_id, o.name, o.created_at
FROM api_keys k JOIN orgs o ON o.org_id = k.org_id
WHERE k.key_hash = ?`), HashAPIKey(key))

	var org Org
	err := row.Scan(&org.OrgID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierror.Auth("unknown api key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &org, nil
}

// CreateInvite mints a new single-use invite code.
func (s *Store) CreateInvite(ctx context.Context, code, note string) error {
	if code == "" {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate invite code: %w", err)
		}
		code = hex.EncodeToString(buf)
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO invites (code, note, created_at) VALUES (?, ?, ?)`),
		code, nullStr(note), s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}
	return nil
}

// EnsureInvite inserts an invite code if it does not exist yet. Used by
// the server bootstrap so a configured code survives restarts.
func (s *Store) EnsureInvite(ctx context.Context, code, note string) error {
	if code == "" {
		return nil
	}
	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO invites (code, note, created_at) VALUES (?, ?, ?) ON CONFLICT (code) DO NOTHING`
	} else {
		query = `INSERT OR IGNORE INTO invites (code, note, created_at) VALUES (?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.q(query), code, nullStr(note), s.now().Unix()); err != nil {
		return fmt.Errorf("failed to ensure invite: %w", err)
	}
	return nil
}

// GetTenantConfig reads the raw per-tenant config document. A missing row
// returns nil with no error; callers fall back to defaults.
func (s *Store) GetTenantConfig(ctx context.Context, orgID string) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT config FROM tenant_configs WHERE org_id = ?`), orgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant config: %w", err)
	}
	return []byte(raw), nil
}

// SetTenantConfig replaces the per-tenant config document.
func (s *Store) SetTenantConfig(ctx context.Context, orgID string, raw []byte) error {
	now := s.now().Unix()
	var query string
	if s.dialect == "postgres" {
		query = `
INSERT INTO tenant_configs (org_id, config, updated_at) VALUES (?, ?, ?)
ON CONFLICT (org_id) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`
	} else {
		query = `INSERT OR REPLACE INTO tenant_configs (org_id, config, updated_at) VALUES (?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.q(query), orgID, string(raw), now); err != nil {
		return fmt.Errorf("failed to store tenant config: %w", err)
	}
	return nil
}
