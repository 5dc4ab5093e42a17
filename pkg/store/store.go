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

// Package store is the artifact store: typed, org-scoped collections for
// requests, interactions, profiles, feedbacks, skills, success results and
// operation state, over sqlite or postgres, with hybrid
// (vector + full-text) search fused by Reciprocal Rank Fusion.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// EmbeddingDim is the fixed embedding width for every indexed text.
const EmbeddingDim = 512

// artifact ID namespace for content-hash idempotent IDs.
var idNamespace = uuid.MustParse("9f2c1710-58a4-4b2e-9a3a-6e1f0b7a4c55")

// Store is the artifact store over a SQL database. Supported dialects:
// "sqlite" (local storage) and "postgres" (supabase storage).
type Store struct {
	db      *sql.DB
	dialect string
	log     *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New wraps an existing database connection. The schema is created if
// missing.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		log:     slog.Default().With("component", "store"),
		now:     time.Now,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Open opens a database by driver and DSN and wraps it. The sqlite driver
// name is mapped to mattn's "sqlite3".
func Open(dialect, dsn string) (*Store, error) {
	driverName := dialect
	if driverName == "sqlite" {
		driverName = "sqlite3"
		if !strings.Contains(dsn, "_busy_timeout") && !strings.HasPrefix(dsn, ":memory:") {
			if strings.Contains(dsn, "?") {
				dsn += "&_busy_timeout=5000"
			} else {
				dsn += "?_busy_timeout=5000"
			}
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == "sqlite" {
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent extraction tasks.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	return New(db, dialect)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL dialect.
func (s *Store) Dialect() string {
	return s.dialect
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ddl := range []string{
		createOrgsTableSQL,
		createRequestsTableSQL,
		createProfilesTableSQL,
		createFeedbacksTableSQL,
		createSuccessTableSQL,
		createStateTableSQL,
	} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return nil
}

// q rewrites ? placeholders to $n for postgres. Queries are written once
// in sqlite form.
func (s *Store) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeterministicID derives a stable artifact ID from its content identity,
// making extraction writes idempotent across retried runs.
func DeterministicID(orgID, collection string, parts ...string) string {
	payload := orgID + "\x00" + collection + "\x00" + strings.Join(parts, "\x00")
	return uuid.NewSHA1(idNamespace, []byte(payload)).String()
}

// NewID returns a random artifact ID.
func NewID() string {
	return uuid.NewString()
}

// encodeEmbedding packs a float32 vector into a little-endian blob.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian blob into a float32 vector.
func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// nullStr maps empty strings to NULL on write.
func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullInt maps zero to NULL on write.
func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
