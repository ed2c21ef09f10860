// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("metastore: not found")

// Store is the durable metadata store: projects, datasets, collection
// bindings, file snapshots, chunk rows, jobs, crawl sessions, web
// provenance, and shares. It is backed by a single SQLite file in WAL mode.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the metadata store at path. Pass
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create metastore dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between our own writers and
	// keeps :memory: stores coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrations are applied in order; each entry is one schema version.
// Migrations add tables and columns, never remove them.
var migrations = []string{
	// v1: initial schema.
	`
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_name ON projects(name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS datasets (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name       TEXT NOT NULL,
	scope      TEXT NOT NULL DEFAULT 'project',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	UNIQUE (project_id, name)
);
CREATE INDEX IF NOT EXISTS idx_datasets_project ON datasets(project_id);

CREATE TABLE IF NOT EXISTS dataset_collections (
	dataset_id      TEXT NOT NULL REFERENCES datasets(id),
	collection_name TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (dataset_id, collection_name)
);

CREATE TABLE IF NOT EXISTS file_snapshots (
	project_id    TEXT NOT NULL,
	dataset_id    TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	file_hash     TEXT NOT NULL,
	chunk_ids     TEXT NOT NULL DEFAULT '[]',
	indexed_at    TEXT NOT NULL,
	PRIMARY KEY (dataset_id, relative_path)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_scope ON file_snapshots(project_id, dataset_id);

CREATE TABLE IF NOT EXISTS chunks (
	id              TEXT NOT NULL,
	collection_name TEXT NOT NULL,
	project_id      TEXT NOT NULL,
	dataset_id      TEXT NOT NULL,
	relative_path   TEXT NOT NULL,
	start_line      INTEGER NOT NULL,
	end_line        INTEGER NOT NULL,
	lang            TEXT NOT NULL DEFAULT '',
	repo            TEXT NOT NULL DEFAULT '',
	file_hash       TEXT NOT NULL DEFAULT '',
	symbol          TEXT,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (collection_name, id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(dataset_id, relative_path);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	project_id   TEXT NOT NULL,
	dataset_id   TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'queued',
	dedup_key    TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	phase        TEXT NOT NULL DEFAULT '',
	fraction     REAL NOT NULL DEFAULT 0,
	detail       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '{}',
	heartbeat_at TEXT,
	started_at   TEXT,
	finished_at  TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs(dedup_key, state);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id, created_at);

CREATE TABLE IF NOT EXISTS crawl_sessions (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	dataset_id  TEXT NOT NULL,
	seed_url    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	max_pages   INTEGER NOT NULL DEFAULT 0,
	max_depth   INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'running',
	stats       TEXT NOT NULL DEFAULT '{}',
	started_at  TEXT NOT NULL,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS web_provenance (
	url              TEXT PRIMARY KEY,
	domain           TEXT NOT NULL,
	project_id       TEXT NOT NULL DEFAULT '',
	dataset_id       TEXT NOT NULL DEFAULT '',
	first_indexed_at TEXT NOT NULL,
	last_indexed_at  TEXT NOT NULL,
	last_modified_at TEXT,
	content_hash     TEXT NOT NULL,
	version          INTEGER NOT NULL DEFAULT 1,
	metadata         TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_provenance_domain ON web_provenance(domain);

CREATE TABLE IF NOT EXISTS shares (
	dataset_id TEXT NOT NULL REFERENCES datasets(id),
	project_id TEXT NOT NULL,
	mode       TEXT NOT NULL DEFAULT 'read',
	created_at TEXT NOT NULL,
	PRIMARY KEY (dataset_id, project_id)
);
`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, now()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		slog.Info("metastore.migrated", "version", version)
	}
	return nil
}

// now returns the canonical stored timestamp format.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullableTime converts a TEXT column that may be NULL.
func nullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
