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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetWebProvenance returns the provenance row for a URL or ErrNotFound.
func (s *Store) GetWebProvenance(ctx context.Context, url string) (*WebProvenance, error) {
	var (
		p           WebProvenance
		first, last string
		modified    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, domain, project_id, dataset_id, first_indexed_at, last_indexed_at,
			last_modified_at, content_hash, version
		 FROM web_provenance WHERE url = ?`, url).
		Scan(&p.URL, &p.Domain, &p.ProjectID, &p.DatasetID, &first, &last,
			&modified, &p.ContentHash, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provenance %s: %w", url, err)
	}
	p.FirstIndexedAt = parseTime(first)
	p.LastIndexedAt = parseTime(last)
	p.LastModifiedAt = nullableTime(modified)
	return &p, nil
}

// UpsertWebProvenance records a crawled page. A new content hash bumps the
// version and last_modified_at; an unchanged hash only touches
// last_indexed_at.
func (s *Store) UpsertWebProvenance(ctx context.Context, p WebProvenance) error {
	existing, err := s.GetWebProvenance(ctx, p.URL)
	ts := now()

	if errors.Is(err, ErrNotFound) {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO web_provenance (url, domain, project_id, dataset_id,
				first_indexed_at, last_indexed_at, last_modified_at, content_hash, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			p.URL, p.Domain, p.ProjectID, p.DatasetID, ts, ts, ts, p.ContentHash)
		if err != nil {
			return fmt.Errorf("insert provenance %s: %w", p.URL, err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if existing.ContentHash == p.ContentHash {
		_, err := s.db.ExecContext(ctx,
			`UPDATE web_provenance SET last_indexed_at = ? WHERE url = ?`, ts, p.URL)
		if err != nil {
			return fmt.Errorf("touch provenance %s: %w", p.URL, err)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE web_provenance SET content_hash = ?, version = version + 1,
			last_indexed_at = ?, last_modified_at = ?, project_id = ?, dataset_id = ?
		 WHERE url = ?`,
		p.ContentHash, ts, ts, p.ProjectID, p.DatasetID, p.URL)
	if err != nil {
		return fmt.Errorf("update provenance %s: %w", p.URL, err)
	}
	return nil
}

// CreateCrawlSession opens a session row in status running.
func (s *Store) CreateCrawlSession(ctx context.Context, sess CrawlSession) (*CrawlSession, error) {
	if sess.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session id: %w", err)
		}
		sess.ID = id.String()
	}
	if sess.Status == "" {
		sess.Status = "running"
	}
	sess.StartedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_sessions (id, project_id, dataset_id, seed_url, mode,
			max_pages, max_depth, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.DatasetID, sess.SeedURL, sess.Mode,
		sess.MaxPages, sess.MaxDepth, sess.Status, sess.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create crawl session: %w", err)
	}
	return &sess, nil
}

// FinishCrawlSession stamps the terminal status and stats of a session.
// Terminal sessions are immutable; finishing twice is a no-op.
func (s *Store) FinishCrawlSession(ctx context.Context, id, status string, stats any) error {
	statsJSON := []byte("{}")
	if stats != nil {
		var err error
		statsJSON, err = json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode session stats: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawl_sessions SET status = ?, stats = ?, finished_at = ?
		 WHERE id = ? AND finished_at IS NULL`,
		status, string(statsJSON), now(), id)
	if err != nil {
		return fmt.Errorf("finish crawl session %s: %w", id, err)
	}
	return nil
}

// GetCrawlSession returns a session by id or ErrNotFound.
func (s *Store) GetCrawlSession(ctx context.Context, id string) (*CrawlSession, error) {
	var (
		sess     CrawlSession
		stats    string
		started  string
		finished sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, dataset_id, seed_url, mode, max_pages, max_depth,
			status, stats, started_at, finished_at
		 FROM crawl_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.ProjectID, &sess.DatasetID, &sess.SeedURL, &sess.Mode,
			&sess.MaxPages, &sess.MaxDepth, &sess.Status, &stats, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl session %s: %w", id, err)
	}
	if stats != "" && stats != "{}" {
		sess.Stats = json.RawMessage(stats)
	}
	sess.StartedAt = parseTime(started)
	sess.FinishedAt = nullableTime(finished)
	return &sess, nil
}

// ListCrawlSessions returns a project's sessions, newest first.
func (s *Store) ListCrawlSessions(ctx context.Context, projectID string) ([]CrawlSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, dataset_id, seed_url, mode, max_pages, max_depth,
			status, stats, started_at, finished_at
		 FROM crawl_sessions WHERE project_id = ? ORDER BY started_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list crawl sessions: %w", err)
	}
	defer rows.Close()

	var out []CrawlSession
	for rows.Next() {
		var (
			sess     CrawlSession
			stats    string
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.DatasetID, &sess.SeedURL, &sess.Mode,
			&sess.MaxPages, &sess.MaxDepth, &sess.Status, &stats, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan crawl session: %w", err)
		}
		if stats != "" && stats != "{}" {
			sess.Stats = json.RawMessage(stats)
		}
		sess.StartedAt = parseTime(started)
		sess.FinishedAt = nullableTime(finished)
		out = append(out, sess)
	}
	return out, rows.Err()
}
