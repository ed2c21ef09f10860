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
)

// UpsertFileSnapshot replaces the snapshot row for (datasetID, path).
func (s *Store) UpsertFileSnapshot(ctx context.Context, snap FileSnapshot) error {
	chunkIDs, err := json.Marshal(snap.ChunkIDs)
	if err != nil {
		return fmt.Errorf("encode chunk ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO file_snapshots (project_id, dataset_id, relative_path, file_hash, chunk_ids, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dataset_id, relative_path) DO UPDATE SET
			file_hash = excluded.file_hash,
			chunk_ids = excluded.chunk_ids,
			indexed_at = excluded.indexed_at`,
		snap.ProjectID, snap.DatasetID, snap.RelativePath, snap.FileHash, string(chunkIDs), now())
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.RelativePath, err)
	}
	return nil
}

// ListFileSnapshots returns all snapshot rows for a dataset keyed by
// relative path.
func (s *Store) ListFileSnapshots(ctx context.Context, datasetID string) (map[string]FileSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, dataset_id, relative_path, file_hash, chunk_ids, indexed_at
		 FROM file_snapshots WHERE dataset_id = ?`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]FileSnapshot)
	for rows.Next() {
		var (
			snap    FileSnapshot
			idsJSON string
			indexed string
		)
		if err := rows.Scan(&snap.ProjectID, &snap.DatasetID, &snap.RelativePath,
			&snap.FileHash, &idsJSON, &indexed); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &snap.ChunkIDs); err != nil {
			return nil, fmt.Errorf("decode chunk ids for %s: %w", snap.RelativePath, err)
		}
		snap.IndexedAt = parseTime(indexed)
		out[snap.RelativePath] = snap
	}
	return out, rows.Err()
}

// GetFileSnapshot returns one snapshot row or ErrNotFound.
func (s *Store) GetFileSnapshot(ctx context.Context, datasetID, relativePath string) (*FileSnapshot, error) {
	var (
		snap    FileSnapshot
		idsJSON string
		indexed string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, dataset_id, relative_path, file_hash, chunk_ids, indexed_at
		 FROM file_snapshots WHERE dataset_id = ? AND relative_path = ?`,
		datasetID, relativePath).
		Scan(&snap.ProjectID, &snap.DatasetID, &snap.RelativePath, &snap.FileHash, &idsJSON, &indexed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", relativePath, err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &snap.ChunkIDs); err != nil {
		return nil, fmt.Errorf("decode chunk ids: %w", err)
	}
	snap.IndexedAt = parseTime(indexed)
	return &snap, nil
}

// DeleteFileSnapshot removes the snapshot row for (datasetID, path).
func (s *Store) DeleteFileSnapshot(ctx context.Context, datasetID, relativePath string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_snapshots WHERE dataset_id = ? AND relative_path = ?`,
		datasetID, relativePath)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", relativePath, err)
	}
	return nil
}

// ReplaceChunks atomically swaps the chunk rows for one file: old rows for
// (datasetID, path) are deleted, then rows are inserted. Chunk ids are
// content-derived, so replaying the same file is idempotent.
func (s *Store) ReplaceChunks(ctx context.Context, datasetID, relativePath string, rows []ChunkRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE dataset_id = ? AND relative_path = ?`,
		datasetID, relativePath); err != nil {
		return fmt.Errorf("delete old chunks for %s: %w", relativePath, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, collection_name, project_id, dataset_id, relative_path,
			start_line, end_line, lang, repo, file_hash, symbol, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection_name, id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	ts := now()
	for _, row := range rows {
		var symbol any
		if len(row.Symbol) > 0 {
			symbol = string(row.Symbol)
		}
		if _, err := stmt.ExecContext(ctx,
			row.ID, row.CollectionName, row.ProjectID, row.DatasetID, row.RelativePath,
			row.StartLine, row.EndLine, row.Lang, row.Repo, row.FileHash,
			symbol, row.Content, ts); err != nil {
			return fmt.Errorf("insert chunk %s: %w", row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk replace: %w", err)
	}
	return nil
}

// DeleteChunksByPath removes all chunk rows for a file.
func (s *Store) DeleteChunksByPath(ctx context.Context, datasetID, relativePath string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE dataset_id = ? AND relative_path = ?`,
		datasetID, relativePath)
	if err != nil {
		return fmt.Errorf("delete chunks for %s: %w", relativePath, err)
	}
	return nil
}

// DeleteChunksByID removes specific chunk rows from a collection.
func (s *Store) DeleteChunksByID(ctx context.Context, collectionName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collectionName)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE collection_name = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete chunks by id: %w", err)
	}
	return nil
}

// ChunkIDs returns the ids of all chunk rows in a collection. Used by the
// dual-store reconciler.
func (s *Store) ChunkIDs(ctx context.Context, collectionName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE collection_name = ? ORDER BY id`, collectionName)
	if err != nil {
		return nil, fmt.Errorf("list chunk ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetChunk returns a chunk row by collection and id.
func (s *Store) GetChunk(ctx context.Context, collectionName, id string) (*ChunkRow, error) {
	var (
		row     ChunkRow
		symbol  sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, collection_name, project_id, dataset_id, relative_path,
			start_line, end_line, lang, repo, file_hash, symbol, content, created_at
		 FROM chunks WHERE collection_name = ? AND id = ?`, collectionName, id).
		Scan(&row.ID, &row.CollectionName, &row.ProjectID, &row.DatasetID, &row.RelativePath,
			&row.StartLine, &row.EndLine, &row.Lang, &row.Repo, &row.FileHash,
			&symbol, &row.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", id, err)
	}
	if symbol.Valid {
		row.Symbol = json.RawMessage(symbol.String)
	}
	row.CreatedAt = parseTime(created)
	return &row, nil
}
