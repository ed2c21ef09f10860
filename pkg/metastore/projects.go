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

	"github.com/google/uuid"
)

// GetOrCreateProject returns the project with the given id, creating it on
// first reference. The fingerprint records the source locator hash used for
// collision detection; an existing project keeps its original fingerprint.
func (s *Store) GetOrCreateProject(ctx context.Context, id, name, fingerprint string) (*Project, error) {
	if id == "" {
		return nil, fmt.Errorf("get or create project: empty id")
	}
	if name == "" {
		name = id
	}

	p, err := s.getProject(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, fingerprint, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, name, fingerprint, now())
	if err != nil {
		return nil, fmt.Errorf("create project %s: %w", id, err)
	}
	return s.getProject(ctx, id)
}

func (s *Store) getProject(ctx context.Context, id string) (*Project, error) {
	var (
		p        Project
		metaJSON string
		created  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, fingerprint, metadata, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Fingerprint, &metaJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	p.CreatedAt = parseTime(created)
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
	}
	return &p, nil
}

// GetProject returns the project or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	return s.getProject(ctx, id)
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, fingerprint, metadata, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var (
			p        Project
			metaJSON string
			created  string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Fingerprint, &metaJSON, &created); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProjectConflicts reports whether projectID exists with a different source
// fingerprint. This feeds the scope resolver's collision salting.
func (s *Store) ProjectConflicts(ctx context.Context, projectID, fingerprint string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM projects WHERE id = ?`, projectID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check project conflict: %w", err)
	}
	return stored != "" && stored != fingerprint, nil
}

// GetOrCreateDataset returns the dataset (projectID, name), creating it with
// the given scope on first reference.
func (s *Store) GetOrCreateDataset(ctx context.Context, projectID, name string, scope DatasetScope) (*Dataset, error) {
	if projectID == "" || name == "" {
		return nil, fmt.Errorf("get or create dataset: empty project or name")
	}
	if scope == "" {
		scope = ScopeProject
	}

	d, err := s.getDataset(ctx, projectID, name)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, project_id, name, scope, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, name) DO NOTHING`,
		uuid.NewString(), projectID, name, string(scope), now())
	if err != nil {
		return nil, fmt.Errorf("create dataset %s/%s: %w", projectID, name, err)
	}
	return s.getDataset(ctx, projectID, name)
}

func (s *Store) getDataset(ctx context.Context, projectID, name string) (*Dataset, error) {
	var (
		d       Dataset
		scope   string
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, scope, created_at FROM datasets
		 WHERE project_id = ? AND name = ?`, projectID, name).
		Scan(&d.ID, &d.ProjectID, &d.Name, &scope, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset %s/%s: %w", projectID, name, err)
	}
	d.Scope = DatasetScope(scope)
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// GetDataset returns the dataset or ErrNotFound.
func (s *Store) GetDataset(ctx context.Context, projectID, name string) (*Dataset, error) {
	return s.getDataset(ctx, projectID, name)
}

// ListDatasets returns a project's datasets ordered by name.
func (s *Store) ListDatasets(ctx context.Context, projectID string) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, scope, created_at FROM datasets
		 WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()
	return scanDatasets(rows)
}

func scanDatasets(rows *sql.Rows) ([]Dataset, error) {
	var out []Dataset
	for rows.Next() {
		var (
			d       Dataset
			scope   string
			created string
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &scope, &created); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		d.Scope = DatasetScope(scope)
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// BindCollection records that datasetID's chunks live in collectionName.
// Idempotent.
func (s *Store) BindCollection(ctx context.Context, datasetID, collectionName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dataset_collections (dataset_id, collection_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(dataset_id, collection_name) DO NOTHING`,
		datasetID, collectionName, now())
	if err != nil {
		return fmt.Errorf("bind collection %s: %w", collectionName, err)
	}
	return nil
}

// ListCollectionsForProject enumerates collection bindings for a project,
// optionally restricted to the named datasets. This is the scope-isolation
// boundary: retrieval fans out over exactly these collections.
func (s *Store) ListCollectionsForProject(ctx context.Context, projectID string, datasetFilter []string) ([]CollectionBinding, error) {
	query := `SELECT dc.dataset_id, d.name, dc.collection_name, dc.created_at
		 FROM dataset_collections dc
		 JOIN datasets d ON d.id = dc.dataset_id
		 WHERE d.project_id = ?`
	args := []any{projectID}

	if len(datasetFilter) > 0 {
		query += ` AND d.name IN (` + placeholders(len(datasetFilter)) + `)`
		for _, name := range datasetFilter {
			args = append(args, name)
		}
	}
	query += ` ORDER BY dc.collection_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collections for %s: %w", projectID, err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

// ListGlobalCollections enumerates collections of global-scope datasets plus
// datasets explicitly shared with the project (read mode).
func (s *Store) ListGlobalCollections(ctx context.Context, projectID string) ([]CollectionBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dc.dataset_id, d.name, dc.collection_name, dc.created_at
		 FROM dataset_collections dc
		 JOIN datasets d ON d.id = dc.dataset_id
		 LEFT JOIN shares sh ON sh.dataset_id = d.id AND sh.project_id = ?
		 WHERE d.scope = 'global' OR sh.project_id IS NOT NULL
		 ORDER BY dc.collection_name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list global collections: %w", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

func scanBindings(rows *sql.Rows) ([]CollectionBinding, error) {
	var out []CollectionBinding
	for rows.Next() {
		var (
			b       CollectionBinding
			created string
		)
		if err := rows.Scan(&b.DatasetID, &b.DatasetName, &b.CollectionName, &created); err != nil {
			return nil, fmt.Errorf("scan collection binding: %w", err)
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// AllCollections lists every bound collection name across all projects.
// The reconciler sweeps over this set.
func (s *Store) AllCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection_name FROM dataset_collections ORDER BY collection_name`)
	if err != nil {
		return nil, fmt.Errorf("list all collections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// RecordShare grants another project read access to a dataset.
func (s *Store) RecordShare(ctx context.Context, datasetID, granteeProjectID, mode string) error {
	if mode == "" {
		mode = "read"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shares (dataset_id, project_id, mode, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(dataset_id, project_id) DO UPDATE SET mode = excluded.mode`,
		datasetID, granteeProjectID, mode, now())
	if err != nil {
		return fmt.Errorf("record share: %w", err)
	}
	return nil
}

// Stats computes aggregate counts for a project.
func (s *Store) Stats(ctx context.Context, projectID string) (*ProjectStats, error) {
	stats := &ProjectStats{ProjectID: projectID, ByDataset: map[string]int{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM datasets WHERE project_id = ?`, projectID).Scan(&stats.Datasets); err != nil {
		return nil, fmt.Errorf("count datasets: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dataset_collections dc JOIN datasets d ON d.id = dc.dataset_id
		 WHERE d.project_id = ?`, projectID).Scan(&stats.Collections); err != nil {
		return nil, fmt.Errorf("count collections: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_snapshots WHERE project_id = ?`, projectID).Scan(&stats.Files); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE project_id = ?`, projectID).Scan(&stats.Chunks); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM web_provenance WHERE project_id = ?`, projectID).Scan(&stats.Pages); err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT d.name, COUNT(c.id) FROM datasets d
		 LEFT JOIN chunks c ON c.dataset_id = d.id
		 WHERE d.project_id = ? GROUP BY d.name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("count chunks by dataset: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan dataset count: %w", err)
		}
		stats.ByDataset[name] = count
	}
	return stats, rows.Err()
}

// Clear removes a project's stored rows, or a single dataset's when dataset
// is non-empty. It returns the affected collection names so the caller can
// drop them from the vector store. With dryRun, nothing is deleted.
func (s *Store) Clear(ctx context.Context, projectID, dataset string, dryRun bool) (*ClearSummary, error) {
	sum := &ClearSummary{ProjectID: projectID, Dataset: dataset, DryRun: dryRun}

	var datasetIDs []string
	dsQuery := `SELECT id FROM datasets WHERE project_id = ?`
	dsArgs := []any{projectID}
	if dataset != "" {
		dsQuery += ` AND name = ?`
		dsArgs = append(dsArgs, dataset)
	}
	rows, err := s.db.QueryContext(ctx, dsQuery, dsArgs...)
	if err != nil {
		return nil, fmt.Errorf("list datasets to clear: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan dataset id: %w", err)
		}
		datasetIDs = append(datasetIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sum.Datasets = len(datasetIDs)
	if len(datasetIDs) == 0 {
		return sum, nil
	}

	in := placeholders(len(datasetIDs))
	idArgs := make([]any, len(datasetIDs))
	for i, id := range datasetIDs {
		idArgs[i] = id
	}

	collRows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection_name FROM dataset_collections WHERE dataset_id IN (`+in+`)`, idArgs...)
	if err != nil {
		return nil, fmt.Errorf("list collections to clear: %w", err)
	}
	for collRows.Next() {
		var name string
		if err := collRows.Scan(&name); err != nil {
			collRows.Close()
			return nil, fmt.Errorf("scan collection name: %w", err)
		}
		sum.Collections = append(sum.Collections, name)
	}
	collRows.Close()
	if err := collRows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE dataset_id IN (`+in+`)`, idArgs...).Scan(&sum.Chunks); err != nil {
		return nil, fmt.Errorf("count chunks to clear: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_snapshots WHERE dataset_id IN (`+in+`)`, idArgs...).Scan(&sum.Snapshots); err != nil {
		return nil, fmt.Errorf("count snapshots to clear: %w", err)
	}

	if dryRun {
		return sum, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM chunks WHERE dataset_id IN (` + in + `)`,
		`DELETE FROM file_snapshots WHERE dataset_id IN (` + in + `)`,
		`DELETE FROM shares WHERE dataset_id IN (` + in + `)`,
		`DELETE FROM crawl_sessions WHERE dataset_id IN (` + in + `)`,
		`DELETE FROM dataset_collections WHERE dataset_id IN (` + in + `)`,
		`DELETE FROM datasets WHERE id IN (` + in + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, idArgs...); err != nil {
			return nil, fmt.Errorf("clear rows: %w", err)
		}
	}
	if dataset == "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM web_provenance WHERE project_id = ?`, projectID); err != nil {
			return nil, fmt.Errorf("clear provenance: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID); err != nil {
			return nil, fmt.Errorf("clear project row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear: %w", err)
	}
	return sum, nil
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
