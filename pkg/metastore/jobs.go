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
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateJob is returned by EnqueueJob when a non-terminal job already
// exists for the dedup key. The existing job is returned alongside.
var ErrDuplicateJob = errors.New("metastore: duplicate job")

// jobColumns is the canonical column list scanned by scanJob.
const jobColumns = `id, kind, project_id, dataset_id, state, dedup_key, payload,
	phase, fraction, detail, error, summary, heartbeat_at, started_at, finished_at, created_at`

// EnqueueJob inserts a queued job, enforcing the single-active-job-per-key
// invariant inside one transaction. On a dedup hit it returns the existing
// job and ErrDuplicateJob.
func (s *Store) EnqueueJob(ctx context.Context, kind JobKind, projectID, datasetID, dedupKey string, payload any) (*Job, error) {
	payloadJSON := []byte("{}")
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode job payload: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if dedupKey != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE dedup_key = ? AND state IN ('queued', 'running')
			 ORDER BY created_at LIMIT 1`, dedupKey)
		existing, scanErr := scanJob(row)
		if scanErr == nil {
			return existing, ErrDuplicateJob
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return nil, fmt.Errorf("dedup lookup: %w", scanErr)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, project_id, dataset_id, state, dedup_key, payload, created_at)
		 VALUES (?, ?, ?, ?, 'queued', ?, ?, ?)`,
		id.String(), string(kind), projectID, datasetID, dedupKey, string(payloadJSON), now()); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return s.GetJob(ctx, id.String())
}

// ClaimNextJob atomically moves the oldest queued job of one of the given
// kinds to running and returns it. Returns ErrNotFound when the queue is
// empty.
func (s *Store) ClaimNextJob(ctx context.Context, kinds []JobKind) (*Job, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("claim job: no kinds")
	}

	kindArgs := make([]any, len(kinds))
	for i, k := range kinds {
		kindArgs[i] = string(k)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE state = 'queued' AND kind IN (`+placeholders(len(kinds))+`)
		 ORDER BY created_at LIMIT 1`, kindArgs...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select queued job: %w", err)
	}

	ts := now()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'running', started_at = ?, heartbeat_at = ? WHERE id = ? AND state = 'queued'`,
		ts, ts, id)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the race to another dispatcher.
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetJob(ctx, id)
}

// JobPatch carries partial updates for a job row. Nil fields are untouched.
type JobPatch struct {
	State    *JobState
	Phase    *string
	Fraction *float64
	Detail   *string
	Error    *string
	Summary  json.RawMessage
}

// UpdateJob applies a patch. State changes to a terminal state also stamp
// finished_at; a patch that would overwrite a terminal state is rejected.
func (s *Store) UpdateJob(ctx context.Context, id string, patch JobPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*patch.State))
		if patch.State.Terminal() {
			sets = append(sets, "finished_at = ?")
			args = append(args, now())
		}
	}
	if patch.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, *patch.Phase)
	}
	if patch.Fraction != nil {
		sets = append(sets, "fraction = ?")
		args = append(args, *patch.Fraction)
	}
	if patch.Detail != nil {
		sets = append(sets, "detail = ?")
		args = append(args, *patch.Detail)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if len(patch.Summary) > 0 {
		sets = append(sets, "summary = ?")
		args = append(args, string(patch.Summary))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND state NOT IN ('succeeded', 'failed', 'skipped', 'cancelled')`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the job does not exist or it already reached a terminal
		// state; both are reported the same way.
		return ErrNotFound
	}
	return nil
}

// HeartbeatJob stamps the job's heartbeat. Orphan detection keys off it.
func (s *Store) HeartbeatJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND state = 'running'`, now(), id)
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return nil
}

// FailOrphanedJobs marks running jobs whose heartbeat is older than cutoff
// as failed with reason "orphaned". Called once on process start. Returns
// the ids of the jobs it transitioned.
func (s *Store) FailOrphanedJobs(ctx context.Context, cutoff time.Duration) ([]string, error) {
	limit := time.Now().UTC().Add(-cutoff).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE state = 'running' AND (heartbeat_at IS NULL OR heartbeat_at < ?)`, limit)
	if err != nil {
		return nil, fmt.Errorf("find orphaned jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orphan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = 'failed', error = 'orphaned', finished_at = ?
			 WHERE id = ? AND state = 'running'`, now(), id); err != nil {
			return ids, fmt.Errorf("fail orphan %s: %w", id, err)
		}
	}
	return ids, nil
}

// GetJob returns a job by id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs for a project, newest first, optionally filtered by
// state. An empty projectID lists across projects.
func (s *Store) ListJobs(ctx context.Context, projectID string, states []JobState, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		conds []string
		args  []any
	)
	if projectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, projectID)
	}
	if len(states) > 0 {
		conds = append(conds, "state IN ("+placeholders(len(states))+")")
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		job         Job
		kind, state string
		payload     string
		summary     string
		hb, st, fin sql.NullString
		created     string
	)
	err := r.Scan(&job.ID, &kind, &job.ProjectID, &job.DatasetID, &state, &job.DedupKey,
		&payload, &job.Phase, &job.Fraction, &job.Detail, &job.Error, &summary,
		&hb, &st, &fin, &created)
	if err != nil {
		return nil, err
	}
	job.Kind = JobKind(kind)
	job.State = JobState(state)
	if payload != "" && payload != "{}" {
		job.Payload = json.RawMessage(payload)
	}
	if summary != "" && summary != "{}" {
		job.Summary = json.RawMessage(summary)
	}
	job.HeartbeatAt = nullableTime(hb)
	job.StartedAt = nullableTime(st)
	job.FinishedAt = nullableTime(fin)
	job.CreatedAt = parseTime(created)
	return &job, nil
}
