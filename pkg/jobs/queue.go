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

// Package jobs runs the durable work queue: enqueue with dedup keys,
// claim, heartbeat, cancel, and per-job phase-mapped progress. Job rows
// live in the metastore so the queue survives restarts; whatever was
// running at the time of a crash is failed as orphaned on the next
// start.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/kraklabs/isle/pkg/bus"
	"github.com/kraklabs/isle/pkg/metastore"
)

const (
	defaultPollInterval = time.Second
	heartbeatInterval   = 10 * time.Second
	orphanCutoff        = 60 * time.Second
)

// ErrDuplicateJob wraps the metastore sentinel so callers only import
// this package.
var ErrDuplicateJob = metastore.ErrDuplicateJob

// Handler executes one job. The summary it returns is persisted on the
// job row. Handlers must be idempotent: dispatch is at-least-once and
// chunk identity makes replays harmless.
type Handler func(ctx context.Context, job *metastore.Job, rep *Reporter) (summary any, err error)

// Queue is the durable job queue. Jobs persist in the metastore; the
// dispatcher claims them oldest-first and runs the handler registered
// for their kind, one at a time.
type Queue struct {
	store    *metastore.Store
	eventBus *bus.Bus

	pollInterval time.Duration

	mu       sync.Mutex
	handlers map[metastore.JobKind]Handler
	cancels  map[string]context.CancelFunc
	started  bool

	wg sync.WaitGroup
}

// NewQueue creates a queue over the metastore. eventBus may be nil.
func NewQueue(store *metastore.Store, eventBus *bus.Bus) *Queue {
	return &Queue{
		store:        store,
		eventBus:     eventBus,
		pollInterval: defaultPollInterval,
		handlers:     make(map[metastore.JobKind]Handler),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// SetPollInterval overrides the idle claim interval.
func (q *Queue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (q *Queue) Register(kind metastore.JobKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// DedupKey builds the canonical dedup key for a job. fingerprint
// identifies the source (a path, repo URL, or seed URL).
func DedupKey(kind metastore.JobKind, projectID, datasetID, fingerprint string) string {
	return strings.Join([]string{string(kind), projectID, datasetID, fingerprint}, ":")
}

// Enqueue inserts a queued job. If a non-terminal job already holds
// the same dedup key, the existing job is returned along with
// ErrDuplicateJob; callers usually treat that as success.
func (q *Queue) Enqueue(ctx context.Context, kind metastore.JobKind, projectID, datasetID, fingerprint string, payload any) (*metastore.Job, error) {
	key := DedupKey(kind, projectID, datasetID, fingerprint)
	job, err := q.store.EnqueueJob(ctx, kind, projectID, datasetID, key, payload)
	if errors.Is(err, metastore.ErrDuplicateJob) {
		slog.Info("jobs.enqueue.dedup", "kind", kind, "dedup_key", key, "existing", job.ID)
		return job, ErrDuplicateJob
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", kind, err)
	}

	slog.Info("jobs.enqueue", "job_id", job.ID, "kind", kind, "project_id", projectID)
	q.publishState(job, "")
	return job, nil
}

// Start sweeps orphans and runs the dispatch loop until ctx is done.
// It returns immediately; use Wait to block on shutdown.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.started = true
	q.mu.Unlock()

	orphans, err := q.store.FailOrphanedJobs(ctx, orphanCutoff)
	if err != nil {
		return fmt.Errorf("sweep orphaned jobs: %w", err)
	}
	for _, id := range orphans {
		recordJobOrphaned()
		slog.Warn("jobs.orphaned", "job_id", id)
		if job, err := q.store.GetJob(ctx, id); err == nil {
			q.publishState(job, "orphaned")
		}
	}

	q.wg.Add(1)
	go q.dispatch(ctx)
	return nil
}

// Wait blocks until the dispatcher has exited and any in-flight
// handler has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Cancel requests cancellation of a job. Queued jobs transition to
// cancelled immediately; running jobs have their context cancelled and
// transition when the handler observes it. Terminal jobs return
// ErrNotFound.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	cancel, running := q.cancels[jobID]
	q.mu.Unlock()
	if running {
		slog.Info("jobs.cancel.requested", "job_id", jobID)
		cancel()
		return nil
	}

	st := metastore.JobCancelled
	if err := q.store.UpdateJob(ctx, jobID, metastore.JobPatch{State: &st}); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if job, err := q.store.GetJob(ctx, jobID); err == nil {
		q.publishState(job, "")
	}
	return nil
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()

	q.mu.Lock()
	kinds := make([]metastore.JobKind, 0, len(q.handlers))
	for k := range q.handlers {
		kinds = append(kinds, k)
	}
	q.mu.Unlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	if len(kinds) == 0 {
		slog.Warn("jobs.dispatch.no_handlers")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.store.ClaimNextJob(ctx, kinds)
		if errors.Is(err, metastore.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("jobs.claim", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.run(ctx, job)
	}
}

// run executes a claimed job to a terminal state.
func (q *Queue) run(ctx context.Context, job *metastore.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancels[job.ID] = cancel
	handler := q.handlers[job.Kind]
	q.mu.Unlock()
	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancels, job.ID)
		q.mu.Unlock()
	}()

	recordJobStarted(string(job.Kind))
	slog.Info("jobs.run", "job_id", job.ID, "kind", job.Kind, "project_id", job.ProjectID)
	q.publishState(job, "")

	hbCtx, hbStop := context.WithCancel(context.Background())
	defer hbStop()
	go q.heartbeat(hbCtx, job.ID)

	rep := NewReporter(q.store, q.eventBus, job.ID, job.ProjectID)

	summary, err := q.invoke(jobCtx, handler, job, rep)
	hbStop()

	switch {
	case err == nil:
		q.finish(job, metastore.JobSucceeded, "", summary)
	case errors.Is(err, context.Canceled) && jobCtx.Err() != nil:
		q.finish(job, metastore.JobCancelled, "cancelled", summary)
	default:
		q.finish(job, metastore.JobFailed, err.Error(), summary)
	}
}

// invoke runs the handler with panic containment. A panicking handler
// fails its job instead of taking the dispatcher down.
func (q *Queue) invoke(ctx context.Context, handler Handler, job *metastore.Job, rep *Reporter) (summary any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("jobs.handler.panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if handler == nil {
		return nil, fmt.Errorf("no handler for kind %s", job.Kind)
	}
	return handler(ctx, job, rep)
}

func (q *Queue) finish(job *metastore.Job, state metastore.JobState, errMsg string, summary any) {
	// Finalization runs on a fresh context: the job context may be the
	// reason we are here.
	ctx, cancelTO := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTO()

	patch := metastore.JobPatch{State: &state}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if state == metastore.JobSucceeded {
		fraction := 1.0
		phase := string(PhaseCompleted)
		patch.Fraction = &fraction
		patch.Phase = &phase
	}
	if summary != nil {
		if raw, err := json.Marshal(summary); err == nil {
			patch.Summary = raw
		} else {
			slog.Warn("jobs.summary.encode", "job_id", job.ID, "error", err)
		}
	}
	if err := q.store.UpdateJob(ctx, job.ID, patch); err != nil {
		slog.Error("jobs.finish", "job_id", job.ID, "state", state, "error", err)
	}

	recordJobFinished(string(job.Kind), string(state))
	slog.Info("jobs.done", "job_id", job.ID, "kind", job.Kind, "state", state, "error", errMsg)

	job.State = state
	job.Error = errMsg
	q.publishState(job, errMsg)
}

func (q *Queue) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := q.store.HeartbeatJob(hctx, jobID); err != nil {
				slog.Warn("jobs.heartbeat", "job_id", jobID, "error", err)
			}
			cancel()
		}
	}
}

func (q *Queue) publishState(job *metastore.Job, errMsg string) {
	if q.eventBus == nil {
		return
	}
	if errMsg == "" {
		errMsg = job.Error
	}
	q.eventBus.Publish(bus.Event{
		Type:      bus.EventJobState,
		ProjectID: job.ProjectID,
		Payload: bus.JobStatePayload{
			JobID: job.ID,
			Kind:  string(job.Kind),
			State: string(job.State),
			Error: errMsg,
		},
	})
}
