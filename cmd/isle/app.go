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

package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/kraklabs/isle/internal/bootstrap"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/output"
	"github.com/kraklabs/isle/internal/ui"
	"github.com/kraklabs/isle/pkg/bus"
	"github.com/kraklabs/isle/pkg/jobs"
	"github.com/kraklabs/isle/pkg/metastore"
)

// foregroundPollInterval keeps one-shot CLI jobs snappy; the daemon
// default is tuned for a long-lived process instead.
const foregroundPollInterval = 50 * time.Millisecond

// newCore loads configuration and assembles the system. Fatal on any
// failure; the CLI has nothing to do without a core.
func newCore(g GlobalFlags) *bootstrap.Core {
	cfg, err := bootstrap.Load(g.Config)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot load isle configuration",
			err.Error(),
			"Check the config file syntax, or run 'isle init' to write a fresh one",
			err,
		), g.JSON)
	}

	core, err := bootstrap.New(cfg, slog.Default())
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot open the metadata store",
			err.Error(),
			"Another isle process may hold the store; wait for it to finish",
			err,
		), g.JSON)
	}
	return core
}

// jobResult is the JSON shape printed for a finished foreground job.
type jobResult struct {
	JobID   string          `json:"job_id"`
	State   string          `json:"state"`
	Error   string          `json:"error,omitempty"`
	Summary json.RawMessage `json:"summary,omitempty"`
}

// runForegroundJob enqueues one job on an already-assembled core, runs
// the queue in-process, and follows the job to completion with a
// progress bar. Ctrl-C cancels the job before exiting. The caller owns
// the core's lifecycle.
func runForegroundJob(core *bootstrap.Core, g GlobalFlags, projectID, description string,
	enqueue func(ctx context.Context, core *bootstrap.Core) (*metastore.Job, error)) {

	release := acquireIndexLock(g, projectID)
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core.Queue.SetPollInterval(foregroundPollInterval)

	job, err := enqueue(ctx, core)
	if err != nil && !stderrors.Is(err, jobs.ErrDuplicateJob) {
		errors.FatalError(errors.NewInputError("Cannot submit job", err.Error(), ""), g.JSON)
	}
	if stderrors.Is(err, jobs.ErrDuplicateJob) && !g.Quiet {
		ui.Warningf("already queued as job %s, attaching to it", job.ID)
	}

	sub := core.Bus.Subscribe(bus.Filter{
		Topics: []bus.EventType{bus.EventJobProgress, bus.EventJobState},
	})
	defer sub.Close()

	if err := core.Start(ctx); err != nil {
		errors.FatalError(errors.NewInternalError("Cannot start job queue", err.Error(), "", err), g.JSON)
	}

	bar := NewProgressBar(NewProgressConfig(g), 100, description)
	var setter progressSetter
	if bar != nil {
		setter = bar
	}
	final := followJob(ctx, core, sub, job.ID, setter)
	if bar != nil {
		_ = bar.Finish()
	}

	reportJob(g, final)
}

// followJob consumes bus events for one job until it reaches a terminal
// state. A slow poll backstops dropped events, and a cancelled context
// requests job cancellation before waiting for the terminal state.
func followJob(ctx context.Context, core *bootstrap.Core, sub *bus.Subscription, jobID string, bar progressSetter) *metastore.Job {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	events := sub.Events()
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			_ = core.Queue.Cancel(context.Background(), jobID)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch p := ev.Payload.(type) {
			case bus.JobProgressPayload:
				if p.JobID == jobID && bar != nil {
					_ = bar.Set(int(p.Fraction * 100))
					if p.Message != "" {
						bar.Describe(p.Message)
					}
				}
			case bus.JobStatePayload:
				if p.JobID == jobID && metastore.JobState(p.State).Terminal() {
					return mustGetJob(core, jobID)
				}
			}
			continue
		case <-ticker.C:
		}

		job := mustGetJob(core, jobID)
		if job.State.Terminal() {
			return job
		}
	}
}

// progressSetter is the slice of progressbar.ProgressBar that followJob
// needs; a nil bar disables display.
type progressSetter interface {
	Set(int) error
	Describe(string)
}

func mustGetJob(core *bootstrap.Core, jobID string) *metastore.Job {
	job, err := core.Meta.GetJob(context.Background(), jobID)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError("Cannot read job state", err.Error(), "", err), false)
	}
	return job
}

// reportJob prints the outcome and exits non-zero for anything but
// success.
func reportJob(g GlobalFlags, job *metastore.Job) {
	if g.JSON {
		_ = output.JSON(jobResult{
			JobID:   job.ID,
			State:   string(job.State),
			Error:   job.Error,
			Summary: job.Summary,
		})
	}

	switch job.State {
	case metastore.JobSucceeded:
		if !g.Quiet {
			ui.Successf("job %s succeeded", job.ID)
			if len(job.Summary) > 0 && !g.JSON {
				_ = output.JSON(json.RawMessage(job.Summary))
			}
		}
	case metastore.JobCancelled:
		if !g.Quiet {
			ui.Warningf("job %s cancelled", job.ID)
		}
		os.Exit(errors.ExitInput)
	default:
		if !g.JSON {
			ui.Errorf("job %s %s: %s", job.ID, job.State, job.Error)
		}
		os.Exit(errors.ExitInternal)
	}
}
