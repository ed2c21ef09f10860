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
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kraklabs/isle/internal/bootstrap"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/ui"
	"github.com/kraklabs/isle/pkg/ingest"
)

// watchDebounce batches rapid editor saves into one re-ingest.
const watchDebounce = 2 * time.Second

// runWatch re-ingests a path whenever its files change.
func runWatch(args []string, g GlobalFlags) {
	flags := flag.NewFlagSet("watch", flag.ExitOnError)
	project := flags.String("project", "", "Explicit project id (default: auto-scope)")
	dataset := flags.String("dataset", "", "Explicit dataset name (default: auto-scope)")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle watch [options] [path]

Watches the path (default: current directory) and re-ingests it after
changes settle. Unchanged files are skipped by content hash, so each
pass only embeds what actually changed. Stop with Ctrl-C.

Options:
`)
		flags.PrintDefaults()
	}
	_ = flags.Parse(args)

	path := "."
	if flags.NArg() > 0 {
		path = flags.Arg(0)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		errors.FatalError(errors.NewInputError("Cannot resolve watch path", err.Error(), ""), g.JSON)
	}

	core := newCore(g)
	defer core.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := ingest.Request{
		ProjectID: *project,
		Dataset:   *dataset,
		Path:      abs,
	}
	fillScope(ctx, core, &req, abs, g)

	release := acquireIndexLock(g, req.ProjectID)
	defer release()

	core.Queue.SetPollInterval(foregroundPollInterval)
	if err := core.Start(ctx); err != nil {
		errors.FatalError(errors.NewInternalError("Cannot start job queue", err.Error(), "", err), g.JSON)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errors.FatalError(errors.NewInternalError("Cannot create file watcher", err.Error(), "", err), g.JSON)
	}
	defer watcher.Close()

	if err := addWatchTree(watcher, abs); err != nil {
		errors.FatalError(errors.NewPermissionError("Cannot watch path", err.Error(), "", err), g.JSON)
	}

	if !g.Quiet {
		ui.Infof("watching %s as %s/%s", abs, req.ProjectID, req.Dataset)
	}

	// Index once up front so the watcher starts from a known state.
	runWatchPass(ctx, core, g, req)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if !g.Quiet {
				fmt.Println()
				ui.Info("stopped")
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if skipWatchPath(ev.Name) {
				continue
			}
			// New directories need their own watch before files
			// inside them produce events.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addWatchTree(watcher, ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ui.Warningf("watch error: %v", err)
		case <-fire:
			timer = nil
			fire = nil
			runWatchPass(ctx, core, g, req)
		}
	}
}

// runWatchPass enqueues one ingest job and waits for it to finish. A
// duplicate means a pass for the same tree is already queued; attach
// to it instead.
func runWatchPass(ctx context.Context, core *bootstrap.Core, g GlobalFlags, req ingest.Request) {
	job, err := core.EnqueueIngestLocal(ctx, req)
	if err != nil && job == nil {
		ui.Warningf("cannot enqueue re-ingest: %v", err)
		return
	}

	for {
		cur, err := core.Meta.GetJob(ctx, job.ID)
		if err != nil {
			ui.Warningf("cannot read job state: %v", err)
			return
		}
		if cur.State.Terminal() {
			if !g.Quiet {
				if cur.Error != "" {
					ui.Warningf("pass %s: %s", cur.State, cur.Error)
				} else {
					ui.Successf("indexed (%s)", time.Now().Format("15:04:05"))
				}
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(foregroundPollInterval):
		}
	}
}

// addWatchTree registers the directory and every non-ignored
// subdirectory with the watcher.
func addWatchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && skipWatchPath(p) {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

// skipWatchPath filters noise that should never trigger a re-ingest.
func skipWatchPath(p string) bool {
	base := filepath.Base(p)
	if strings.HasPrefix(base, ".") && base != "." {
		return true
	}
	switch base {
	case "node_modules", "vendor", "target", "dist", "build", "__pycache__":
		return true
	}
	return false
}
