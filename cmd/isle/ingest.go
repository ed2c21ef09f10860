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
	"os"

	"github.com/kraklabs/isle/internal/bootstrap"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/pkg/ingest"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/scope"
)

// runIngest indexes a local path or, with --repo, a remote repository.
func runIngest(args []string, g GlobalFlags) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	repo := fs.String("repo", "", "Remote repository URL to clone and index")
	branch := fs.String("branch", "", "Branch to check out (with --repo)")
	sha := fs.String("sha", "", "Commit to check out (with --repo)")
	project := fs.String("project", "", "Explicit project id (default: auto-scope)")
	dataset := fs.String("dataset", "", "Explicit dataset name (default: auto-scope)")
	dsScope := fs.String("scope", "", "Dataset scope: project, global, or shared")
	force := fs.Bool("force", false, "Re-embed files even when unchanged")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle ingest [options] <path>
       isle ingest --repo <url> [options]

Indexes a source tree into the project's collections. Without --project
the project and dataset are derived from the path or remote URL, so the
same source always lands in the same island.

Examples:
  isle ingest .
  isle ingest /src/widget --dataset docs
  isle ingest --repo https://github.com/acme/widget.git --branch main

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if *repo == "" && fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	core := newCore(g)
	defer core.Close()

	ctx := context.Background()
	req := ingest.Request{
		ProjectID: *project,
		Dataset:   *dataset,
		Scope:     *dsScope,
		Force:     *force,
	}

	if *repo != "" {
		req.Remote = *repo
		req.Branch = *branch
		req.SHA = *sha
		fillScope(ctx, core, &req, *repo, g)

		runForegroundJob(core, g, req.ProjectID, "indexing "+*repo,
			func(ctx context.Context, core *bootstrap.Core) (*metastore.Job, error) {
				return core.EnqueueIngestRepo(ctx, req)
			})
		return
	}

	path := fs.Arg(0)
	req.Path = path
	fillScope(ctx, core, &req, path, g)

	runForegroundJob(core, g, req.ProjectID, "indexing "+path,
		func(ctx context.Context, core *bootstrap.Core) (*metastore.Job, error) {
			return core.EnqueueIngestLocal(ctx, req)
		})
}

// fillScope completes a request's project and dataset from the
// auto-scope resolver when the caller did not pass them explicitly.
func fillScope(ctx context.Context, core *bootstrap.Core, req *ingest.Request, locator string, g GlobalFlags) {
	if req.ProjectID != "" && req.Dataset != "" {
		return
	}

	s, err := core.ResolveScope(ctx, locator)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot derive project scope",
			err.Error(),
			"Pass --project and --dataset explicitly",
		), g.JSON)
	}
	if req.ProjectID == "" {
		req.ProjectID = s.ProjectID
	}
	if req.Dataset == "" {
		req.Dataset = s.Dataset
	}
	if req.Fingerprint == "" {
		if norm, err := scope.NormalizeLocalPath(locator); err == nil {
			req.Fingerprint = scope.Fingerprint(norm)
		}
	}
}
