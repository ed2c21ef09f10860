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
	"fmt"
	"os"

	"github.com/kraklabs/isle/internal/bootstrap"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/pkg/ingest"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/spf13/pflag"
)

// runCrawl crawls a documentation site and indexes the fetched pages.
func runCrawl(args []string, g GlobalFlags) {
	fs := pflag.NewFlagSet("crawl", pflag.ExitOnError)
	mode := fs.String("mode", "recursive", "Crawl mode: single, sitemap, or recursive")
	maxPages := fs.Int("max-pages", 0, "Page budget (default 50)")
	maxDepth := fs.Int("max-depth", 0, "Link depth from the seed (default 2)")
	sameDomain := fs.Bool("same-domain", true, "Only follow links on the seed's domain")
	allow := fs.String("allow", "", "Only queue URLs matching this regexp")
	deny := fs.String("deny", "", "Never queue URLs matching this regexp (wins over --allow)")
	project := fs.String("project", "", "Explicit project id (default: auto-scope from the domain)")
	dataset := fs.String("dataset", "", "Explicit dataset name (default: crawl-<domain>)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle crawl [options] <url>

Crawls from the seed URL breadth-first, converts each page to markdown,
and indexes the pages into the project's text collection. Re-crawling a
site skips pages whose content is unchanged.

Examples:
  isle crawl https://docs.example.com
  isle crawl https://docs.example.com --mode sitemap --max-pages 200
  isle crawl https://example.com/blog --deny '/tag/'

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	seed := fs.Arg(0)

	core := newCore(g)
	defer core.Close()

	ctx := context.Background()
	req := bootstrap.CrawlRequest{
		Request: ingest.Request{
			ProjectID: *project,
			Dataset:   *dataset,
		},
		Seed:     seed,
		Mode:     *mode,
		MaxPages: *maxPages,
		MaxDepth: *maxDepth,
		Allow:    *allow,
		Deny:     *deny,
	}
	sd := *sameDomain
	req.SameDomain = &sd

	if req.ProjectID == "" || req.Dataset == "" {
		s, err := core.Resolver.ResolveCrawl(ctx, seed)
		if err != nil {
			errors.FatalError(errors.NewInputError(
				"Cannot derive project scope from URL",
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
	}

	runForegroundJob(core, g, req.ProjectID, "crawling "+seed,
		func(ctx context.Context, core *bootstrap.Core) (*metastore.Job, error) {
			return core.EnqueueCrawl(ctx, req)
		})
}
