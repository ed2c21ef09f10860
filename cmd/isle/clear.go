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
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/output"
	"github.com/kraklabs/isle/internal/ui"
)

// runClear removes a project's (or one dataset's) indexed data from
// both stores.
func runClear(args []string, g GlobalFlags) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	project := fs.String("project", "", "Project to clear (required)")
	dataset := fs.String("dataset", "", "Only clear this dataset")
	dryRun := fs.Bool("dry-run", false, "Report what would be removed without removing it")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle clear --project <id> [options]

Deletes metadata rows and vector collections for a project, or for a
single dataset with --dataset. Use --dry-run first to see the blast
radius.

Examples:
  isle clear --project widget-3f2a9c1b --dry-run
  isle clear --project widget-3f2a9c1b --dataset crawl-docs-example-com --yes

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if *project == "" {
		fs.Usage()
		os.Exit(1)
	}

	core := newCore(g)
	defer core.Close()
	ctx := context.Background()

	if !*dryRun && !*yes && !g.JSON {
		target := *project
		if *dataset != "" {
			target = *project + "/" + *dataset
		}
		fmt.Printf("Delete all indexed data for %s? [y/N] ", target)
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if ans := strings.ToLower(strings.TrimSpace(line)); ans != "y" && ans != "yes" {
			ui.Warning("aborted")
			os.Exit(errors.ExitInput)
		}
	}

	sum, err := core.Clear(ctx, *project, *dataset, *dryRun)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError("Cannot clear project data", err.Error(), "", err), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(sum)
		return
	}
	verb := "removed"
	if sum.DryRun {
		verb = "would remove"
	}
	ui.Successf("%s %d datasets, %d collections, %d chunks, %d file snapshots",
		verb, sum.Datasets, len(sum.Collections), sum.Chunks, sum.Snapshots)
	for _, c := range sum.Collections {
		fmt.Printf("  %s\n", ui.DimText(c))
	}
}
