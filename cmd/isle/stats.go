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
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/output"
	"github.com/kraklabs/isle/internal/ui"
)

// runStats shows what a project has indexed.
func runStats(args []string, g GlobalFlags) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	project := fs.String("project", "", "Project to inspect (default: auto-scope from cwd)")
	all := fs.Bool("all", false, "List every known project instead")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle stats [options]

Shows datasets, collections, and chunk counts for one project, or with
--all a one-line summary of every project in the metadata store.

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	core := newCore(g)
	defer core.Close()
	ctx := context.Background()

	if *all {
		projects, err := core.Meta.ListProjects(ctx)
		if err != nil {
			errors.FatalError(errors.NewDatabaseError("Cannot list projects", err.Error(), "", err), g.JSON)
		}
		if g.JSON {
			_ = output.JSON(projects)
			return
		}
		if len(projects) == 0 {
			fmt.Println("No projects indexed yet")
			return
		}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"PROJECT", "NAME", "CREATED"})
		for _, p := range projects {
			t.AppendRow(table.Row{p.ID, p.Name, humanize.Time(p.CreatedAt)})
		}
		t.Render()
		return
	}

	projectID := *project
	if projectID == "" {
		cwd, err := os.Getwd()
		if err == nil {
			if s, serr := core.ResolveScope(ctx, cwd); serr == nil {
				projectID = s.ProjectID
			}
		}
	}
	if projectID == "" {
		errors.FatalError(errors.NewInputError(
			"Cannot determine which project to inspect",
			"no --project given and the current directory does not resolve to one",
			"Pass --project, or --all for every project",
		), g.JSON)
	}

	stats, err := core.Meta.Stats(ctx, projectID)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError("Cannot read project stats", err.Error(), "", err), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(stats)
		return
	}

	ui.Header("Project " + stats.ProjectID)
	fmt.Printf("  datasets:    %s\n", ui.CountText(stats.Datasets))
	fmt.Printf("  collections: %s\n", ui.CountText(stats.Collections))
	fmt.Printf("  files:       %s\n", ui.CountText(stats.Files))
	fmt.Printf("  pages:       %s\n", ui.CountText(stats.Pages))
	fmt.Printf("  chunks:      %s\n", ui.CountText(stats.Chunks))

	if len(stats.ByDataset) > 0 {
		names := make([]string, 0, len(stats.ByDataset))
		for name := range stats.ByDataset {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println()
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"DATASET", "CHUNKS"})
		for _, name := range names {
			t.AppendRow(table.Row{name, stats.ByDataset[name]})
		}
		t.Render()
	}
}
