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
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/output"
	"github.com/kraklabs/isle/internal/ui"
	"github.com/kraklabs/isle/pkg/metastore"
)

// runJobs lists, inspects, or cancels jobs.
func runJobs(args []string, g GlobalFlags) {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "list":
		runJobsList(args, g)
	case "get":
		runJobsGet(args, g)
	case "cancel":
		runJobsCancel(args, g)
	default:
		fmt.Fprintf(os.Stderr, "Usage: isle jobs [list|get|cancel] ...\n")
		os.Exit(1)
	}
}

func runJobsList(args []string, g GlobalFlags) {
	fs := flag.NewFlagSet("jobs list", flag.ExitOnError)
	project := fs.String("project", "", "Only jobs for this project")
	state := fs.String("state", "", "Comma-separated states (queued,running,succeeded,failed,skipped,cancelled)")
	limit := fs.Int("limit", 20, "Maximum number of jobs to show")
	_ = fs.Parse(args)

	var states []metastore.JobState
	for _, s := range strings.Split(*state, ",") {
		if s = strings.TrimSpace(s); s != "" {
			states = append(states, metastore.JobState(s))
		}
	}

	core := newCore(g)
	defer core.Close()

	jobList, err := core.Meta.ListJobs(context.Background(), *project, states, *limit)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError("Cannot list jobs", err.Error(), "", err), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(jobList)
		return
	}
	if len(jobList) == 0 {
		fmt.Println("No jobs")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "KIND", "PROJECT", "STATE", "PROGRESS", "AGE"})
	for _, j := range jobList {
		progress := fmt.Sprintf("%3.0f%%", j.Fraction*100)
		if j.Phase != "" && !j.State.Terminal() {
			progress += " " + j.Phase
		}
		t.AppendRow(table.Row{
			shortID(j.ID),
			string(j.Kind),
			j.ProjectID,
			string(j.State),
			progress,
			humanize.Time(j.CreatedAt),
		})
	}
	t.Render()
}

func runJobsGet(args []string, g GlobalFlags) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: isle jobs get <job-id>\n")
		os.Exit(1)
	}

	core := newCore(g)
	defer core.Close()

	job, err := core.Meta.GetJob(context.Background(), args[0])
	if err != nil {
		errors.FatalError(errors.NewInputError("Cannot find job", err.Error(), "Check the id with 'isle jobs list'"), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(job)
		return
	}
	fmt.Printf("%s %s\n", ui.Label("id:     "), job.ID)
	fmt.Printf("%s %s\n", ui.Label("kind:   "), string(job.Kind))
	fmt.Printf("%s %s/%s\n", ui.Label("scope:  "), job.ProjectID, job.DatasetID)
	fmt.Printf("%s %s\n", ui.Label("state:  "), string(job.State))
	fmt.Printf("%s %.0f%% %s\n", ui.Label("done:   "), job.Fraction*100, job.Phase)
	if job.Detail != "" {
		fmt.Printf("%s %s\n", ui.Label("detail: "), job.Detail)
	}
	fmt.Printf("%s %s\n", ui.Label("created:"), humanize.Time(job.CreatedAt))
	if job.FinishedAt != nil {
		fmt.Printf("%s %s\n", ui.Label("ended:  "), humanize.Time(*job.FinishedAt))
	}
	if job.Error != "" {
		ui.Errorf("error: %s", job.Error)
	}
	if len(job.Summary) > 0 {
		fmt.Println(ui.Label("summary:"))
		_ = output.JSON(job.Summary)
	}
}

func runJobsCancel(args []string, g GlobalFlags) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: isle jobs cancel <job-id>\n")
		os.Exit(1)
	}

	core := newCore(g)
	defer core.Close()

	if err := core.Queue.Cancel(context.Background(), args[0]); err != nil {
		errors.FatalError(errors.NewInputError("Cannot cancel job", err.Error(), "Only queued or running jobs can be cancelled"), g.JSON)
	}
	if g.JSON {
		_ = output.JSON(map[string]string{"job_id": args[0], "state": "cancelled"})
		return
	}
	ui.Successf("cancelled %s", args[0])
}

// shortID keeps tables narrow; the full id is always available with
// --json or 'jobs get'.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
