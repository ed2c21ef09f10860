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

	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/output"
	"github.com/kraklabs/isle/internal/ui"
	"github.com/kraklabs/isle/pkg/retrieval"
)

// runQuery answers a natural-language query against the project's
// indexed collections.
func runQuery(args []string, g GlobalFlags) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	project := fs.String("project", "", "Project to query (default: auto-scope from cwd)")
	datasets := fs.String("dataset", "", "Comma-separated dataset names to search (default: all)")
	topK := fs.Int("top-k", retrieval.DefaultTopK, "Number of results")
	threshold := fs.Float64("threshold", 0, "Minimum similarity score")
	pathPrefix := fs.String("path-prefix", "", "Only return chunks under this path")
	repo := fs.String("repo", "", "Only return chunks from this repository")
	lang := fs.String("lang", "", "Only return chunks in this language")
	includeGlobal := fs.Bool("include-global", false, "Also search global and shared datasets")
	showContent := fs.Bool("content", false, "Print chunk content, not just citations")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle query [options] <query>

Embeds the query, searches every collection in the project's scope, and
prints ranked citations. Results never cross project boundaries unless
--include-global pulls in global or shared datasets.

Examples:
  isle query "how are jobs retried"
  isle query "websocket upgrade" --lang go --top-k 5
  isle query "install steps" --dataset crawl-docs-example-com --content

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	query := strings.Join(fs.Args(), " ")

	core := newCore(g)
	defer core.Close()

	ctx := context.Background()
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
			"Cannot determine which project to query",
			"no --project given and the current directory does not resolve to one",
			"Pass --project explicitly",
		), g.JSON)
	}

	req := retrieval.Request{
		Query:         query,
		ProjectID:     projectID,
		TopK:          *topK,
		Threshold:     *threshold,
		PathPrefix:    *pathPrefix,
		Repo:          *repo,
		Lang:          *lang,
		IncludeGlobal: *includeGlobal,
	}
	if *datasets != "" {
		for _, d := range strings.Split(*datasets, ",") {
			if d = strings.TrimSpace(d); d != "" {
				req.DatasetFilter = append(req.DatasetFilter, d)
			}
		}
	}

	resp, err := core.Retrieval.Search(ctx, req)
	if err != nil {
		errors.FatalError(errors.NewInputError("Query failed", err.Error(), ""), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(resp)
		return
	}
	printResults(resp, *showContent, g.Quiet)
}

// printResults renders a response for a terminal reader.
func printResults(resp *retrieval.Response, showContent, quiet bool) {
	if len(resp.Results) == 0 {
		fmt.Println("No results")
		return
	}

	for i, r := range resp.Results {
		loc := r.Payload.RelativePath
		if r.Payload.StartLine > 0 {
			loc = fmt.Sprintf("%s:%d-%d", loc, r.Payload.StartLine, r.Payload.EndLine)
		}
		fmt.Printf("%2d. %s %s\n", i+1, ui.Label(loc), ui.DimText(fmt.Sprintf("(%.3f, %s)", r.Score, r.Dataset)))
		if r.Payload.Symbol != "" {
			fmt.Printf("    %s\n", r.Payload.Symbol)
		}
		if showContent {
			for _, line := range strings.Split(strings.TrimRight(r.Payload.Content, "\n"), "\n") {
				fmt.Printf("    %s\n", line)
			}
			fmt.Println()
		}
	}

	if quiet {
		return
	}
	note := fmt.Sprintf("\n%d results from %d collections in %dms",
		resp.Timing.Results, resp.Timing.Collections, resp.Timing.ElapsedMS)
	if resp.Partial {
		note += " (partial: " + strings.Join(resp.Degradations, ", ") + ")"
	} else if len(resp.Degradations) > 0 {
		note += " (degraded: " + strings.Join(resp.Degradations, ", ") + ")"
	}
	fmt.Println(ui.DimText(note))
}
