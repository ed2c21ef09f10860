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

// Package main implements the isle CLI for indexing code and
// documentation into project-scoped search islands and querying them.
//
// Usage:
//
//	isle ingest <path>            Index a local source tree
//	isle crawl <url>              Crawl and index a documentation site
//	isle query <text>             Search across the project's collections
//	isle serve                    Run the HTTP API and event stream
package main

import (
	"flag"
	"fmt"
	"os"

	"log/slog"

	"github.com/kraklabs/isle/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags are shared by every verb.
type GlobalFlags struct {
	// JSON switches output to machine-readable JSON and implies Quiet.
	JSON bool

	// Quiet suppresses progress bars and informational output.
	Quiet bool

	// NoColor disables colored output (NO_COLOR is also honored).
	NoColor bool

	// Verbose enables debug logging to stderr.
	Verbose bool

	// Config is an explicit config file path; empty means
	// ~/.isle/config.yaml.
	Config string
}

func main() {
	var g GlobalFlags
	flag.BoolVar(&g.JSON, "json", false, "Machine-readable JSON output")
	flag.BoolVar(&g.Quiet, "q", false, "Suppress progress and informational output")
	flag.BoolVar(&g.Quiet, "quiet", false, "Suppress progress and informational output")
	flag.BoolVar(&g.NoColor, "no-color", false, "Disable colored output")
	flag.BoolVar(&g.Verbose, "verbose", false, "Enable debug logging")
	flag.StringVar(&g.Config, "config", "", "Path to config file (default: ~/.isle/config.yaml)")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Usage = printUsage
	flag.Parse()

	if g.JSON {
		g.Quiet = true
	}
	ui.InitColors(g.NoColor)
	initLogging(g)

	if *showVersion {
		printVersion()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	rest := args[1:]

	switch command {
	case "init":
		runInit(rest, g)
	case "ingest":
		runIngest(rest, g)
	case "crawl":
		runCrawl(rest, g)
	case "query":
		runQuery(rest, g)
	case "scope":
		runScope(rest, g)
	case "jobs":
		runJobs(rest, g)
	case "stats":
		runStats(rest, g)
	case "clear":
		runClear(rest, g)
	case "watch":
		runWatch(rest, g)
	case "serve":
		runServe(rest, g)
	case "completion":
		runCompletion(rest)
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func initLogging(g GlobalFlags) {
	level := slog.LevelWarn
	if g.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func printVersion() {
	fmt.Printf("isle version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", date)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `isle - project-scoped code and documentation search

isle indexes source trees, Git repositories, and documentation sites
into per-project search islands: every project gets its own vector
collections, so retrieval never leaks across tenants. Queries fuse
dense and sparse rankings across a project's collections.

Usage:
  isle <command> [options]

Commands:
  init          Write the default config to ~/.isle/config.yaml
  ingest        Index a local path, or --repo for a remote repository
  crawl         Crawl a documentation site and index its pages
  query         Search the project's collections
  scope         Show the auto-detected project/dataset for a locator
  jobs          List, inspect, or cancel jobs
  stats         Show per-project index statistics
  clear         Remove a project's (or one dataset's) indexed data
  watch         Re-ingest a path whenever its files change
  serve         Run the HTTP API, WebSocket event stream, and /metrics
  completion    Generate shell completion script (bash|zsh|fish)
  version       Show version information

Global Options:
  --json        Machine-readable JSON output
  -q, --quiet   Suppress progress and informational output
  --no-color    Disable colored output
  --verbose     Enable debug logging
  --config      Path to config file

Examples:
  isle ingest .                             Index the current directory
  isle ingest --repo https://github.com/acme/widget.git
  isle crawl https://docs.example.com --max-pages 100
  isle query "how are sessions persisted" --top-k 5
  isle jobs list
  isle clear --project demo --dry-run

Data Storage:
  Metadata lives in ~/.isle/meta.db; vectors live in the configured
  vector store (default http://localhost:6333).

For detailed command help: isle <command> --help

`)
}
