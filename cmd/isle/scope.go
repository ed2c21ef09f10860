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

	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/output"
	"github.com/kraklabs/isle/internal/ui"
	"github.com/kraklabs/isle/pkg/scope"
)

// runScope shows how a locator resolves to a project and dataset, and
// can pin a path to explicit values.
func runScope(args []string, g GlobalFlags) {
	fs := flag.NewFlagSet("scope", flag.ExitOnError)
	pinProject := fs.String("pin-project", "", "Pin this path to an explicit project id")
	pinDataset := fs.String("pin-dataset", "", "Pin this path to an explicit dataset name")
	history := fs.Bool("history", false, "Show recent scope resolutions instead")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle scope [options] [path-or-url]

Shows the project and dataset a locator resolves to without indexing
anything. The default locator is the current directory. Pinning writes
an override to ~/.context/auto-scope.json so every later command on
that path lands in the pinned scope.

Examples:
  isle scope
  isle scope https://github.com/acme/widget.git
  isle scope /src/widget --pin-project widget --pin-dataset main
  isle scope --history

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if *history {
		printScopeHistory(g)
		return
	}

	locator := "."
	if fs.NArg() > 0 {
		locator = fs.Arg(0)
	}

	core := newCore(g)
	defer core.Close()

	if *pinProject != "" || *pinDataset != "" {
		pinScope(locator, *pinProject, *pinDataset, g)
	}

	s, err := core.ResolveScope(context.Background(), locator)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot resolve scope",
			err.Error(),
			"Pass a path that exists or a repository/site URL",
		), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(s)
		return
	}
	fmt.Printf("%s %s\n", ui.Label("project:"), s.ProjectID)
	fmt.Printf("%s %s\n", ui.Label("dataset:"), s.Dataset)
	fmt.Printf("%s %s\n", ui.Label("source: "), string(s.Source))
}

// pinScope records an override for a local path.
func pinScope(locator, project, dataset string, g GlobalFlags) {
	norm, err := scope.NormalizeLocalPath(locator)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot pin scope",
			err.Error(),
			"Overrides apply to local paths only",
		), g.JSON)
	}

	path, err := scope.DefaultAutoScopePath()
	if err != nil {
		errors.FatalError(errors.NewInternalError("Cannot locate auto-scope config", err.Error(), "", err), g.JSON)
	}
	auto, err := scope.LoadAutoScope(path)
	if err != nil {
		errors.FatalError(errors.NewConfigError("Cannot load auto-scope config", err.Error(), "Fix or remove "+path, err), g.JSON)
	}
	auto.SetOverride(norm, scope.ScopeOverride{Project: project, Dataset: dataset})
	if err := auto.Save(); err != nil {
		errors.FatalError(errors.NewPermissionError("Cannot save auto-scope config", err.Error(), "", err), g.JSON)
	}
	if !g.Quiet {
		ui.Successf("pinned %s", norm)
	}
}

// printScopeHistory lists recent resolutions, newest last.
func printScopeHistory(g GlobalFlags) {
	path, err := scope.DefaultAutoScopePath()
	if err != nil {
		errors.FatalError(errors.NewInternalError("Cannot locate auto-scope config", err.Error(), "", err), g.JSON)
	}
	auto, err := scope.LoadAutoScope(path)
	if err != nil {
		errors.FatalError(errors.NewConfigError("Cannot load auto-scope config", err.Error(), "Fix or remove "+path, err), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(auto.History)
		return
	}
	if len(auto.History) == 0 {
		fmt.Println("No resolutions recorded")
		return
	}
	for _, h := range auto.History {
		fmt.Printf("%s  %s/%s  %s\n",
			h.ResolvedAt.Local().Format("2006-01-02 15:04"),
			h.ProjectID, h.Dataset, ui.DimText(h.Locator))
	}
}
