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
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/isle/internal/bootstrap"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/output"
	"github.com/kraklabs/isle/internal/ui"
)

// runInit writes the default configuration file.
func runInit(args []string, g GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing configuration")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle init [options]

Writes the default configuration to ~/.isle/config.yaml. Edit the file
to point isle at your vector store and encoder services, or override
individual options with environment variables.

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	path := g.Config
	if path == "" {
		p, err := bootstrap.DefaultPath()
		if err != nil {
			errors.FatalError(errors.NewInternalError("Cannot locate home directory", err.Error(), "", err), g.JSON)
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil && !*force {
		errors.FatalError(errors.NewInputError(
			"Configuration already exists",
			path+" is already present",
			"Use --force to overwrite it",
		), g.JSON)
	}

	cfg := bootstrap.Default()
	if err := cfg.Write(path); err != nil {
		errors.FatalError(errors.NewPermissionError("Cannot write configuration", err.Error(), "Check permissions on ~/.isle", err), g.JSON)
	}

	if g.JSON {
		_ = output.JSON(map[string]string{"config": path})
		return
	}
	ui.Successf("wrote %s", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Point vector_url at your vector store (default http://localhost:6333)")
	fmt.Println("  2. Set code_encoder_url / text_encoder_url for real embeddings")
	fmt.Println("  3. Index something:  isle ingest .")
}
