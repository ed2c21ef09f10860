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
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/kraklabs/isle/internal/bootstrap"
	"github.com/kraklabs/isle/internal/errors"
)

// acquireIndexLock takes the per-project writer lock at
// ~/.isle/<project>/index.lock. Writers to one project are serialized;
// different projects index concurrently. Fatal when another process
// holds the lock.
func acquireIndexLock(g GlobalFlags, projectID string) (release func()) {
	home, err := os.UserHomeDir()
	if err != nil {
		errors.FatalError(errors.NewInternalError("Cannot locate home directory", err.Error(), "", err), g.JSON)
	}

	dir := filepath.Join(home, bootstrap.DirName, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot create project state directory",
			fmt.Sprintf("mkdir %s: %v", dir, err),
			"Check permissions on ~/.isle",
			err,
		), g.JSON)
	}

	path := filepath.Join(dir, "index.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot open index lock", fmt.Sprintf("open %s: %v", path, err),
			"Check permissions on ~/.isle", err,
		), g.JSON)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		errors.FatalError(errors.NewInputError(
			"Another isle process is indexing this project",
			fmt.Sprintf("%s is locked", path),
			"Wait for the other process to finish, or check 'isle jobs list'",
		), g.JSON)
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}
}
