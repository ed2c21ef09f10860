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

package ingest

import (
	"sort"

	"github.com/kraklabs/isle/pkg/metastore"
)

// Delta classifies a walked file set against the dataset's stored
// snapshots. Removed carries the full old snapshot rows because their
// chunk ids are what gets deleted.
type Delta struct {
	Added     []WalkedFile
	Changed   []WalkedFile
	Removed   []metastore.FileSnapshot
	Unchanged int
}

// ComputeDelta diffs walked files against snapshots by content hash.
// force skips the hash comparison and reindexes every present file;
// files that vanished from the source are still classified Removed, so
// a forced run never resurrects deleted content.
func ComputeDelta(files []WalkedFile, snaps map[string]metastore.FileSnapshot, force bool) Delta {
	var d Delta
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.RelPath] = true
		snap, ok := snaps[f.RelPath]
		switch {
		case !ok:
			d.Added = append(d.Added, f)
		case force || snap.FileHash != f.Hash:
			d.Changed = append(d.Changed, f)
		default:
			d.Unchanged++
		}
	}
	for path, snap := range snaps {
		if !seen[path] {
			d.Removed = append(d.Removed, snap)
		}
	}
	sort.Slice(d.Removed, func(i, j int) bool {
		return d.Removed[i].RelativePath < d.Removed[j].RelativePath
	})
	return d
}

// Work returns the files that need chunking and embedding, added first.
func (d Delta) Work() []WalkedFile {
	out := make([]WalkedFile, 0, len(d.Added)+len(d.Changed))
	out = append(out, d.Added...)
	return append(out, d.Changed...)
}
