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

// Package ingest coordinates indexing a source tree into the metadata
// and vector stores.
//
// # Incremental sync
//
// Discovery walks the source, hashes every indexable file, and diffs
// the result against the dataset's stored snapshots. Only added and
// changed files are chunked and embedded; vanished files are removed
// from both stores. A changed file is handled delete-then-write: its
// old points leave the vector store before the new ones land, so a
// crash mid-file loses chunks instead of duplicating them, and the
// reconciler repairs the loss.
//
// # Failure policy
//
// Unreadable files and isolated embedding failures are soft: counted,
// reported in the job summary, never fatal. The run fails when the
// embedding failure ratio passes 25%, when either store rejects a
// write, or on cancellation. A file whose every chunk failed to embed
// keeps its previously indexed version.
//
// # Reconciliation
//
// Reconciler sweeps each bound collection, deleting ids present on one
// side of the dual store only. Divergence that survives a sweep breaks
// the coherence guarantee and surfaces as a hard error.
package ingest
