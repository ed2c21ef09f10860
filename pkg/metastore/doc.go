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

// Package metastore is the durable metadata side of the dual-store model:
// projects, datasets, dataset-to-collection bindings, file snapshots for
// incremental sync, a denormalized chunk mirror, the job table backing the
// durable queue, crawl sessions, web-page provenance, and dataset shares.
//
// It is backed by a single SQLite file opened in WAL mode. All writes are
// single-statement atomic or wrapped in short transactions; the only
// multi-statement hot path is the enqueue dedup check. Schema changes are
// versioned in the migrations list and only ever add tables or columns.
package metastore
