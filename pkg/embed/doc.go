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

// Package embed routes chunks to dense embedding models and computes
// optional sparse vectors.
//
// # Routing
//
// Two model families exist, code and text. A chunk with a structural
// symbol (function, class, method, interface) or a recognized
// programming language goes to the code encoder; prose and unknown
// content go to the text encoder. The families may have different
// dimensionalities, so a collection is pinned to one family for life.
//
// # Batching
//
// The Generator packs chunks into per-family batches and issues them
// through a bounded worker pool. Individual batch failures mark their
// chunks failed and keep going; callers decide when the failure ratio
// is fatal. Dense vectors are unit L2 normalized before they leave
// this package.
//
// # Degradation
//
// The sparse encoder and the reranker sit behind circuit breakers.
// Sparse failure downgrades a batch to dense-only. Rerank failure
// leaves fused ordering in place. Neither ever fails a job.
package embed
