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

// Package vector is the HTTP client for the vector index engine.
//
// # Collections
//
// Every collection carries a named dense field ("vector", cosine
// distance) and, when created for hybrid retrieval, a named sparse field
// ("sparse"). EnsureCollection is idempotent so ingestion can call it on
// every run without tracking collection state.
//
// # Searching
//
// Search runs a single dense query. HybridSearch runs the dense and
// sparse legs over the same collection and merges them client side with
// weighted reciprocal rank fusion; the engine never sees a combined
// query. Payload filters restrict both legs identically, which is what
// keeps project isolation intact at this layer.
//
// # Failure handling
//
// Requests time out after ten seconds and transient failures (HTTP 5xx,
// timeouts, connection errors) are retried up to three times with
// jittered exponential backoff. HTTP 4xx responses are surfaced
// immediately.
package vector
