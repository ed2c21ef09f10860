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

// Package testing provides shared backends for pipeline and retrieval
// tests: a real SQLite metastore in a temp dir, an in-memory
// vector.Store with honest similarity ranking, and mock encoders.
//
// # Quick Start
//
//	import isletest "github.com/kraklabs/isle/internal/testing"
//
//	func TestMyFeature(t *testing.T) {
//	    meta := isletest.OpenMetastore(t)
//	    vec := isletest.NewFakeVectorStore()
//	    router := isletest.NewRouter(64, 48)
//
//	    // Wire a pipeline or retrieval engine against them...
//	}
//
// The fake store ranks dense queries by dot product, matching cosine
// similarity for the unit vectors the pipeline writes, so relevance
// assertions carry over to the real store. FailDeletes switches the
// store into a mode where deletes succeed without removing anything,
// which is how reconciler coherence failures are exercised.
package testing
