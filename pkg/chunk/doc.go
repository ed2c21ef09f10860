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

// Package chunk splits source artifacts into retrieval-ready chunks.
//
// # Routing
//
// Detect classifies each artifact. Binary and empty content is skipped.
// Languages with a bundled tree-sitter grammar (Go, Python, JavaScript,
// TypeScript, TSX) take the AST path; Markdown and friends are always
// prose regardless of what their bodies look like; everything else falls
// back to prose with whatever language tag detection produced.
//
// # The AST path
//
// The tree is walked at declaration granularity. Each function, method,
// type, or class becomes a chunk together with its leading doc comment,
// carrying a Symbol describing the declaration. Oversized declarations
// are split into overlapping windows that keep the symbol; oversized
// classes are exploded into a header chunk plus per-method chunks. Runs
// of loose top-level code (imports, package clauses, module-level
// statements) become module-kind chunks so nothing is lost.
//
// # The prose path
//
// Paragraphs pack greedily toward the target size, breaking inside a
// paragraph at sentence boundaries only when a single paragraph exceeds
// the maximum. Each chunk after the first repeats the tail of its
// predecessor for retrieval continuity.
//
// # Identity
//
// Chunk ids are content-derived (see ID) so that re-chunking an
// unchanged file is a no-op all the way down to the vector store.
package chunk
