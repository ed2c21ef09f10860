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

package chunk

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strconv"
	"strings"
)

// idEncoding renders the truncated digest without padding; lowercasing
// keeps ids shell and URL friendly.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ID derives the deterministic chunk id. The digest covers the collection
// name, the relative path, the line range, and a hash of the content, so
// re-chunking identical content is idempotent while any edit produces a
// new id. Truncated to 128 bits and encoded Base32 lowercase.
func ID(collection, relativePath string, startLine, endLine int, content string) string {
	contentSum := sha256.Sum256([]byte(content))

	h := sha256.New()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write([]byte(relativePath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(startLine)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(endLine)))
	h.Write([]byte{0})
	h.Write(contentSum[:])
	sum := h.Sum(nil)

	return strings.ToLower(idEncoding.EncodeToString(sum[:16]))
}

// HashContent is the file-level content hash recorded in snapshots and
// provenance rows: hex SHA-256 of the raw bytes.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
