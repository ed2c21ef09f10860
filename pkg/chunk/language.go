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
	"path"
	"strings"

	"github.com/src-d/enry/v2"
)

// Route decides which splitting path an artifact takes.
type Route int

const (
	RouteSkip Route = iota
	RouteCode
	RouteText
)

// proseExtensions force the prose path regardless of what language
// detection says about the body. A Markdown file full of fenced Go code
// is still documentation.
var proseExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdx":      true,
	".rst":      true,
	".txt":      true,
	".adoc":     true,
}

// Detect classifies one artifact: the language tag stored on its chunks
// and the route it takes through the chunker. Empty and binary content
// is skipped.
func Detect(p string, content []byte) (lang string, route Route) {
	if len(strings.TrimSpace(string(content))) == 0 {
		return "", RouteSkip
	}
	if enry.IsBinary(content) {
		return "", RouteSkip
	}

	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	detected := enry.GetLanguage(base, content)
	lang = strings.ToLower(detected)

	if proseExtensions[strings.ToLower(path.Ext(base))] {
		return lang, RouteText
	}
	if _, ok := grammarFor(lang); ok {
		return lang, RouteCode
	}
	return lang, RouteText
}
