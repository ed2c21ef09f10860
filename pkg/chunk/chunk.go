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
	"log/slog"
)

// Sizing targets for emitted chunks, in characters. Min and Max are soft
// bounds: tiny files yield chunks below Min, and a chunk never exceeds
// Max except when a single unbreakable line does.
const (
	MinChunkChars    = 200
	MaxChunkChars    = 2000
	TargetChunkChars = 800
	OverlapChars     = 160
)

// SymbolKind classifies the declaration a code chunk was cut from.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolClass     SymbolKind = "class"
	SymbolMethod    SymbolKind = "method"
	SymbolInterface SymbolKind = "interface"
	SymbolVariable  SymbolKind = "variable"
	SymbolConstant  SymbolKind = "constant"
	SymbolModule    SymbolKind = "module"
	SymbolOther     SymbolKind = "other"
)

// Symbol carries declaration metadata for code chunks. Prose chunks have
// no symbol.
type Symbol struct {
	Name      string     `json:"name"`
	Kind      SymbolKind `json:"kind"`
	Signature string     `json:"signature,omitempty"`
	Parent    string     `json:"parent,omitempty"`
	Docstring string     `json:"docstring,omitempty"`
}

// Chunk is one retrieval unit cut from a source artifact. The ID is not
// set here: it depends on the collection the chunk lands in, so the
// ingestion coordinator assigns it via ID().
type Chunk struct {
	Content   string
	StartLine int
	EndLine   int
	Lang      string
	Symbol    *Symbol
}

// Chunker splits source artifacts into chunks, choosing the AST path for
// languages it has a grammar for and the prose path for everything else.
// A Chunker is safe for concurrent use.
type Chunker struct {
	logger  *slog.Logger
	parsers *parserSet

	noSymbols bool
}

// New builds a Chunker. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{
		logger:  logger,
		parsers: newParserSet(),
	}
}

// SetSymbolExtraction toggles symbol metadata on code chunks. Chunk
// boundaries are unaffected; disabling only drops the Symbol field.
func (c *Chunker) SetSymbolExtraction(on bool) {
	c.noSymbols = !on
}

// Split chunks one artifact. Binary and empty content yield no chunks.
// When the AST path fails to produce anything usable the content is
// re-chunked as prose so no readable file is ever silently dropped.
func (c *Chunker) Split(path string, content []byte) []Chunk {
	lang, route := Detect(path, content)
	chunks := c.split(path, content, lang, route)
	if c.noSymbols {
		for i := range chunks {
			chunks[i].Symbol = nil
		}
	}
	return chunks
}

func (c *Chunker) split(path string, content []byte, lang string, route Route) []Chunk {
	switch route {
	case RouteSkip:
		return nil
	case RouteCode:
		chunks, err := c.splitCode(path, content, lang)
		if err == nil && len(chunks) > 0 {
			return chunks
		}
		if err != nil {
			c.logger.Warn("chunk.ast.fallback", "path", path, "lang", lang, "error", err)
		}
		return splitProse(string(content), lang)
	default:
		return splitProse(string(content), lang)
	}
}
