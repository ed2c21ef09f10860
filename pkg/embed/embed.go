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

package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/kraklabs/isle/pkg/chunk"
)

// Family selects which dense model a text is embedded with.
type Family string

const (
	// FamilyCode is the model family for source code chunks.
	FamilyCode Family = "code"
	// FamilyText is the model family for prose and everything else.
	FamilyText Family = "text"
)

// DenseEncoder generates dense embeddings for batches of text.
type DenseEncoder interface {
	// EmbedBatch returns one vector per input text, in input order.
	// Vectors are unit L2 normalized.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dim reports the vector dimensionality this encoder produces.
	Dim() int
}

// codeSymbolKinds are the symbol kinds that force a chunk onto the code
// model even when language detection was inconclusive.
var codeSymbolKinds = map[chunk.SymbolKind]bool{
	chunk.SymbolFunction:  true,
	chunk.SymbolClass:     true,
	chunk.SymbolMethod:    true,
	chunk.SymbolInterface: true,
}

// proseLangs are detected languages that read as documentation rather
// than code. Anything else with a detected language routes to code.
var proseLangs = map[string]bool{
	"":                 true,
	"markdown":         true,
	"text":             true,
	"restructuredtext": true,
	"asciidoc":         true,
	"plain text":       true,
}

// FamilyFor decides which model family a chunk belongs to.
func FamilyFor(c chunk.Chunk) Family {
	if c.Symbol != nil && codeSymbolKinds[c.Symbol.Kind] {
		return FamilyCode
	}
	if !proseLangs[c.Lang] {
		return FamilyCode
	}
	return FamilyText
}

// Router holds the per-family dense encoders.
type Router struct {
	Code DenseEncoder
	Text DenseEncoder
}

// Encoder returns the encoder for a family.
func (r *Router) Encoder(f Family) DenseEncoder {
	if f == FamilyCode {
		return r.Code
	}
	return r.Text
}

// Dim returns the vector dimensionality for a family.
func (r *Router) Dim(f Family) int {
	return r.Encoder(f).Dim()
}

// Mock generates deterministic embeddings for testing. Vectors are
// derived from a text hash so equal inputs always embed identically.
type Mock struct {
	dim int
}

// NewMock creates a mock encoder with the given dimensionality.
func NewMock(dim int) *Mock {
	return &Mock{dim: dim}
}

// EmbedBatch generates one deterministic unit vector per text.
func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		hash := hashString(text)
		vec := make([]float32, m.dim)
		for j := 0; j < m.dim; j++ {
			val := float32((hash+uint64(j)*7919)%10000) / 10000.0
			vec[j] = val*2.0 - 1.0
		}
		out[i] = normalizeVector(vec)
	}
	return out, nil
}

// Dim reports the mock's dimensionality.
func (m *Mock) Dim() int { return m.dim }

func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}

// normalizeVector scales a vector to unit L2 norm in place.
func normalizeVector(vec []float32) []float32 {
	if len(vec) == 0 {
		return vec
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	normf := float32(norm)
	for i := range vec {
		vec[i] /= normf
	}
	return vec
}

// checkBatchShape validates that a provider returned one vector per
// input and that every vector matches the advertised dimensionality.
func checkBatchShape(vectors [][]float32, want, dim int) error {
	if len(vectors) != want {
		return fmt.Errorf("embedding count mismatch: got %d vectors for %d texts", len(vectors), want)
	}
	if dim <= 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("embedding dim mismatch at index %d: got %d, want %d", i, len(v), dim)
		}
	}
	return nil
}
