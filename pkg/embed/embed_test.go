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
	"math"
	"testing"

	"github.com/kraklabs/isle/pkg/chunk"
)

func TestFamilyFor(t *testing.T) {
	tests := []struct {
		name string
		c    chunk.Chunk
		want Family
	}{
		{
			name: "go function",
			c:    chunk.Chunk{Lang: "go", Symbol: &chunk.Symbol{Name: "Add", Kind: chunk.SymbolFunction}},
			want: FamilyCode,
		},
		{
			name: "python class",
			c:    chunk.Chunk{Lang: "python", Symbol: &chunk.Symbol{Name: "Widget", Kind: chunk.SymbolClass}},
			want: FamilyCode,
		},
		{
			name: "code language without symbol",
			c:    chunk.Chunk{Lang: "rust"},
			want: FamilyCode,
		},
		{
			name: "markdown prose",
			c:    chunk.Chunk{Lang: "markdown"},
			want: FamilyText,
		},
		{
			name: "plain text",
			c:    chunk.Chunk{Lang: "text"},
			want: FamilyText,
		},
		{
			name: "undetected language",
			c:    chunk.Chunk{Lang: ""},
			want: FamilyText,
		},
		{
			name: "structural symbol overrides prose language",
			c:    chunk.Chunk{Lang: "markdown", Symbol: &chunk.Symbol{Name: "render", Kind: chunk.SymbolMethod}},
			want: FamilyCode,
		},
		{
			name: "module symbol in prose stays text",
			c:    chunk.Chunk{Lang: "text", Symbol: &chunk.Symbol{Name: "notes", Kind: chunk.SymbolModule}},
			want: FamilyText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FamilyFor(tt.c); got != tt.want {
				t.Errorf("FamilyFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouterEncoder(t *testing.T) {
	code := NewMock(8)
	text := NewMock(4)
	r := &Router{Code: code, Text: text}

	if r.Encoder(FamilyCode) != code {
		t.Error("Encoder(FamilyCode) should return the code encoder")
	}
	if r.Encoder(FamilyText) != text {
		t.Error("Encoder(FamilyText) should return the text encoder")
	}
	if got := r.Dim(FamilyCode); got != 8 {
		t.Errorf("Dim(FamilyCode) = %d, want 8", got)
	}
	if got := r.Dim(FamilyText); got != 4 {
		t.Errorf("Dim(FamilyText) = %d, want 4", got)
	}
}

func TestMockEmbedBatch(t *testing.T) {
	m := NewMock(64)
	ctx := context.Background()

	vectors, err := m.EmbedBatch(ctx, []string{"func main() {}", "func main() {}", "other"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("EmbedBatch() returned %d vectors, want 3", len(vectors))
	}

	for i, v := range vectors {
		if len(v) != 64 {
			t.Errorf("vector %d dimension = %d, want 64", i, len(v))
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		norm = math.Sqrt(norm)
		if math.Abs(norm-1.0) > 0.001 {
			t.Errorf("vector %d L2 norm = %f, want ~1.0", i, norm)
		}
	}

	// Same text embeds identically, different text differently.
	for i := range vectors[0] {
		if vectors[0][i] != vectors[1][i] {
			t.Fatalf("identical texts diverged at index %d", i)
		}
	}
	same := true
	for i := range vectors[0] {
		if vectors[0][i] != vectors[2][i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts should produce different embeddings")
	}
}

func TestNormalizeVector(t *testing.T) {
	tests := []struct {
		name  string
		input []float32
	}{
		{name: "typical vector", input: []float32{1.0, 2.0, 3.0, 4.0, 5.0}},
		{name: "already normalized", input: []float32{0.5773, 0.5773, 0.5773}},
		{name: "large values", input: []float32{1000.0, 2000.0, 3000.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeVector(append([]float32(nil), tt.input...))
			var norm float64
			for _, v := range got {
				norm += float64(v) * float64(v)
			}
			norm = math.Sqrt(norm)
			if math.Abs(norm-1.0) > 0.001 {
				t.Errorf("normalizeVector() L2 norm = %f, want ~1.0", norm)
			}
		})
	}

	zero := normalizeVector([]float32{0, 0, 0})
	for i, v := range zero {
		if v != 0 {
			t.Errorf("zero vector index %d = %f, want 0", i, v)
		}
	}
	if out := normalizeVector(nil); len(out) != 0 {
		t.Errorf("normalizeVector(nil) = %v, want empty", out)
	}
}
