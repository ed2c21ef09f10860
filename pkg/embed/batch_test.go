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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kraklabs/isle/pkg/chunk"
	"github.com/kraklabs/isle/pkg/vector"
)

// scriptedEncoder is a DenseEncoder whose failures are programmable
// per call.
type scriptedEncoder struct {
	dim  int
	mu   sync.Mutex
	call int
	fail func(call int) error
}

func (s *scriptedEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.call++
	call := s.call
	s.mu.Unlock()

	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (s *scriptedEncoder) Dim() int { return s.dim }

func (s *scriptedEncoder) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2.0}
}

func codeChunk(content string) chunk.Chunk {
	return chunk.Chunk{
		Content: content,
		Lang:    "go",
		Symbol:  &chunk.Symbol{Name: "f", Kind: chunk.SymbolFunction},
	}
}

func textChunk(content string) chunk.Chunk {
	return chunk.Chunk{Content: content, Lang: "markdown"}
}

func TestEmbedChunksRoutesFamilies(t *testing.T) {
	code := &scriptedEncoder{dim: 8}
	text := &scriptedEncoder{dim: 4}
	gen := NewGenerator(&Router{Code: code, Text: text}, nil)

	chunks := []chunk.Chunk{
		codeChunk("func a() {}"),
		textChunk("# Readme"),
		codeChunk("func b() {}"),
		textChunk("Some prose."),
		codeChunk("func c() {}"),
	}

	res, err := gen.EmbedChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedChunks() error = %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("Failed = %v, want none", res.Failed)
	}
	wantDims := []int{8, 4, 8, 4, 8}
	for i, want := range wantDims {
		if len(res.Dense[i]) != want {
			t.Errorf("Dense[%d] dim = %d, want %d", i, len(res.Dense[i]), want)
		}
	}
	if res.Sparse != nil {
		t.Error("Sparse should be nil without a sparse encoder")
	}
}

func TestEmbedChunksBatchFailureMarksFailed(t *testing.T) {
	code := &scriptedEncoder{dim: 8}
	text := &scriptedEncoder{dim: 4, fail: func(call int) error {
		return &StatusError{Code: 400, Detail: "bad input"}
	}}
	gen := NewGenerator(&Router{Code: code, Text: text}, nil)
	gen.SetRetryConfig(fastRetry())

	chunks := []chunk.Chunk{
		codeChunk("func a() {}"),
		textChunk("doc one"),
		codeChunk("func b() {}"),
		textChunk("doc two"),
	}

	res, err := gen.EmbedChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedChunks() error = %v", err)
	}
	if len(res.Failed) != 2 || res.Failed[0] != 1 || res.Failed[1] != 3 {
		t.Fatalf("Failed = %v, want [1 3]", res.Failed)
	}
	if res.Dense[0] == nil || res.Dense[2] == nil {
		t.Error("code chunks should still embed when the text encoder fails")
	}
	if res.Dense[1] != nil || res.Dense[3] != nil {
		t.Error("failed chunks must have nil vectors")
	}
	// 400 is not retryable, one call only.
	if text.calls() != 1 {
		t.Errorf("text encoder calls = %d, want 1", text.calls())
	}
	if got := res.FailureRatio(len(chunks)); got != 0.5 {
		t.Errorf("FailureRatio() = %f, want 0.5", got)
	}
}

func TestEmbedChunksRetriesThenSucceeds(t *testing.T) {
	code := &scriptedEncoder{dim: 8, fail: func(call int) error {
		if call == 1 {
			return &StatusError{Code: 503, Detail: "busy"}
		}
		return nil
	}}
	gen := NewGenerator(&Router{Code: code, Text: NewMock(4)}, nil)
	gen.SetRetryConfig(fastRetry())

	res, err := gen.EmbedChunks(context.Background(), []chunk.Chunk{codeChunk("func a() {}")})
	if err != nil {
		t.Fatalf("EmbedChunks() error = %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("Failed = %v, want none after retry", res.Failed)
	}
	if code.calls() != 2 {
		t.Errorf("encoder calls = %d, want 2", code.calls())
	}
}

func TestEmbedChunksSplitsIntoBatches(t *testing.T) {
	code := &scriptedEncoder{dim: 8}
	gen := NewGenerator(&Router{Code: code, Text: NewMock(4)}, nil)
	gen.SetBatchSize(32)

	chunks := make([]chunk.Chunk, 70)
	for i := range chunks {
		chunks[i] = codeChunk(fmt.Sprintf("func f%d() {}", i))
	}

	res, err := gen.EmbedChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedChunks() error = %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("Failed = %v, want none", res.Failed)
	}
	// 70 chunks at 32 per request is 3 calls.
	if code.calls() != 3 {
		t.Errorf("encoder calls = %d, want 3", code.calls())
	}
	for i := range chunks {
		if res.Dense[i] == nil {
			t.Fatalf("Dense[%d] is nil", i)
		}
	}
}

func TestEmbedChunksCancelled(t *testing.T) {
	gen := NewGenerator(&Router{Code: NewMock(8), Text: NewMock(4)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gen.EmbedChunks(ctx, []chunk.Chunk{codeChunk("func a() {}")}); err == nil {
		t.Fatal("EmbedChunks() should return an error on cancelled context")
	}
}

func TestEmbedChunksEmptyInput(t *testing.T) {
	gen := NewGenerator(&Router{Code: NewMock(8), Text: NewMock(4)}, nil)
	res, err := gen.EmbedChunks(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedChunks(nil) error = %v", err)
	}
	if len(res.Dense) != 0 || len(res.Failed) != 0 {
		t.Errorf("EmbedChunks(nil) = %+v, want empty result", res)
	}
	if res.FailureRatio(0) != 0 {
		t.Errorf("FailureRatio(0) = %f, want 0", res.FailureRatio(0))
	}
}

func TestEmbedChunksAttachesSparse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SparseBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := SparseBatchResponse{Sparse: make([]vector.SparseVector, len(req.Texts))}
		for i := range req.Texts {
			resp.Sparse[i] = vector.SparseVector{Indices: []int{i}, Values: []float32{0.5}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	gen := NewGenerator(&Router{Code: NewMock(8), Text: NewMock(4)}, nil)
	gen.SetSparse(NewSparseEncoder(srv.URL, nil))

	chunks := []chunk.Chunk{codeChunk("func a() {}"), textChunk("doc")}
	res, err := gen.EmbedChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedChunks() error = %v", err)
	}
	if res.SparseDegraded {
		t.Fatal("SparseDegraded = true, want false")
	}
	if len(res.Sparse) != 2 {
		t.Fatalf("Sparse length = %d, want 2", len(res.Sparse))
	}
	for i, sv := range res.Sparse {
		if sv == nil {
			t.Fatalf("Sparse[%d] is nil", i)
		}
		if len(sv.Indices) != 1 || sv.Indices[0] != i {
			t.Errorf("Sparse[%d].Indices = %v", i, sv.Indices)
		}
	}
}

func TestEmbedChunksSparseDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sparse model down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	gen := NewGenerator(&Router{Code: NewMock(8), Text: NewMock(4)}, nil)
	gen.SetSparse(NewSparseEncoder(srv.URL, nil))

	chunks := []chunk.Chunk{codeChunk("func a() {}"), textChunk("doc")}
	res, err := gen.EmbedChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedChunks() error = %v, sparse failure must not fail the run", err)
	}
	if !res.SparseDegraded {
		t.Fatal("SparseDegraded = false, want true")
	}
	for i := range res.Dense {
		if res.Dense[i] == nil {
			t.Errorf("Dense[%d] is nil, dense must survive sparse degradation", i)
		}
	}
}
