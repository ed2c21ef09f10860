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
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/kraklabs/isle/pkg/vector"
)

func TestSparseEncodeBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sparse/batch" {
			t.Errorf("path = %s, want /sparse/batch", r.URL.Path)
		}
		var req SparseBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Texts) != 2 {
			t.Errorf("texts = %v, want 2 entries", req.Texts)
		}
		_ = json.NewEncoder(w).Encode(SparseBatchResponse{Sparse: []vector.SparseVector{
			{Indices: []int{3, 17}, Values: []float32{0.9, 0.2}},
			{Indices: []int{8}, Values: []float32{0.4}},
		}})
	}))
	defer srv.Close()

	enc := NewSparseEncoder(srv.URL, nil)
	out, err := enc.EncodeBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d vectors, want 2", len(out))
	}
	if len(out[0].Indices) != 2 || out[0].Indices[0] != 3 || out[0].Indices[1] != 17 {
		t.Errorf("vector 0 indices = %v", out[0].Indices)
	}
	if len(out[1].Values) != 1 || out[1].Values[0] != 0.4 {
		t.Errorf("vector 1 values = %v", out[1].Values)
	}
}

func TestSparseEncodeSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SparseBatchResponse{Sparse: []vector.SparseVector{
			{Indices: []int{1}, Values: []float32{1.0}},
		}})
	}))
	defer srv.Close()

	enc := NewSparseEncoder(srv.URL, nil)
	sv, err := enc.Encode(context.Background(), "query text")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if sv == nil || len(sv.Indices) != 1 {
		t.Fatalf("Encode() = %+v, want one-term vector", sv)
	}
}

func TestSparseCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SparseBatchResponse{Sparse: []vector.SparseVector{
			{Indices: []int{1}, Values: []float32{1.0}},
		}})
	}))
	defer srv.Close()

	enc := NewSparseEncoder(srv.URL, nil)
	if _, err := enc.EncodeBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("EncodeBatch() should fail when vector count disagrees with text count")
	}
}

func TestSparseBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	enc := NewSparseEncoder(srv.URL, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := enc.EncodeBatch(ctx, []string{"x"}); err == nil {
			t.Fatalf("call %d should fail", i+1)
		}
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("server hits = %d, want 3", got)
	}

	// Breaker is open now; the next call never reaches the server.
	_, err := enc.EncodeBatch(ctx, []string{"x"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want gobreaker.ErrOpenState", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits after open breaker = %d, want still 3", got)
	}
}

func TestSparseEmptyBatch(t *testing.T) {
	enc := NewSparseEncoder("http://127.0.0.1:1", nil)
	out, err := enc.EncodeBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EncodeBatch(nil) error = %v", err)
	}
	if out != nil {
		t.Errorf("EncodeBatch(nil) = %v, want nil", out)
	}
}
