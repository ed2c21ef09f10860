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

package vector

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFuseRankedWeightsAndOrder(t *testing.T) {
	dense := []ScoredPoint{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.8},
		{ID: "c", Score: 0.7},
	}
	sparse := []ScoredPoint{
		{ID: "b", Score: 12.0},
		{ID: "d", Score: 11.0},
	}

	fused := fuseRanked([][]ScoredPoint{dense, sparse}, []float64{denseWeight, sparseWeight})

	if len(fused) != 4 {
		t.Fatalf("fused length = %d, want 4", len(fused))
	}
	// b appears in both lists so it must outrank everything.
	if fused[0].ID != "b" {
		t.Fatalf("fused[0] = %s, want b", fused[0].ID)
	}
	wantB := denseWeight/float64(rrfK+2) + sparseWeight/float64(rrfK+1)
	if math.Abs(fused[0].Score-wantB) > 1e-12 {
		t.Errorf("fused score for b = %v, want %v", fused[0].Score, wantB)
	}
	// a leads the dense-only points because it ranked first there.
	if fused[1].ID != "a" {
		t.Errorf("fused[1] = %s, want a", fused[1].ID)
	}
}

func TestFuseRankedTieBreaksOnID(t *testing.T) {
	left := []ScoredPoint{{ID: "zz", Score: 1}}
	right := []ScoredPoint{{ID: "aa", Score: 1}}

	fused := fuseRanked([][]ScoredPoint{left, right}, []float64{0.5, 0.5})
	if len(fused) != 2 {
		t.Fatalf("fused length = %d, want 2", len(fused))
	}
	if fused[0].ID != "aa" || fused[1].ID != "zz" {
		t.Errorf("tie order = %s,%s, want aa,zz", fused[0].ID, fused[1].ID)
	}
}

func TestHybridSearchFallsBackToDense(t *testing.T) {
	searches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		searches++
		okEnvelope(w, []map[string]any{{"id": "only", "score": 0.5}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	hits, err := c.HybridSearch(context.Background(), "col", []float32{1}, nil, SearchParams{TopK: 3})
	if err != nil {
		t.Fatalf("HybridSearch without sparse: %v", err)
	}
	if searches != 1 {
		t.Errorf("search calls = %d, want 1 (dense only)", searches)
	}
	if len(hits) != 1 || hits[0].ID != "only" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestHybridSearchFusesBothLegs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode search body: %v", err)
		}
		vec := req["vector"].(map[string]any)
		switch vec["name"] {
		case DenseFieldName:
			if th, ok := req["score_threshold"].(float64); !ok || th != 0.5 {
				t.Errorf("dense leg score_threshold = %v, want 0.5", req["score_threshold"])
			}
			okEnvelope(w, []map[string]any{
				{"id": "a", "score": 0.9},
				{"id": "b", "score": 0.8},
			})
		case SparseFieldName:
			if _, ok := req["score_threshold"]; ok {
				t.Error("sparse leg must not forward the cosine threshold")
			}
			okEnvelope(w, []map[string]any{
				{"id": "b", "score": 7.0},
				{"id": "c", "score": 6.0},
			})
		default:
			t.Errorf("unexpected vector name %v", vec["name"])
			okEnvelope(w, []map[string]any{})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	sparse := &SparseVector{Indices: []int{1, 2}, Values: []float32{0.3, 0.2}}
	hits, err := c.HybridSearch(context.Background(), "col", []float32{1, 0}, sparse, SearchParams{
		TopK:      2,
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want TopK=2 after fusion", len(hits))
	}
	if hits[0].ID != "b" {
		t.Errorf("top fused hit = %s, want b (present in both legs)", hits[0].ID)
	}
}

func TestHybridSearchThresholdDropsSparseOnlyHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode search body: %v", err)
		}
		vec := req["vector"].(map[string]any)
		if vec["name"] == DenseFieldName {
			// The store already applied the threshold here.
			okEnvelope(w, []map[string]any{{"id": "close", "score": 0.9}})
			return
		}
		okEnvelope(w, []map[string]any{
			{"id": "keyword-only", "score": 15.0},
			{"id": "close", "score": 3.0},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	sparse := &SparseVector{Indices: []int{4}, Values: []float32{0.8}}
	hits, err := c.HybridSearch(context.Background(), "col", []float32{1, 0}, sparse, SearchParams{
		TopK:      10,
		Threshold: 0.7,
	})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "close" {
		t.Fatalf("hits = %+v, want only the hit that cleared the dense threshold", hits)
	}
}
