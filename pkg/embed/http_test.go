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
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPEncoderEmbedBatch(t *testing.T) {
	var gotReq EmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("path = %s, want /embed", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		// Deliberately unnormalized; the client must fix it.
		resp := EmbedResponse{
			Vectors: [][]float32{{3, 4}, {0, 5}},
			Dim:     2,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	enc := NewHTTPEncoder(srv.URL, FamilyCode, 2, nil)
	vectors, err := enc.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	if len(gotReq.Texts) != 2 || gotReq.Texts[0] != "alpha" || gotReq.Texts[1] != "beta" {
		t.Errorf("request texts = %v", gotReq.Texts)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if math.Abs(float64(vectors[0][0])-0.6) > 1e-6 || math.Abs(float64(vectors[0][1])-0.8) > 1e-6 {
		t.Errorf("vector 0 = %v, want [0.6 0.8]", vectors[0])
	}
	if math.Abs(float64(vectors[1][1])-1.0) > 1e-6 {
		t.Errorf("vector 1 = %v, want [0 1]", vectors[1])
	}
}

func TestHTTPEncoderEmptyBatch(t *testing.T) {
	enc := NewHTTPEncoder("http://127.0.0.1:1", FamilyText, 4, nil)
	vectors, err := enc.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) error = %v", err)
	}
	if vectors != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vectors)
	}
}

func TestHTTPEncoderDimMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(EmbedResponse{
			Vectors: [][]float32{{1, 0, 0}},
			Dim:     3,
		})
	}))
	defer srv.Close()

	enc := NewHTTPEncoder(srv.URL, FamilyText, 768, nil)
	if _, err := enc.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Fatal("EmbedBatch() should fail when service dim disagrees with configured dim")
	}
}

func TestHTTPEncoderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(EmbedResponse{
			Vectors: [][]float32{{1, 0}},
			Dim:     2,
		})
	}))
	defer srv.Close()

	enc := NewHTTPEncoder(srv.URL, FamilyText, 2, nil)
	if _, err := enc.EmbedBatch(context.Background(), []string{"a", "b", "c"}); err == nil {
		t.Fatal("EmbedBatch() should fail when vector count disagrees with text count")
	}
}

func TestHTTPEncoderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(EmbedErrorResponse{Detail: "model loading"})
	}))
	defer srv.Close()

	enc := NewHTTPEncoder(srv.URL, FamilyCode, 2, nil)
	_, err := enc.EmbedBatch(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("EmbedBatch() should fail on 503")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if statusErr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", statusErr.Code)
	}
	if statusErr.Detail != "model loading" {
		t.Errorf("detail = %q, want service detail", statusErr.Detail)
	}
}

func TestIsRetryableEmbedError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "server error", err: &StatusError{Code: 500}, want: true},
		{name: "bad gateway", err: &StatusError{Code: 502}, want: true},
		{name: "rate limited", err: &StatusError{Code: 429}, want: true},
		{name: "bad request", err: &StatusError{Code: 400}, want: false},
		{name: "unauthorized", err: &StatusError{Code: 401}, want: false},
		{name: "wrapped server error", err: fmt.Errorf("embed batch: %w", &StatusError{Code: 503}), want: true},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:8091: connection refused"), want: true},
		{name: "deadline", err: errors.New("context deadline exceeded"), want: true},
		{name: "shape error", err: errors.New("embedding count mismatch: got 1 vectors for 2 texts"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableEmbedError(tt.err); got != tt.want {
				t.Errorf("isRetryableEmbedError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
