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

package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPFetcherSubmitAndPoll(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/crawl":
			var req crawlSubmitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) != 1 {
				t.Errorf("bad submit payload: %v %v", err, req)
			}
			_ = json.NewEncoder(w).Encode(crawlSubmitResponse{ID: "job-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/progress/job-1":
			resp := crawlProgressResponse{Status: "running"}
			if polls.Add(1) >= 2 {
				resp = crawlProgressResponse{
					Status: "completed",
					Pages: []wirePage{{
						URL:        "https://example.com/docs",
						Content:    "# Docs",
						Links:      []string{"https://example.com/a"},
						StatusCode: 200,
					}},
				}
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, &Guard{permitLocal: true}, nil)
	page, err := f.Fetch(context.Background(), "https://example.com/docs")
	if err != nil {
		t.Fatal(err)
	}
	if page.URL != "https://example.com/docs" || page.Content != "# Docs" {
		t.Errorf("unexpected page: %+v", page)
	}
	if page.ContentHash == "" {
		t.Error("missing content hash not backfilled")
	}
	if page.FetchedAt.IsZero() {
		t.Error("missing fetched_at not backfilled")
	}
}

func TestHTTPFetcherFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crawl":
			_ = json.NewEncoder(w).Encode(crawlSubmitResponse{ID: "job-2"})
		case "/progress/job-2":
			_ = json.NewEncoder(w).Encode(crawlProgressResponse{Status: "failed", Errors: []string{"timeout rendering page"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, &Guard{permitLocal: true}, nil)
	if _, err := f.Fetch(context.Background(), "https://example.com/x"); err == nil {
		t.Fatal("expected error from failed crawl status")
	}
}

func TestHTTPFetcherBlockedBeforeSubmit(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, NewGuard(), nil)
	_, err := f.Fetch(context.Background(), "http://192.168.1.1/admin")
	if !errors.Is(err, ErrBlockedTarget) {
		t.Fatalf("err = %v, want ErrBlockedTarget", err)
	}
	if called {
		t.Error("blocked URL was still submitted to the fetcher service")
	}
}
