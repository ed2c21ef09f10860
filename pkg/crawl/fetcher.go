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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

// pollInterval is how often the fetcher checks a submitted crawl's
// progress.
const pollInterval = 500 * time.Millisecond

// HTTPFetcher drives the external headless-browser page fetcher. One
// Fetch submits a single-URL crawl and polls its progress handle until
// the page record arrives; there are no retries, timeouts count as
// soft errors at the engine level.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	guard   *Guard
	logger  *slog.Logger
}

// NewHTTPFetcher builds a fetcher against the page-fetcher service.
// Targets are validated against the guard before submission.
func NewHTTPFetcher(baseURL string, guard *Guard, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: fetchTimeout},
		guard:   guard,
		logger:  logger,
	}
}

type crawlSubmitRequest struct {
	URLs    []string       `json:"urls"`
	Options map[string]any `json:"options,omitempty"`
}

type crawlSubmitResponse struct {
	ID string `json:"id"`
}

type wirePage struct {
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	HTML        string    `json:"html,omitempty"`
	ContentHash string    `json:"content_hash"`
	Links       []string  `json:"links"`
	FetchedAt   time.Time `json:"fetched_at"`
	StatusCode  int       `json:"status_code"`
}

type crawlProgressResponse struct {
	Status string     `json:"status"`
	Pages  []wirePage `json:"pages"`
	Errors []string   `json:"errors"`
}

// Fetch retrieves one rendered page. The whole submit-poll cycle is
// bounded by the page-fetch timeout.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if f.guard != nil {
		if err := f.guard.ValidateURL(ctx, url); err != nil {
			recordBlocked()
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	handle, err := f.submit(ctx, url)
	if err != nil {
		return nil, err
	}
	for {
		prog, err := f.progress(ctx, handle)
		if err != nil {
			return nil, err
		}
		switch prog.Status {
		case "completed", "done":
			if len(prog.Pages) == 0 {
				if len(prog.Errors) > 0 {
					return nil, fmt.Errorf("fetch %s: %s", url, prog.Errors[0])
				}
				return nil, fmt.Errorf("fetch %s: no page returned", url)
			}
			return pageFromWire(prog.Pages[0]), nil
		case "failed":
			msg := "unknown error"
			if len(prog.Errors) > 0 {
				msg = prog.Errors[0]
			}
			return nil, fmt.Errorf("fetch %s: %s", url, msg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (f *HTTPFetcher) submit(ctx context.Context, url string) (string, error) {
	body, err := json.Marshal(crawlSubmitRequest{URLs: []string{url}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/crawl", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit crawl: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit crawl: status %d", resp.StatusCode)
	}
	var out crawlSubmitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode crawl handle: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("submit crawl: empty progress handle")
	}
	return out.ID, nil
}

func (f *HTTPFetcher) progress(ctx context.Context, id string) (*crawlProgressResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/progress/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll crawl progress: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll crawl progress: status %d", resp.StatusCode)
	}
	var out crawlProgressResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode crawl progress: %w", err)
	}
	return &out, nil
}

func pageFromWire(w wirePage) *Page {
	p := &Page{
		URL:         w.URL,
		Content:     w.Content,
		HTML:        w.HTML,
		ContentHash: w.ContentHash,
		Links:       w.Links,
		FetchedAt:   w.FetchedAt,
		StatusCode:  w.StatusCode,
	}
	if p.ContentHash == "" {
		sum := sha256.Sum256([]byte(p.Content))
		p.ContentHash = hex.EncodeToString(sum[:])
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}
	return p
}
