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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	maxRetries     = 3
	backoffBase    = 250 * time.Millisecond
	backoffCap     = 4 * time.Second

	// upsertBatchSize bounds a single upsert request body.
	upsertBatchSize = 128
)

// Client talks to the vector index over its REST API. All requests carry
// a bounded timeout and transient failures are retried with jittered
// exponential backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client

	denseWeight  float64
	sparseWeight float64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithHybridWeights overrides the dense/sparse fusion weights used by
// HybridSearch. Non-positive values keep the defaults.
func WithHybridWeights(dense, sparse float64) Option {
	return func(c *Client) {
		if dense > 0 {
			c.denseWeight = dense
		}
		if sparse > 0 {
			c.sparseWeight = sparse
		}
	}
}

// NewClient builds a vector store client for the engine at baseURL,
// e.g. "http://localhost:6333".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      trimTrailingSlash(baseURL),
		httpClient:   &http.Client{Timeout: defaultTimeout},
		denseWeight:  denseWeight,
		sparseWeight: sparseWeight,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// apiEnvelope is the standard response wrapper.
type apiEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vector store returned HTTP %d: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap {
		d = backoffCap
	}
	// Full jitter keeps concurrent retries from synchronizing.
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// do issues one request with retries and decodes the result envelope into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			slog.Debug("vector.retry",
				"method", method,
				"path", path,
				"attempt", attempt,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("vector store request failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: truncateBody(data)}
	}
	if out == nil {
		return nil
	}
	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

type collectionInfo struct {
	Config struct {
		Params struct {
			Vectors       map[string]json.RawMessage `json:"vectors"`
			SparseVectors map[string]json.RawMessage `json:"sparse_vectors"`
		} `json:"params"`
	} `json:"config"`
}

// EnsureCollection creates the named collection with a dense field and,
// when sparse is true, a sparse field. Calling it for an existing
// collection is a no-op.
func (c *Client) EnsureCollection(ctx context.Context, name string, denseDim int, sparse bool) error {
	var info collectionInfo
	err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil, &info)
	if err == nil {
		return nil
	}
	var se *statusError
	if !errors.As(err, &se) || se.code != http.StatusNotFound {
		return fmt.Errorf("check collection %s: %w", name, err)
	}

	body := map[string]any{
		"vectors": map[string]any{
			DenseFieldName: map[string]any{
				"size":     denseDim,
				"distance": "Cosine",
			},
		},
	}
	if sparse {
		body["sparse_vectors"] = map[string]any{
			SparseFieldName: map[string]any{
				"modifier": "idf",
			},
		}
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	slog.Info("vector.collection.created", "collection", name, "dim", denseDim, "sparse", sparse)
	return nil
}

// HasSparse reports whether the collection was created with a sparse field.
func (c *Client) HasSparse(ctx context.Context, name string) (bool, error) {
	var info collectionInfo
	if err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil, &info); err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	_, ok := info.Config.Params.SparseVectors[SparseFieldName]
	return ok, nil
}

type wirePoint struct {
	ID      string         `json:"id"`
	Vector  map[string]any `json:"vector"`
	Payload Payload        `json:"payload"`
}

// Upsert writes points in bounded batches, waiting for each batch to be
// applied before sending the next.
func (c *Client) Upsert(ctx context.Context, name string, points []Point) error {
	path := "/collections/" + url.PathEscape(name) + "/points?wait=true"
	for start := 0; start < len(points); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		batch := make([]wirePoint, 0, end-start)
		for _, pt := range points[start:end] {
			vec := map[string]any{DenseFieldName: pt.Dense}
			if pt.Sparse != nil {
				vec[SparseFieldName] = pt.Sparse
			}
			batch = append(batch, wirePoint{ID: pt.ID, Vector: vec, Payload: pt.Payload})
		}
		body := map[string]any{"points": batch}
		if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
			return fmt.Errorf("upsert %d points into %s: %w", end-start, name, err)
		}
	}
	return nil
}

type wireCondition struct {
	Key   string         `json:"key"`
	Match map[string]any `json:"match"`
}

type wireFilter struct {
	Must []wireCondition `json:"must"`
}

func encodeFilter(f *Filter) *wireFilter {
	if f == nil {
		return nil
	}
	var must []wireCondition
	add := func(key, value string) {
		if value != "" {
			must = append(must, wireCondition{Key: key, Match: map[string]any{"value": value}})
		}
	}
	add("project_id", f.ProjectID)
	add("dataset_id", f.DatasetID)
	add("repo", f.Repo)
	add("lang", f.Lang)
	if f.PathPrefix != "" {
		must = append(must, wireCondition{
			Key:   "relative_path",
			Match: map[string]any{"text": f.PathPrefix},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return &wireFilter{Must: must}
}

type searchRequest struct {
	Vector         any         `json:"vector"`
	Filter         *wireFilter `json:"filter,omitempty"`
	Limit          int         `json:"limit"`
	WithPayload    bool        `json:"with_payload"`
	ScoreThreshold *float64    `json:"score_threshold,omitempty"`
}

type namedDense struct {
	Name   string    `json:"name"`
	Vector []float32 `json:"vector"`
}

type namedSparse struct {
	Name   string       `json:"name"`
	Vector SparseVector `json:"vector"`
}

// Search runs a dense similarity search. The threshold, when set, is
// applied server side against cosine scores.
func (c *Client) Search(ctx context.Context, name string, dense []float32, p SearchParams) ([]ScoredPoint, error) {
	req := searchRequest{
		Vector:      namedDense{Name: DenseFieldName, Vector: dense},
		Filter:      encodeFilter(p.Filter),
		Limit:       p.TopK,
		WithPayload: true,
	}
	if p.Threshold > 0 {
		req.ScoreThreshold = &p.Threshold
	}
	return c.search(ctx, name, req)
}

func (c *Client) searchSparse(ctx context.Context, name string, sparse *SparseVector, p SearchParams) ([]ScoredPoint, error) {
	req := searchRequest{
		Vector:      namedSparse{Name: SparseFieldName, Vector: *sparse},
		Filter:      encodeFilter(p.Filter),
		Limit:       p.TopK,
		WithPayload: true,
	}
	return c.search(ctx, name, req)
}

func (c *Client) search(ctx context.Context, name string, req searchRequest) ([]ScoredPoint, error) {
	var hits []ScoredPoint
	path := "/collections/" + url.PathEscape(name) + "/points/search"
	if err := c.do(ctx, http.MethodPost, path, req, &hits); err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	return hits, nil
}

// DeletePoints removes the named points. Unknown ids are ignored.
func (c *Client) DeletePoints(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := "/collections/" + url.PathEscape(name) + "/points/delete?wait=true"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"points": ids}, nil); err != nil {
		return fmt.Errorf("delete %d points from %s: %w", len(ids), name, err)
	}
	return nil
}

type collectionsResult struct {
	Collections []struct {
		Name string `json:"name"`
	} `json:"collections"`
}

// ListCollections returns all collection names, sorted.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var result collectionsResult
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &result); err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names := make([]string, 0, len(result.Collections))
	for _, col := range result.Collections {
		names = append(names, col.Name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteCollection drops the collection and every point in it.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

type scrollResult struct {
	Points []struct {
		ID string `json:"id"`
	} `json:"points"`
	NextPageOffset *string `json:"next_page_offset"`
}

// PointIDs scrolls the full collection and returns every point id. Used
// by reconciliation to diff the two stores.
func (c *Client) PointIDs(ctx context.Context, name string) ([]string, error) {
	const pageSize = 1000
	var (
		ids    []string
		offset *string
	)
	path := "/collections/" + url.PathEscape(name) + "/points/scroll"
	for {
		body := map[string]any{
			"limit":        pageSize,
			"with_payload": false,
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = *offset
		}
		var page scrollResult
		if err := c.do(ctx, http.MethodPost, path, body, &page); err != nil {
			return nil, fmt.Errorf("scroll %s: %w", name, err)
		}
		for _, pt := range page.Points {
			ids = append(ids, pt.ID)
		}
		if page.NextPageOffset == nil || len(page.Points) == 0 {
			break
		}
		offset = page.NextPageOffset
	}
	return ids, nil
}

type countResult struct {
	Count int `json:"count"`
}

// Count returns the number of points matching the filter.
func (c *Client) Count(ctx context.Context, name string, f *Filter) (int, error) {
	body := map[string]any{"exact": true}
	if wf := encodeFilter(f); wf != nil {
		body["filter"] = wf
	}
	var result countResult
	path := "/collections/" + url.PathEscape(name) + "/points/count"
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return 0, fmt.Errorf("count points in %s: %w", name, err)
	}
	return result.Count, nil
}
