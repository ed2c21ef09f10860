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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/sony/gobreaker"
)

const rerankTimeout = 5 * time.Second

// Reranker scores documents against a query with a cross-encoder
// service. Reranking sits on the interactive query path, so there are
// no retries: a slow or failing reranker degrades to fused order.
type Reranker struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// RerankRequest is the request body for the rerank service.
type RerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// RerankResponse is the response from the rerank service.
type RerankResponse struct {
	Scores []float64 `json:"scores"`
}

// NewReranker creates a reranker client.
func NewReranker(baseURL string, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reranker",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rerank.breaker", "from", from.String(), "to", to.String())
		},
	})
	return &Reranker{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: rerankTimeout,
		},
		breaker: breaker,
		logger:  logger,
	}
}

// Rerank returns one score per document, aligned to input order.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.rerank(ctx, query, documents)
	})
	if err != nil {
		recordRerankFailure()
		return nil, err
	}
	return result.([]float64), nil
}

func (r *Reranker) rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	jsonBody, err := json.Marshal(RerankRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := r.baseURL + "/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Detail: string(body)}
	}

	var rerankResp RerankResponse
	if err := json.Unmarshal(body, &rerankResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(rerankResp.Scores) != len(documents) {
		return nil, fmt.Errorf("score count mismatch: got %d scores for %d documents", len(rerankResp.Scores), len(documents))
	}
	return rerankResp.Scores, nil
}
