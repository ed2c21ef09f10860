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

	"github.com/kraklabs/isle/pkg/vector"
)

const sparseEncoderTimeout = 15 * time.Second

// SparseEncoder computes lexical sparse vectors via an external
// service. A circuit breaker keeps a dead service from stalling
// ingestion: once open, calls fail immediately and the pipeline runs
// dense-only until the service recovers.
type SparseEncoder struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// SparseBatchRequest is the request body for the sparse service.
type SparseBatchRequest struct {
	Texts []string `json:"texts"`
}

// SparseBatchResponse is the response from the sparse service.
type SparseBatchResponse struct {
	Sparse []vector.SparseVector `json:"sparse"`
}

// NewSparseEncoder creates a sparse encoder client.
func NewSparseEncoder(baseURL string, logger *slog.Logger) *SparseEncoder {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sparse-encoder",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embed.sparse.breaker", "from", from.String(), "to", to.String())
		},
	})
	return &SparseEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: sparseEncoderTimeout,
		},
		breaker: breaker,
		logger:  logger,
	}
}

// EncodeBatch returns one sparse vector per input text, in order.
func (s *SparseEncoder) EncodeBatch(ctx context.Context, texts []string) ([]*vector.SparseVector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.encodeBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*vector.SparseVector), nil
}

// Encode returns the sparse vector for a single text. Query-time
// callers use this; it rides the same batch endpoint.
func (s *SparseEncoder) Encode(ctx context.Context, text string) (*vector.SparseVector, error) {
	out, err := s.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("sparse count mismatch: got %d vectors for 1 text", len(out))
	}
	return out[0], nil
}

func (s *SparseEncoder) encodeBatch(ctx context.Context, texts []string) ([]*vector.SparseVector, error) {
	jsonBody, err := json.Marshal(SparseBatchRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := s.baseURL + "/sparse/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
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

	var sparseResp SparseBatchResponse
	if err := json.Unmarshal(body, &sparseResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(sparseResp.Sparse) != len(texts) {
		return nil, fmt.Errorf("sparse count mismatch: got %d vectors for %d texts", len(sparseResp.Sparse), len(texts))
	}

	out := make([]*vector.SparseVector, len(sparseResp.Sparse))
	for i := range sparseResp.Sparse {
		sv := sparseResp.Sparse[i]
		out[i] = &sv
	}
	return out, nil
}
