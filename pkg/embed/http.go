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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

const httpEncoderTimeout = 30 * time.Second

// HTTPEncoder talks to a dense embedding service.
// The code and text families use identical wire contracts on different
// base URLs, so one implementation serves both.
type HTTPEncoder struct {
	baseURL    string
	family     Family
	dim        int
	httpClient *http.Client
	logger     *slog.Logger
}

// EmbedRequest is the request body for the embedding service.
type EmbedRequest struct {
	Texts []string `json:"texts"`
}

// EmbedResponse is the response from the embedding service.
type EmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
}

// EmbedErrorResponse is an error body from the embedding service.
type EmbedErrorResponse struct {
	Detail string `json:"detail"`
}

// NewHTTPEncoder creates an encoder for one model family.
// dim is the expected vector dimensionality; responses that disagree
// are rejected rather than silently stored.
func NewHTTPEncoder(baseURL string, family Family, dim int, logger *slog.Logger) *HTTPEncoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		family:  family,
		dim:     dim,
		httpClient: &http.Client{
			Timeout: httpEncoderTimeout,
		},
		logger: logger,
	}
}

// EmbedBatch embeds a batch of texts in one request.
// Returned vectors are unit L2 normalized regardless of what the
// service sent back.
func (e *HTTPEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	jsonBody, err := json.Marshal(EmbedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := e.baseURL + "/embed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := string(body)
		var errResp EmbedErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Detail != "" {
			detail = errResp.Detail
		}
		return nil, &StatusError{Code: resp.StatusCode, Detail: detail}
	}

	var embedResp EmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if embedResp.Dim != 0 && e.dim != 0 && embedResp.Dim != e.dim {
		return nil, fmt.Errorf("embedding dim mismatch: service reports %d, encoder configured for %d", embedResp.Dim, e.dim)
	}
	if err := checkBatchShape(embedResp.Vectors, len(texts), e.dim); err != nil {
		return nil, err
	}

	for i := range embedResp.Vectors {
		embedResp.Vectors[i] = normalizeVector(embedResp.Vectors[i])
	}
	return embedResp.Vectors, nil
}

// Dim reports the configured vector dimensionality.
func (e *HTTPEncoder) Dim() int { return e.dim }

// StatusError reports a non-2xx response from an embedding service.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	detail := e.Detail
	if len(detail) > 256 {
		detail = detail[:256] + "..."
	}
	return fmt.Sprintf("embedding service error (status %d): %s", e.Code, detail)
}

// isRetryableEmbedError classifies encoder errors: HTTP 5xx/429 and
// network timeouts retry, everything else fails fast.
func isRetryableEmbedError(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Providers behind proxies surface transport faults as plain
	// strings; fall back to substring classification for those.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "temporarily unavailable", "connection refused", "connection reset", "deadline exceeded", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
