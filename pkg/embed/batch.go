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
	"math/rand"
	"sort"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/isle/pkg/chunk"
	"github.com/kraklabs/isle/pkg/vector"
)

const (
	// DefaultBatchSize is the per-request text count cap.
	DefaultBatchSize = 32
	// DefaultConcurrency is the cap on in-flight encoder requests.
	DefaultConcurrency = 16
)

// RetryConfig controls retry behavior for encoder calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Generator embeds chunk batches with concurrency and retries.
type Generator struct {
	router      *Router
	sparse      *SparseEncoder
	batchSize   int
	concurrency int
	retry       RetryConfig
	logger      *slog.Logger
}

// NewGenerator creates a generator over the given router.
func NewGenerator(router *Router, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		router:      router,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		retry:       RetryConfig{MaxRetries: 3, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 4 * time.Second, Multiplier: 2.0},
		logger:      logger,
	}
}

// SetSparse enables sparse vector computation alongside dense.
func (g *Generator) SetSparse(enc *SparseEncoder) {
	g.sparse = enc
}

// SetBatchSize sets the per-request text count cap.
func (g *Generator) SetBatchSize(n int) {
	if n > 0 {
		g.batchSize = n
	}
}

// SetConcurrency sets the cap on in-flight encoder requests.
func (g *Generator) SetConcurrency(n int) {
	if n > 0 {
		g.concurrency = n
	}
}

// SetRetryConfig sets the retry configuration for encoder calls.
func (g *Generator) SetRetryConfig(cfg RetryConfig) {
	// Basic sanity defaults to avoid zero values causing busy loops
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 4 * time.Second
	}
	if cfg.Multiplier <= 1.0 {
		cfg.Multiplier = 2.0
	}
	g.retry = cfg
}

// Result carries embeddings aligned to the input chunk slice.
// Dense[i] is nil when chunk i ultimately failed; those indices are
// also listed in Failed so callers can apply their failure budget.
type Result struct {
	Dense          [][]float32
	Sparse         []*vector.SparseVector
	Failed         []int
	SparseDegraded bool
}

// FailureRatio reports the fraction of inputs that failed to embed.
func (r *Result) FailureRatio(total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(len(r.Failed)) / float64(total)
}

// EmbedChunks embeds every chunk, routing each to its model family.
// Batches run concurrently; an exhausted retry marks the batch's
// chunks failed without aborting the rest. Only context cancellation
// returns an error.
func (g *Generator) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) (*Result, error) {
	res := &Result{Dense: make([][]float32, len(chunks))}
	if len(chunks) == 0 {
		return res, nil
	}

	byFamily := map[Family][]int{}
	for i, c := range chunks {
		f := FamilyFor(c)
		byFamily[f] = append(byFamily[f], i)
	}

	var failedMu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for family, indices := range byFamily {
		enc := g.router.Encoder(family)
		for start := 0; start < len(indices); start += g.batchSize {
			end := start + g.batchSize
			if end > len(indices) {
				end = len(indices)
			}
			batch := indices[start:end]
			family := family
			eg.Go(func() error {
				texts := make([]string, len(batch))
				for j, idx := range batch {
					texts[j] = chunks[idx].Content
				}
				vectors, err := g.embedWithRetry(gctx, enc, family, texts)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					recordEmbedFailure(string(family), len(batch))
					g.logger.Error("embed.batch.failed",
						"family", family,
						"batch_size", len(batch),
						"error", err,
					)
					failedMu.Lock()
					res.Failed = append(res.Failed, batch...)
					failedMu.Unlock()
					return nil
				}
				// Batches cover disjoint indices, writes race-free.
				for j, idx := range batch {
					res.Dense[idx] = vectors[j]
				}
				return nil
			})
		}
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Ints(res.Failed)

	if g.sparse != nil {
		g.attachSparse(ctx, chunks, res)
	}
	return res, nil
}

// attachSparse computes sparse vectors for the batch. Failure flips
// the result to dense-only; it never fails the run.
func (g *Generator) attachSparse(ctx context.Context, chunks []chunk.Chunk, res *Result) {
	res.Sparse = make([]*vector.SparseVector, len(chunks))
	for start := 0; start < len(chunks); start += g.batchSize {
		end := start + g.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = chunks[i].Content
		}
		sparse, err := g.sparse.EncodeBatch(ctx, texts)
		if err != nil {
			res.SparseDegraded = true
			recordSparseDegraded()
			g.logger.Warn("embed.sparse.degraded",
				"from_index", start,
				"total", len(chunks),
				"error", err,
			)
			return
		}
		for i := range sparse {
			res.Sparse[start+i] = sparse[i]
		}
	}
}

// embedWithRetry calls the encoder with classified retry and jittered
// exponential backoff.
func (g *Generator) embedWithRetry(ctx context.Context, enc DenseEncoder, family Family, texts []string) ([][]float32, error) {
	var vectors [][]float32
	var err error
	for attempt := 0; attempt < g.retry.MaxRetries; attempt++ {
		vectors, err = enc.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if !isRetryableEmbedError(err) || attempt == g.retry.MaxRetries-1 {
			break
		}
		sleep := backoffWithJitter(g.retry.InitialBackoff, attempt, g.retry.Multiplier, g.retry.MaxBackoff)
		recordEmbedRetry(string(family))
		g.logger.Warn("embed.retry",
			"family", family,
			"batch_size", len(texts),
			"attempt", attempt+1,
			"sleep_ms", sleep.Milliseconds(),
			"err", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, err
}

// backoffWithJitter returns exponential backoff with full jitter.
func backoffWithJitter(base time.Duration, attempt int, mult float64, capDur time.Duration) time.Duration {
	exp := float64(base)
	for i := 0; i < attempt; i++ {
		exp *= mult
	}
	d := time.Duration(exp)
	if d > capDur {
		d = capDur
	}
	if d <= 0 {
		return base
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
