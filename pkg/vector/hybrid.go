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
	"fmt"
	"sort"
)

const (
	// rrfK dampens the contribution of lower ranks in reciprocal rank
	// fusion: score = weight / (rrfK + rank).
	rrfK = 60

	// Default fusion weights, overridable via WithHybridWeights.
	denseWeight  = 0.6
	sparseWeight = 0.4
)

// HybridSearch runs a dense and a sparse search over the same collection
// and fuses the two rankings with weighted reciprocal rank fusion. When
// sparse is nil it degrades to a plain dense search.
//
// Fused scores are rank based, not cosine similarities, so the params
// threshold cannot be applied to them directly. It is enforced on the
// dense leg instead: the dense search runs with the threshold, and fused
// hits that did not clear it there are dropped rather than slipping in
// on sparse rank alone. Hybrid and dense-only collections therefore
// honor the same threshold contract.
func (c *Client) HybridSearch(ctx context.Context, name string, dense []float32, sparse *SparseVector, p SearchParams) ([]ScoredPoint, error) {
	if sparse == nil || len(sparse.Indices) == 0 {
		return c.Search(ctx, name, dense, p)
	}

	sparseFetch := p
	sparseFetch.Threshold = 0

	denseHits, err := c.Search(ctx, name, dense, p)
	if err != nil {
		return nil, fmt.Errorf("hybrid dense leg: %w", err)
	}
	sparseHits, err := c.searchSparse(ctx, name, sparse, sparseFetch)
	if err != nil {
		return nil, fmt.Errorf("hybrid sparse leg: %w", err)
	}

	fused := fuseRanked([][]ScoredPoint{denseHits, sparseHits}, []float64{c.denseWeight, c.sparseWeight})
	if p.Threshold > 0 {
		inDense := make(map[string]bool, len(denseHits))
		for _, h := range denseHits {
			inDense[h.ID] = true
		}
		kept := fused[:0]
		for _, h := range fused {
			if inDense[h.ID] {
				kept = append(kept, h)
			}
		}
		fused = kept
	}
	if p.TopK > 0 && len(fused) > p.TopK {
		fused = fused[:p.TopK]
	}
	return fused, nil
}

// fuseRanked merges ranked hit lists with weighted reciprocal rank
// fusion. A point appearing in several lists accumulates one term per
// list; its payload is taken from the first list that saw it. Ordering is
// deterministic: score descending, then id ascending.
func fuseRanked(lists [][]ScoredPoint, weights []float64) []ScoredPoint {
	type fusedHit struct {
		point ScoredPoint
		score float64
	}
	byID := make(map[string]*fusedHit)
	for i, list := range lists {
		weight := weights[i]
		for rank, hit := range list {
			fh, ok := byID[hit.ID]
			if !ok {
				fh = &fusedHit{point: hit}
				byID[hit.ID] = fh
			}
			fh.score += weight / float64(rrfK+rank+1)
		}
	}

	out := make([]ScoredPoint, 0, len(byID))
	for _, fh := range byID {
		pt := fh.point
		pt.Score = fh.score
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
