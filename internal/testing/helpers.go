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

package testing

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/kraklabs/isle/pkg/embed"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/vector"
)

// OpenMetastore opens a fresh SQLite metadata store in a temp
// directory. The store is closed when the test finishes.
func OpenMetastore(t *testing.T) *metastore.Store {
	t.Helper()
	s, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewRouter builds an encoder router over deterministic mock encoders,
// one per family, with the given dimensionalities.
func NewRouter(codeDim, textDim int) *embed.Router {
	return &embed.Router{
		Code: embed.NewMock(codeDim),
		Text: embed.NewMock(textDim),
	}
}

// FakeVectorStore is an in-memory vector.Store. Dense search ranks by
// dot product, which equals cosine similarity for the unit vectors the
// pipeline stores; hybrid search fuses dense and sparse rankings the
// same way the HTTP client does. Safe for concurrent use.
type FakeVectorStore struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection

	// FailDeletes makes DeletePoints report success without deleting
	// anything, for exercising coherence failures.
	FailDeletes bool
}

type fakeCollection struct {
	dim    int
	sparse bool
	points map[string]vector.Point
}

// NewFakeVectorStore builds an empty store.
func NewFakeVectorStore() *FakeVectorStore {
	return &FakeVectorStore{collections: make(map[string]*fakeCollection)}
}

func (f *FakeVectorStore) EnsureCollection(_ context.Context, name string, denseDim int, sparse bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.collections[name]; ok {
		if c.dim != denseDim {
			return fmt.Errorf("collection %s exists with dim %d, want %d", name, c.dim, denseDim)
		}
		return nil
	}
	f.collections[name] = &fakeCollection{
		dim:    denseDim,
		sparse: sparse,
		points: make(map[string]vector.Point),
	}
	return nil
}

func (f *FakeVectorStore) Upsert(_ context.Context, name string, points []vector.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return fmt.Errorf("collection %s not found", name)
	}
	for _, p := range points {
		if len(p.Dense) != c.dim {
			return fmt.Errorf("point %s has dim %d, collection %s wants %d", p.ID, len(p.Dense), name, c.dim)
		}
		c.points[p.ID] = p
	}
	return nil
}

func (f *FakeVectorStore) Search(_ context.Context, name string, dense []float32, p vector.SearchParams) ([]vector.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	var hits []vector.ScoredPoint
	for _, pt := range c.points {
		if !matchesFilter(pt.Payload, p.Filter) {
			continue
		}
		score := dot(dense, pt.Dense)
		if p.Threshold > 0 && score < p.Threshold {
			continue
		}
		hits = append(hits, vector.ScoredPoint{ID: pt.ID, Score: score, Payload: pt.Payload})
	}
	sortHits(hits)
	return capHits(hits, p.TopK), nil
}

func (f *FakeVectorStore) HybridSearch(ctx context.Context, name string, dense []float32, sparse *vector.SparseVector, p vector.SearchParams) ([]vector.ScoredPoint, error) {
	if sparse == nil {
		return f.Search(ctx, name, dense, p)
	}
	f.mu.Lock()
	c, ok := f.collections[name]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("collection %s not found", name)
	}

	var denseHits, sparseHits []vector.ScoredPoint
	for _, pt := range c.points {
		if !matchesFilter(pt.Payload, p.Filter) {
			continue
		}
		denseHits = append(denseHits, vector.ScoredPoint{ID: pt.ID, Score: dot(dense, pt.Dense), Payload: pt.Payload})
		if pt.Sparse != nil {
			sparseHits = append(sparseHits, vector.ScoredPoint{ID: pt.ID, Score: sparseDot(sparse, pt.Sparse), Payload: pt.Payload})
		}
	}
	f.mu.Unlock()

	sortHits(denseHits)
	sortHits(sparseHits)

	// Reciprocal rank fusion with the client's default weights.
	const k = 60
	fused := make(map[string]*vector.ScoredPoint)
	accumulate := func(list []vector.ScoredPoint, weight float64) {
		for rank, hit := range list {
			sp, ok := fused[hit.ID]
			if !ok {
				cp := hit
				cp.Score = 0
				fused[hit.ID] = &cp
				sp = fused[hit.ID]
			}
			sp.Score += weight / float64(k+rank+1)
		}
	}
	accumulate(denseHits, 0.6)
	accumulate(sparseHits, 0.4)

	hits := make([]vector.ScoredPoint, 0, len(fused))
	for _, sp := range fused {
		hits = append(hits, *sp)
	}
	sortHits(hits)
	return capHits(hits, p.TopK), nil
}

func (f *FakeVectorStore) DeletePoints(_ context.Context, name string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return fmt.Errorf("collection %s not found", name)
	}
	if f.FailDeletes {
		return nil
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

func (f *FakeVectorStore) ListCollections(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.collections))
	for name := range f.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeVectorStore) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *FakeVectorStore) PointIDs(_ context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	ids := make([]string, 0, len(c.points))
	for id := range c.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FakeVectorStore) Count(_ context.Context, name string, flt *vector.Filter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return 0, fmt.Errorf("collection %s not found", name)
	}
	n := 0
	for _, pt := range c.points {
		if matchesFilter(pt.Payload, flt) {
			n++
		}
	}
	return n, nil
}

func (f *FakeVectorStore) HasSparse(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return false, fmt.Errorf("collection %s not found", name)
	}
	return c.sparse, nil
}

// Point returns one stored point and whether it exists. Test-only
// accessor, not part of vector.Store.
func (f *FakeVectorStore) Point(name, id string) (vector.Point, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return vector.Point{}, false
	}
	pt, ok := c.points[id]
	return pt, ok
}

// NumPoints reports how many points a collection holds; -1 when the
// collection does not exist.
func (f *FakeVectorStore) NumPoints(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		return -1
	}
	return len(c.points)
}

func matchesFilter(p vector.Payload, flt *vector.Filter) bool {
	if flt == nil {
		return true
	}
	if flt.ProjectID != "" && p.ProjectID != flt.ProjectID {
		return false
	}
	if flt.DatasetID != "" && p.DatasetID != flt.DatasetID {
		return false
	}
	if flt.Repo != "" && p.Repo != flt.Repo {
		return false
	}
	if flt.Lang != "" && p.Lang != flt.Lang {
		return false
	}
	if flt.PathPrefix != "" && !strings.HasPrefix(p.RelativePath, flt.PathPrefix) {
		return false
	}
	return true
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func sparseDot(a, b *vector.SparseVector) float64 {
	vals := make(map[int]float32, len(a.Indices))
	for i, idx := range a.Indices {
		vals[idx] = a.Values[i]
	}
	var sum float64
	for i, idx := range b.Indices {
		if v, ok := vals[idx]; ok {
			sum += float64(v) * float64(b.Values[i])
		}
	}
	return sum
}

func sortHits(hits []vector.ScoredPoint) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func capHits(hits []vector.ScoredPoint, topK int) []vector.ScoredPoint {
	if topK > 0 && len(hits) > topK {
		return hits[:topK]
	}
	return hits
}
