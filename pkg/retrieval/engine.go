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

package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/isle/pkg/bus"
	"github.com/kraklabs/isle/pkg/embed"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/scope"
	"github.com/kraklabs/isle/pkg/vector"
)

const (
	// DefaultTopK is the result count when the caller does not ask for
	// a specific one.
	DefaultTopK = 10

	// DefaultRerankInitialK is how many fused candidates feed the
	// cross-encoder before truncating to topK.
	DefaultRerankInitialK = 150
)

// Request is one retrieval query. DatasetFilter narrows the project's
// datasets by name; empty means all of them. IncludeGlobal widens the
// scope to global datasets and datasets shared with the project.
type Request struct {
	Query         string   `json:"query"`
	ProjectID     string   `json:"project_id"`
	DatasetFilter []string `json:"dataset_filter,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Threshold     float64  `json:"threshold,omitempty"`
	PathPrefix    string   `json:"path_prefix,omitempty"`
	Repo          string   `json:"repo,omitempty"`
	Lang          string   `json:"lang,omitempty"`
	IncludeGlobal bool     `json:"include_global,omitempty"`
}

// Result is one ranked hit with its citation payload.
type Result struct {
	ID         string         `json:"id"`
	Score      float64        `json:"score"`
	Collection string         `json:"collection"`
	Dataset    string         `json:"dataset"`
	Payload    vector.Payload `json:"payload"`
}

// Features reports which optional stages actually ran for the query.
// A stage that was configured but fell back mid-query reports false.
type Features struct {
	Hybrid bool `json:"hybrid"`
	Rerank bool `json:"rerank"`
}

// Timing is the query's execution summary.
type Timing struct {
	Collections int   `json:"collections"`
	Results     int   `json:"results"`
	Reranked    bool  `json:"reranked"`
	ElapsedMS   int64 `json:"elapsed_ms"`
}

// Response carries ranked results plus the query's health: Partial is
// set when at least one collection was skipped or an optional stage
// degraded, Degradations names every stage that fell back.
type Response struct {
	Results      []Result `json:"results"`
	Timing       Timing   `json:"timing"`
	Features     Features `json:"features"`
	Partial      bool     `json:"partial,omitempty"`
	Degradations []string `json:"degradations,omitempty"`
}

// SparseQueryEncoder computes the sparse query vector for hybrid
// search. embed.SparseEncoder satisfies it.
type SparseQueryEncoder interface {
	Encode(ctx context.Context, text string) (*vector.SparseVector, error)
}

// RerankScorer scores documents against a query. embed.Reranker
// satisfies it.
type RerankScorer interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Engine answers scoped queries over the dual store.
type Engine struct {
	meta   *metastore.Store
	vec    vector.Store
	router *embed.Router
	logger *slog.Logger

	sparse   SparseQueryEncoder
	reranker RerankScorer
	events   *bus.Bus

	rerankInitialK int
	weights        map[string]float64
}

// NewEngine wires a retrieval engine over the metadata store, vector
// store, and dense encoder router. Sparse search and reranking are off
// until configured.
func NewEngine(meta *metastore.Store, vec vector.Store, router *embed.Router, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		meta:           meta,
		vec:            vec,
		router:         router,
		logger:         logger,
		rerankInitialK: DefaultRerankInitialK,
	}
}

// SetSparse enables hybrid search with the given query encoder.
func (e *Engine) SetSparse(enc SparseQueryEncoder) { e.sparse = enc }

// SetReranker enables cross-encoder reranking.
func (e *Engine) SetReranker(r RerankScorer) { e.reranker = r }

// SetEvents makes the engine publish retrieval.timing events.
func (e *Engine) SetEvents(b *bus.Bus) { e.events = b }

// SetRerankInitialK overrides how many fused candidates are reranked.
func (e *Engine) SetRerankInitialK(k int) {
	if k > 0 {
		e.rerankInitialK = k
	}
}

// SetWeight assigns a fusion weight to one collection. Unweighted
// collections fuse at 1.0.
func (e *Engine) SetWeight(collection string, w float64) {
	if e.weights == nil {
		e.weights = make(map[string]float64)
	}
	e.weights[collection] = w
}

// collTarget is one collection in the query's scope. owned collections
// belong to the querying project and get the full isolation filter;
// global and shared ones are filtered by dataset only, since their
// points carry the owning project's id.
type collTarget struct {
	name      string
	datasetID string
	dataset   string
	owned     bool
}

// rankedList is one collection's hits in store rank order.
type rankedList struct {
	target collTarget
	hits   []vector.ScoredPoint
}

// Search runs one query end to end: scope resolution, per-family query
// embedding, per-collection fan-out, RRF fusion, optional rerank.
// An empty scope answers with zero results, not an error.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("project is required")
	}
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}
	start := time.Now()

	resp := &Response{
		Features: Features{Hybrid: e.sparse != nil, Rerank: e.reranker != nil},
	}

	targets, err := e.resolveCollections(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Timing.Collections = len(targets)
	if len(targets) == 0 {
		resp.Timing.ElapsedMS = time.Since(start).Milliseconds()
		return resp, nil
	}

	queries, err := e.embedQuery(ctx, req.Query, targets)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var sparseQ *vector.SparseVector
	if e.sparse != nil {
		sparseQ, err = e.sparse.Encode(ctx, req.Query)
		if err != nil {
			e.degrade(resp, "sparse", fmt.Sprintf("sparse encoder unavailable, dense-only: %v", err))
			sparseQ = nil
		}
	}

	kPrime := req.TopK
	if e.reranker != nil && kPrime < e.rerankInitialK {
		kPrime = e.rerankInitialK
	}

	lists := e.fanOut(ctx, req, targets, queries, sparseQ, kPrime, resp)
	fused := fuse(lists, e.weights)

	if e.reranker != nil && len(fused) > 0 {
		fused = e.rerank(ctx, req.Query, fused, resp)
	}
	if len(fused) > req.TopK {
		fused = fused[:req.TopK]
	}
	resp.Results = fused
	resp.Timing.Results = len(fused)
	resp.Timing.ElapsedMS = time.Since(start).Milliseconds()

	recordQuery(time.Since(start), resp.Partial)
	if e.events != nil {
		e.events.Publish(bus.Event{
			Type:      bus.EventRetrievalTiming,
			ProjectID: req.ProjectID,
			Payload: bus.RetrievalTimingPayload{
				Collections: resp.Timing.Collections,
				Results:     resp.Timing.Results,
				Reranked:    resp.Timing.Reranked,
				ElapsedMS:   resp.Timing.ElapsedMS,
			},
		})
	}
	e.logger.Info("retrieval.done",
		"project", req.ProjectID,
		"collections", resp.Timing.Collections,
		"results", resp.Timing.Results,
		"reranked", resp.Timing.Reranked,
		"partial", resp.Partial,
		"elapsed_ms", resp.Timing.ElapsedMS,
	)
	return resp, nil
}

// resolveCollections enumerates the query's collections: the project's
// own bound collections intersected with the dataset filter, plus
// global and shared datasets when requested. Deduplicated by name and
// returned name-sorted so fusion tie-breaks are deterministic.
func (e *Engine) resolveCollections(ctx context.Context, req Request) ([]collTarget, error) {
	bindings, err := e.meta.ListCollectionsForProject(ctx, req.ProjectID, req.DatasetFilter)
	if err != nil {
		return nil, fmt.Errorf("list project collections: %w", err)
	}
	seen := make(map[string]bool, len(bindings))
	targets := make([]collTarget, 0, len(bindings))
	for _, b := range bindings {
		if seen[b.CollectionName] {
			continue
		}
		seen[b.CollectionName] = true
		targets = append(targets, collTarget{
			name:      b.CollectionName,
			datasetID: b.DatasetID,
			dataset:   b.DatasetName,
			owned:     true,
		})
	}

	if req.IncludeGlobal {
		global, err := e.meta.ListGlobalCollections(ctx, req.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("list global collections: %w", err)
		}
		for _, b := range global {
			if seen[b.CollectionName] {
				continue
			}
			seen[b.CollectionName] = true
			targets = append(targets, collTarget{
				name:      b.CollectionName,
				datasetID: b.DatasetID,
				dataset:   b.DatasetName,
			})
		}
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })
	return targets, nil
}

// embedQuery embeds the query once per encoder family present in the
// scope, in parallel. The text embedding is always computed since it
// covers unknown-family collections too.
func (e *Engine) embedQuery(ctx context.Context, query string, targets []collTarget) (map[embed.Family][]float32, error) {
	families := map[embed.Family]bool{embed.FamilyText: true}
	for _, t := range targets {
		if scope.CollectionFamily(t.name) == "code" {
			families[embed.FamilyCode] = true
		}
	}

	var mu sync.Mutex
	out := make(map[embed.Family][]float32, len(families))
	g, gctx := errgroup.WithContext(ctx)
	for fam := range families {
		fam := fam
		g.Go(func() error {
			vecs, err := e.router.Encoder(fam).EmbedBatch(gctx, []string{query})
			if err != nil {
				return fmt.Errorf("%s encoder: %w", fam, err)
			}
			if len(vecs) != 1 {
				return fmt.Errorf("%s encoder returned %d vectors for 1 text", fam, len(vecs))
			}
			mu.Lock()
			out[fam] = vecs[0]
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fanOut searches every collection in parallel. A failing collection is
// skipped and marks the response partial; its slot stays empty so the
// surviving lists keep their name order.
func (e *Engine) fanOut(ctx context.Context, req Request, targets []collTarget, queries map[embed.Family][]float32, sparseQ *vector.SparseVector, kPrime int, resp *Response) []rankedList {
	slots := make([]rankedList, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, t := range targets {
		i, t := i, t
		wg.Add(1)
		go func() {
			defer wg.Done()

			fam := embed.FamilyText
			if scope.CollectionFamily(t.name) == "code" {
				fam = embed.FamilyCode
			}
			dense := queries[fam]

			flt := &vector.Filter{
				DatasetID:  t.datasetID,
				PathPrefix: req.PathPrefix,
				Repo:       req.Repo,
				Lang:       req.Lang,
			}
			if t.owned {
				flt.ProjectID = req.ProjectID
			}
			params := vector.SearchParams{Filter: flt, TopK: kPrime, Threshold: req.Threshold}

			var hits []vector.ScoredPoint
			var err error
			if sparseQ != nil {
				hasSparse, herr := e.vec.HasSparse(ctx, t.name)
				if herr == nil && hasSparse {
					hits, err = e.vec.HybridSearch(ctx, t.name, dense, sparseQ, params)
				} else {
					hits, err = e.vec.Search(ctx, t.name, dense, params)
				}
			} else {
				hits, err = e.vec.Search(ctx, t.name, dense, params)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.Partial = true
				resp.Degradations = append(resp.Degradations, fmt.Sprintf("collection %s skipped: %v", t.name, err))
				recordCollectionSkip()
				e.logger.Warn("retrieval.collection.skipped", "collection", t.name, "err", err)
				return
			}
			slots[i] = rankedList{target: t, hits: hits}
		}()
	}
	wg.Wait()

	lists := make([]rankedList, 0, len(slots))
	for _, l := range slots {
		if l.target.name != "" {
			lists = append(lists, l)
		}
	}
	// Degradations from concurrent appends come out in completion
	// order; sort them so responses are stable.
	sort.Strings(resp.Degradations)
	return lists
}

// rerank reorders the top candidates by cross-encoder score. Any
// reranker failure keeps the fused order and annotates the response.
func (e *Engine) rerank(ctx context.Context, query string, fused []Result, resp *Response) []Result {
	n := len(fused)
	if n > e.rerankInitialK {
		n = e.rerankInitialK
	}
	head, tail := fused[:n], fused[n:]

	docs := make([]string, n)
	for i, r := range head {
		docs[i] = r.Payload.Content
	}
	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		e.degrade(resp, "rerank", fmt.Sprintf("reranker unavailable, fused order kept: %v", err))
		return fused
	}

	reordered := make([]Result, n)
	copy(reordered, head)
	for i := range reordered {
		reordered[i].Score = scores[i]
	}
	sort.SliceStable(reordered, func(i, j int) bool { return reordered[i].Score > reordered[j].Score })
	resp.Timing.Reranked = true
	return append(reordered, tail...)
}

// degrade records an optional stage falling back. The response turns
// partial and the stage's feature flag is cleared so Features keeps
// reporting what actually ran.
func (e *Engine) degrade(resp *Response, cause, msg string) {
	resp.Partial = true
	switch cause {
	case "sparse":
		resp.Features.Hybrid = false
	case "rerank":
		resp.Features.Rerank = false
	}
	resp.Degradations = append(resp.Degradations, msg)
	recordDegraded(cause)
	e.logger.Warn("retrieval.degraded", "cause", cause, "detail", msg)
}
