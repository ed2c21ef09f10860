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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/kraklabs/isle/pkg/chunk"
	"github.com/kraklabs/isle/pkg/embed"
	"github.com/kraklabs/isle/pkg/jobs"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/scope"
	"github.com/kraklabs/isle/pkg/vector"
)

const (
	// maxEmbedFailureRatio is the fraction of chunks allowed to drop
	// before the whole job fails.
	maxEmbedFailureRatio = 0.25

	// embedSuperBatch is how many chunks go into one generator call.
	// Cancellation is checked between calls.
	embedSuperBatch = 256

	// upsertBatchSize bounds one vector-store upsert request.
	upsertBatchSize = 100

	// storeCheckInterval is how many files are stored between
	// cancellation checks.
	storeCheckInterval = 50

	// maxSoftErrors caps the error strings carried in a job summary.
	maxSoftErrors = 20
)

// Request is the payload of an ingestion job. Path points at a local
// source root; Remote carries a git URL for remote-repo jobs, in which
// case Branch and SHA pin the checkout. The scope fields arrive
// pre-resolved from the enqueueing side; Fingerprint is the source
// fingerprint of auto-derived scopes and empty when the caller
// overrode the project explicitly.
type Request struct {
	Path        string `json:"path,omitempty"`
	Remote      string `json:"remote,omitempty"`
	Branch      string `json:"branch,omitempty"`
	SHA         string `json:"sha,omitempty"`
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name,omitempty"`
	Dataset     string `json:"dataset"`
	Scope       string `json:"scope,omitempty"`
	Repo        string `json:"repo,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// Summary is what a finished ingestion job reports.
type Summary struct {
	ProjectID      string         `json:"project_id"`
	Dataset        string         `json:"dataset"`
	FilesWalked    int            `json:"files_walked"`
	FilesAdded     int            `json:"files_added"`
	FilesChanged   int            `json:"files_changed"`
	FilesRemoved   int            `json:"files_removed"`
	FilesUnchanged int            `json:"files_unchanged"`
	PagesIndexed   int            `json:"pages_indexed,omitempty"`
	PagesSkipped   int            `json:"pages_skipped,omitempty"`
	ChunksWritten  int            `json:"chunks_written"`
	ChunksDeleted  int            `json:"chunks_deleted"`
	EmbedFailed    int            `json:"embed_failed,omitempty"`
	SparseDegraded bool           `json:"sparse_degraded,omitempty"`
	Skipped        map[string]int `json:"skipped,omitempty"`
	SoftErrors     []string       `json:"soft_errors,omitempty"`
	ElapsedMS      int64          `json:"elapsed_ms"`
}

// ProgressSink receives phase updates. jobs.Reporter satisfies it; a
// nil sink is replaced with a no-op.
type ProgressSink interface {
	Update(ctx context.Context, phase jobs.Phase, local float64, detail string)
}

type nopSink struct{}

func (nopSink) Update(context.Context, jobs.Phase, float64, string) {}

// Pipeline runs ingestion end to end: walk, diff, chunk, embed, and
// store into both the metadata and the vector store.
type Pipeline struct {
	meta    *metastore.Store
	vec     vector.Store
	gen     *embed.Generator
	router  *embed.Router
	walker  *Walker
	chunker *chunk.Chunker
	logger  *slog.Logger
	hybrid  bool
}

// NewPipeline wires a Pipeline. The generator must be built over the
// same router so per-chunk encoder routing and collection dimensions
// agree.
func NewPipeline(meta *metastore.Store, vec vector.Store, gen *embed.Generator, router *embed.Router, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		meta:    meta,
		vec:     vec,
		gen:     gen,
		router:  router,
		walker:  NewWalker(logger),
		chunker: chunk.New(logger),
		logger:  logger,
	}
}

// SetHybrid marks new collections as sparse-capable. The generator's
// sparse encoder is configured separately by the caller.
func (p *Pipeline) SetHybrid(on bool) {
	p.hybrid = on
}

// SetMaxFileSize adjusts the discovery size cap.
func (p *Pipeline) SetMaxFileSize(n int64) {
	p.walker.SetMaxFileSize(n)
}

// SetSymbolExtraction toggles symbol metadata on code chunks.
func (p *Pipeline) SetSymbolExtraction(on bool) {
	p.chunker.SetSymbolExtraction(on)
}

// target is the resolved destination of one ingestion run.
type target struct {
	projectID string
	datasetID string
	dataset   string
	repo      string

	// collections already bound to the dataset; stale point deletes go
	// to every one of them since a file may have changed family.
	bound map[string]bool

	// ensured caches family collections created during this run.
	ensured map[embed.Family]string
}

// RunRepo clones a remote repository and indexes the checkout through
// the local pipeline. The temp checkout is removed before returning.
func (p *Pipeline) RunRepo(ctx context.Context, req Request, sink ProgressSink) (*Summary, error) {
	if sink == nil {
		sink = nopSink{}
	}
	if req.Remote == "" {
		return nil, fmt.Errorf("remote repo URL is required")
	}

	sink.Update(ctx, jobs.PhaseInitializing, 0.2, "cloning "+sanitizeGitURL(req.Remote))
	dir, cleanup, err := Clone(ctx, req.Remote, CloneOptions{Branch: req.Branch, SHA: req.SHA}, p.logger)
	if err != nil {
		return nil, fmt.Errorf("clone source: %w", err)
	}
	defer cleanup()

	req.Path = dir
	return p.RunLocal(ctx, req, sink)
}

// RunLocal indexes a local source tree incrementally. Soft failures
// (unreadable files, isolated embedding errors) are counted into the
// summary; hard failures abort with the partial work already durable.
func (p *Pipeline) RunLocal(ctx context.Context, req Request, sink ProgressSink) (*Summary, error) {
	if sink == nil {
		sink = nopSink{}
	}
	start := time.Now()

	sink.Update(ctx, jobs.PhaseInitializing, 0, "resolving scope")
	tgt, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	sum := &Summary{ProjectID: tgt.projectID, Dataset: tgt.dataset}

	// Discovery: walk the tree and diff against stored snapshots.
	phaseStart := time.Now()
	sink.Update(ctx, jobs.PhaseDiscovery, 0, "walking "+req.Path)
	walk, err := p.walker.Walk(ctx, req.Path)
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	snaps, err := p.meta.ListFileSnapshots(ctx, tgt.datasetID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	delta := ComputeDelta(walk.Files, snaps, req.Force)
	sum.FilesWalked = len(walk.Files)
	sum.FilesAdded = len(delta.Added)
	sum.FilesChanged = len(delta.Changed)
	sum.FilesRemoved = len(delta.Removed)
	sum.FilesUnchanged = delta.Unchanged
	sum.Skipped = walk.SkipReasons
	detail := fmt.Sprintf("%d added, %d changed, %d removed, %d unchanged",
		sum.FilesAdded, sum.FilesChanged, sum.FilesRemoved, sum.FilesUnchanged)
	sink.Update(ctx, jobs.PhaseDiscovery, 1, detail)
	p.logger.Info("ingest.discovery",
		"project", tgt.projectID,
		"dataset", tgt.dataset,
		"walked", sum.FilesWalked,
		"delta", detail,
		"skipped", skipSummary(walk.SkipReasons),
	)
	recordPhaseSeconds("discovery", time.Since(phaseStart))

	// Chunking.
	phaseStart = time.Now()
	work := delta.Work()
	docs := make([]fileChunks, 0, len(work))
	for i, f := range work {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f.AbsPath)
		if err != nil {
			sum.addSoftError(fmt.Sprintf("read %s: %v", f.RelPath, err))
			continue
		}
		cs := p.chunker.Split(f.RelPath, data)
		if len(cs) == 0 {
			// Binary or empty at chunk level; nothing to index.
			continue
		}
		docs = append(docs, fileChunks{file: f, hash: chunk.HashContent(data), chunks: cs})
		sink.Update(ctx, jobs.PhaseChunking, float64(i+1)/float64(len(work)), f.RelPath)
	}
	recordPhaseSeconds("chunking", time.Since(phaseStart))

	// Embedding.
	phaseStart = time.Now()
	emb, err := p.embedDocs(ctx, docs, sink)
	if err != nil {
		return nil, err
	}
	sum.EmbedFailed = len(emb.failed)
	sum.SparseDegraded = emb.sparseDegraded
	if emb.total > 0 {
		ratio := float64(len(emb.failed)) / float64(emb.total)
		if ratio > maxEmbedFailureRatio {
			return nil, fmt.Errorf("embedding failure ratio %.0f%% exceeds %.0f%% (%d of %d chunks)",
				ratio*100, maxEmbedFailureRatio*100, len(emb.failed), emb.total)
		}
	}
	recordChunksDropped(len(emb.failed))
	recordPhaseSeconds("embedding", time.Since(phaseStart))

	// Storing: removals first, then delete-then-write per file.
	phaseStart = time.Now()
	sink.Update(ctx, jobs.PhaseStoring, 0, "")
	if err := p.loadBindings(ctx, tgt); err != nil {
		return nil, err
	}
	for _, snap := range delta.Removed {
		if err := p.removeFile(ctx, tgt, snap); err != nil {
			return nil, err
		}
		sum.ChunksDeleted += len(snap.ChunkIDs)
	}
	steps := len(docs)
	for di, d := range docs {
		if di%storeCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		written, deleted, err := p.storeFile(ctx, tgt, d, emb, snaps)
		if err != nil {
			return nil, err
		}
		if written == 0 && len(d.chunks) > 0 {
			sum.addSoftError(fmt.Sprintf("embed failed for every chunk of %s; kept previous version", d.file.RelPath))
		}
		sum.ChunksWritten += written
		sum.ChunksDeleted += deleted
		sink.Update(ctx, jobs.PhaseStoring, float64(di+1)/float64(steps), d.file.RelPath)
	}
	recordChunksWritten(sum.ChunksWritten)
	recordChunksDeleted(sum.ChunksDeleted)
	recordPhaseSeconds("storing", time.Since(phaseStart))

	sum.ElapsedMS = time.Since(start).Milliseconds()
	sink.Update(ctx, jobs.PhaseCompleted, 1, "")
	p.logger.Info("ingest.done",
		"project", tgt.projectID,
		"dataset", tgt.dataset,
		"chunks_written", sum.ChunksWritten,
		"chunks_deleted", sum.ChunksDeleted,
		"embed_failed", sum.EmbedFailed,
		"elapsed_ms", sum.ElapsedMS,
	)
	return sum, nil
}

// fileChunks pairs one file with its chunks and read-time hash.
// flatOffset is the index of the first chunk in the flattened embed
// order, assigned by embedDocs.
type fileChunks struct {
	file       WalkedFile
	hash       string
	chunks     []chunk.Chunk
	flatOffset int
}

func (s *Summary) addSoftError(msg string) {
	if len(s.SoftErrors) < maxSoftErrors {
		s.SoftErrors = append(s.SoftErrors, msg)
		return
	}
	if len(s.SoftErrors) == maxSoftErrors {
		s.SoftErrors = append(s.SoftErrors, "further errors omitted")
	}
}

// prepare resolves the run target: conflict check, lazy project and
// dataset creation.
func (p *Pipeline) prepare(ctx context.Context, req Request) (*target, error) {
	if req.ProjectID == "" || req.Dataset == "" {
		return nil, fmt.Errorf("project and dataset are required")
	}
	if req.Fingerprint != "" {
		conflict, err := p.meta.ProjectConflicts(ctx, req.ProjectID, req.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("check project fingerprint: %w", err)
		}
		if conflict {
			return nil, fmt.Errorf("scope collision: project %q is already bound to a different source", req.ProjectID)
		}
	}
	name := req.ProjectName
	if name == "" {
		name = req.ProjectID
	}
	if _, err := p.meta.GetOrCreateProject(ctx, req.ProjectID, name, req.Fingerprint); err != nil {
		return nil, fmt.Errorf("ensure project: %w", err)
	}
	dsScope := metastore.DatasetScope(req.Scope)
	if dsScope == "" {
		dsScope = metastore.ScopeLocal
	}
	ds, err := p.meta.GetOrCreateDataset(ctx, req.ProjectID, req.Dataset, dsScope)
	if err != nil {
		return nil, fmt.Errorf("ensure dataset: %w", err)
	}
	return &target{
		projectID: req.ProjectID,
		datasetID: ds.ID,
		dataset:   req.Dataset,
		repo:      req.Repo,
		bound:     make(map[string]bool),
		ensured:   make(map[embed.Family]string),
	}, nil
}

func (p *Pipeline) loadBindings(ctx context.Context, tgt *target) error {
	bindings, err := p.meta.ListCollectionsForProject(ctx, tgt.projectID, []string{tgt.dataset})
	if err != nil {
		return fmt.Errorf("list dataset collections: %w", err)
	}
	for _, b := range bindings {
		tgt.bound[b.CollectionName] = true
	}
	return nil
}

// ensureFamily creates and binds the family collection on first use.
// Collections are pinned to one encoder family, so a dataset holding
// both code and prose chunks gets two siblings.
func (p *Pipeline) ensureFamily(ctx context.Context, tgt *target, fam embed.Family) (string, error) {
	if name, ok := tgt.ensured[fam]; ok {
		return name, nil
	}
	name := scope.CollectionNameForFamily(tgt.projectID, tgt.dataset, string(fam))
	if err := p.vec.EnsureCollection(ctx, name, p.router.Dim(fam), p.hybrid); err != nil {
		return "", fmt.Errorf("ensure collection %s: %w", name, err)
	}
	if err := p.meta.BindCollection(ctx, tgt.datasetID, name); err != nil {
		return "", fmt.Errorf("bind collection %s: %w", name, err)
	}
	tgt.ensured[fam] = name
	tgt.bound[name] = true
	return name, nil
}

// embedding is the aligned output of the embedding phase. Index i of
// dense and sparse corresponds to the i-th chunk across docs in order.
type embedding struct {
	dense          [][]float32
	sparse         []*vector.SparseVector
	failed         map[int]bool
	total          int
	sparseDegraded bool
}

// embedDocs flattens all chunks and embeds them in bounded super
// batches so big repos report progress and honor cancellation between
// calls.
func (p *Pipeline) embedDocs(ctx context.Context, docs []fileChunks, sink ProgressSink) (*embedding, error) {
	var flat []chunk.Chunk
	for i := range docs {
		docs[i].flatOffset = len(flat)
		flat = append(flat, docs[i].chunks...)
	}
	emb := &embedding{
		dense:  make([][]float32, len(flat)),
		sparse: make([]*vector.SparseVector, len(flat)),
		failed: make(map[int]bool),
		total:  len(flat),
	}
	if len(flat) == 0 {
		return emb, nil
	}
	sink.Update(ctx, jobs.PhaseEmbedding, 0, fmt.Sprintf("%d chunks", len(flat)))

	for off := 0; off < len(flat); off += embedSuperBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := off + embedSuperBatch
		if end > len(flat) {
			end = len(flat)
		}
		res, err := p.gen.EmbedChunks(ctx, flat[off:end])
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		for i, v := range res.Dense {
			emb.dense[off+i] = v
		}
		for i, sv := range res.Sparse {
			emb.sparse[off+i] = sv
		}
		for _, i := range res.Failed {
			emb.failed[off+i] = true
		}
		emb.sparseDegraded = emb.sparseDegraded || res.SparseDegraded
		sink.Update(ctx, jobs.PhaseEmbedding, float64(end)/float64(len(flat)),
			fmt.Sprintf("%d/%d chunks", end, len(flat)))
	}
	return emb, nil
}

// storeFile writes one file's chunks: stale points out of every bound
// collection, fresh rows and points in, snapshot replaced last. A file
// whose every chunk failed to embed is left untouched so the previous
// version stays queryable.
func (p *Pipeline) storeFile(ctx context.Context, tgt *target, d fileChunks, emb *embedding, snaps map[string]metastore.FileSnapshot) (written, deleted int, err error) {
	base := d.flatOffset
	kept := make([]int, 0, len(d.chunks))
	for i := range d.chunks {
		if !emb.failed[base+i] {
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return 0, 0, nil
	}

	fam := embed.FamilyFor(d.chunks[0])
	coll, err := p.ensureFamily(ctx, tgt, fam)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	rows := make([]metastore.ChunkRow, 0, len(kept))
	points := make([]vector.Point, 0, len(kept))
	ids := make([]string, 0, len(kept))
	for _, i := range kept {
		c := d.chunks[i]
		id := chunk.ID(coll, d.file.RelPath, c.StartLine, c.EndLine, c.Content)
		ids = append(ids, id)

		var symJSON json.RawMessage
		var symName string
		if c.Symbol != nil {
			if b, err := json.Marshal(c.Symbol); err == nil {
				symJSON = b
				symName = c.Symbol.Name
			}
		}
		rows = append(rows, metastore.ChunkRow{
			ID:             id,
			CollectionName: coll,
			ProjectID:      tgt.projectID,
			DatasetID:      tgt.datasetID,
			RelativePath:   d.file.RelPath,
			StartLine:      c.StartLine,
			EndLine:        c.EndLine,
			Lang:           c.Lang,
			Repo:           tgt.repo,
			FileHash:       d.hash,
			Symbol:         symJSON,
			Content:        c.Content,
			CreatedAt:      now,
		})
		points = append(points, vector.Point{
			ID:     id,
			Dense:  emb.dense[base+i],
			Sparse: emb.sparse[base+i],
			Payload: vector.Payload{
				ProjectID:    tgt.projectID,
				DatasetID:    tgt.datasetID,
				RelativePath: d.file.RelPath,
				StartLine:    c.StartLine,
				EndLine:      c.EndLine,
				Repo:         tgt.repo,
				Lang:         c.Lang,
				Symbol:       symName,
				Content:      c.Content,
			},
		})
	}

	// Delete-then-write: a changed file's old points go first so a
	// crash leaves missing chunks, never duplicates.
	if snap, ok := snaps[d.file.RelPath]; ok && len(snap.ChunkIDs) > 0 {
		if err := p.deleteStalePoints(ctx, tgt, snap.ChunkIDs); err != nil {
			return 0, 0, err
		}
		deleted = len(snap.ChunkIDs)
	}
	if err := p.meta.ReplaceChunks(ctx, tgt.datasetID, d.file.RelPath, rows); err != nil {
		return 0, 0, fmt.Errorf("replace chunk rows for %s: %w", d.file.RelPath, err)
	}
	for off := 0; off < len(points); off += upsertBatchSize {
		end := off + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := p.vec.Upsert(ctx, coll, points[off:end]); err != nil {
			return 0, 0, fmt.Errorf("upsert points for %s: %w", d.file.RelPath, err)
		}
	}
	if err := p.meta.UpsertFileSnapshot(ctx, metastore.FileSnapshot{
		ProjectID:    tgt.projectID,
		DatasetID:    tgt.datasetID,
		RelativePath: d.file.RelPath,
		FileHash:     d.hash,
		ChunkIDs:     ids,
		IndexedAt:    now,
	}); err != nil {
		return 0, 0, fmt.Errorf("record snapshot for %s: %w", d.file.RelPath, err)
	}
	return len(points), deleted, nil
}

// removeFile drops a vanished file from both stores.
func (p *Pipeline) removeFile(ctx context.Context, tgt *target, snap metastore.FileSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.deleteStalePoints(ctx, tgt, snap.ChunkIDs); err != nil {
		return err
	}
	if err := p.meta.DeleteChunksByPath(ctx, tgt.datasetID, snap.RelativePath); err != nil {
		return fmt.Errorf("delete chunk rows for %s: %w", snap.RelativePath, err)
	}
	if err := p.meta.DeleteFileSnapshot(ctx, tgt.datasetID, snap.RelativePath); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", snap.RelativePath, err)
	}
	return nil
}

// deleteStalePoints removes ids from every collection bound to the
// dataset. A file can change encoder family across runs, so the old
// ids are not guaranteed to live in the collection the new chunks
// target; deletes of absent ids are no-ops.
func (p *Pipeline) deleteStalePoints(ctx context.Context, tgt *target, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for name := range tgt.bound {
		if err := p.vec.DeletePoints(ctx, name, ids); err != nil {
			return fmt.Errorf("delete stale points from %s: %w", name, err)
		}
	}
	return nil
}
