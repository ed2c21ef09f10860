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
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/kraklabs/isle/pkg/jobs"
	"github.com/kraklabs/isle/pkg/metastore"
)

// PageDoc is one crawled page headed for the index.
type PageDoc struct {
	URL         string `json:"url"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	Depth       int    `json:"depth,omitempty"`
}

// IngestPages chunks, embeds, and stores crawled pages into the
// dataset. Pages whose content hash matches their provenance row are
// skipped (only last_indexed_at is touched) unless Force is set; the
// rest go through the same delete-then-write path as files, with the
// page's URL-derived relative path as the snapshot key.
func (p *Pipeline) IngestPages(ctx context.Context, req Request, pages []PageDoc, sink ProgressSink) (*Summary, error) {
	if sink == nil {
		sink = nopSink{}
	}
	start := time.Now()

	tgt, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	sum := &Summary{ProjectID: tgt.projectID, Dataset: tgt.dataset}

	snaps, err := p.meta.ListFileSnapshots(ctx, tgt.datasetID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	// Chunking, with provenance dedup deciding what gets re-indexed.
	phaseStart := time.Now()
	type pageWork struct {
		doc PageDoc
		fc  fileChunks
	}
	var work []pageWork
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		norm := page.URL
		prov, perr := p.meta.GetWebProvenance(ctx, norm)
		if perr != nil && !errors.Is(perr, metastore.ErrNotFound) {
			return nil, fmt.Errorf("load provenance for %s: %w", norm, perr)
		}
		if perr == nil && prov.ContentHash == page.ContentHash && !req.Force {
			if err := p.touchProvenance(ctx, tgt, page); err != nil {
				return nil, err
			}
			sum.PagesSkipped++
			sink.Update(ctx, jobs.PhaseChunking, float64(i+1)/float64(len(pages)), norm+" (unchanged)")
			continue
		}

		rel := PageRelPath(norm)
		cs := p.chunker.Split(rel, []byte(page.Content))
		if len(cs) == 0 {
			sum.addSoftError(fmt.Sprintf("page %s produced no chunks", norm))
			continue
		}
		work = append(work, pageWork{
			doc: page,
			fc: fileChunks{
				file:   WalkedFile{RelPath: rel},
				hash:   page.ContentHash,
				chunks: cs,
			},
		})
		sink.Update(ctx, jobs.PhaseChunking, float64(i+1)/float64(len(pages)), norm)
	}
	sum.PagesIndexed = len(work)
	recordPhaseSeconds("chunking", time.Since(phaseStart))

	// Embedding.
	phaseStart = time.Now()
	docs := make([]fileChunks, len(work))
	for i := range work {
		docs[i] = work[i].fc
	}
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

	// Storing: same delete-then-write path as files, plus provenance.
	phaseStart = time.Now()
	sink.Update(ctx, jobs.PhaseStoring, 0, "")
	if err := p.loadBindings(ctx, tgt); err != nil {
		return nil, err
	}
	for i := range work {
		if i%storeCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		// flatOffset was assigned on docs by embedDocs.
		written, deleted, err := p.storeFile(ctx, tgt, docs[i], emb, snaps)
		if err != nil {
			return nil, err
		}
		if written == 0 && len(docs[i].chunks) > 0 {
			sum.addSoftError(fmt.Sprintf("embed failed for every chunk of %s; kept previous version", work[i].doc.URL))
		} else {
			if err := p.touchProvenance(ctx, tgt, work[i].doc); err != nil {
				return nil, err
			}
		}
		sum.ChunksWritten += written
		sum.ChunksDeleted += deleted
		sink.Update(ctx, jobs.PhaseStoring, float64(i+1)/float64(len(work)), work[i].doc.URL)
	}
	recordChunksWritten(sum.ChunksWritten)
	recordChunksDeleted(sum.ChunksDeleted)
	recordPhaseSeconds("storing", time.Since(phaseStart))

	sum.ElapsedMS = time.Since(start).Milliseconds()
	sink.Update(ctx, jobs.PhaseCompleted, 1, "")
	p.logger.Info("ingest.pages.done",
		"project", tgt.projectID,
		"dataset", tgt.dataset,
		"pages_indexed", sum.PagesIndexed,
		"pages_skipped", sum.PagesSkipped,
		"chunks_written", sum.ChunksWritten,
		"elapsed_ms", sum.ElapsedMS,
	)
	return sum, nil
}

func (p *Pipeline) touchProvenance(ctx context.Context, tgt *target, page PageDoc) error {
	err := p.meta.UpsertWebProvenance(ctx, metastore.WebProvenance{
		URL:         page.URL,
		Domain:      domainOf(page.URL),
		ProjectID:   tgt.projectID,
		DatasetID:   tgt.datasetID,
		ContentHash: page.ContentHash,
	})
	if err != nil {
		return fmt.Errorf("record provenance for %s: %w", page.URL, err)
	}
	return nil
}

// PageRelPath derives the snapshot key for a page: host plus path,
// with an .md suffix when the path carries no extension so the chunker
// routes the fetcher's markdown rendition as prose.
func PageRelPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	rel := u.Hostname() + u.Path
	rel = strings.TrimRight(rel, "/")
	if path.Ext(rel) == "" {
		rel += ".md"
	}
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	return rel
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
