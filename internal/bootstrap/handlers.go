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

package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/kraklabs/isle/pkg/crawl"
	"github.com/kraklabs/isle/pkg/ingest"
	"github.com/kraklabs/isle/pkg/jobs"
	"github.com/kraklabs/isle/pkg/metastore"
)

// CrawlRequest is the payload of a crawl job: the ingestion target plus
// the crawl tuning knobs.
type CrawlRequest struct {
	ingest.Request
	Seed       string `json:"seed"`
	Mode       string `json:"mode,omitempty"`
	MaxPages   int    `json:"max_pages,omitempty"`
	MaxDepth   int    `json:"max_depth,omitempty"`
	SameDomain *bool  `json:"same_domain,omitempty"`
	Allow      string `json:"allow,omitempty"`
	Deny       string `json:"deny,omitempty"`
}

// CrawlSummary is what a finished crawl job reports: the session id,
// the crawl counters, and the ingestion outcome for the fetched pages.
type CrawlSummary struct {
	SessionID string         `json:"session_id"`
	Crawl     crawl.Stats    `json:"crawl"`
	Ingest    ingest.Summary `json:"ingest"`
}

func (c *Core) registerHandlers() {
	c.Queue.Register(metastore.KindIngestLocal, c.handleIngestLocal)
	c.Queue.Register(metastore.KindIngestRemoteRepo, c.handleIngestRepo)
	c.Queue.Register(metastore.KindCrawl, c.handleCrawl)
	c.Queue.Register(metastore.KindReindex, c.handleReindex)
}

// EnqueueIngestLocal submits a local ingestion job. The path doubles as
// the dedup fingerprint unless the request carries one.
func (c *Core) EnqueueIngestLocal(ctx context.Context, req ingest.Request) (*metastore.Job, error) {
	if err := validateTarget(req); err != nil {
		return nil, err
	}
	fp := req.Fingerprint
	if fp == "" {
		fp = req.Path
	}
	return c.Queue.Enqueue(ctx, metastore.KindIngestLocal, req.ProjectID, req.Dataset, fp, req)
}

// EnqueueIngestRepo submits a remote repository ingestion job.
func (c *Core) EnqueueIngestRepo(ctx context.Context, req ingest.Request) (*metastore.Job, error) {
	if err := validateTarget(req); err != nil {
		return nil, err
	}
	if req.Remote == "" {
		return nil, fmt.Errorf("ingest repo: remote url is required")
	}
	fp := req.Remote
	if req.Branch != "" {
		fp += "@" + req.Branch
	}
	return c.Queue.Enqueue(ctx, metastore.KindIngestRemoteRepo, req.ProjectID, req.Dataset, fp, req)
}

// EnqueueCrawl submits a crawl job keyed on the seed URL.
func (c *Core) EnqueueCrawl(ctx context.Context, req CrawlRequest) (*metastore.Job, error) {
	if err := validateTarget(req.Request); err != nil {
		return nil, err
	}
	if req.Seed == "" {
		return nil, fmt.Errorf("crawl: seed url is required")
	}
	if _, err := c.crawlOptions(req); err != nil {
		return nil, err
	}
	return c.Queue.Enqueue(ctx, metastore.KindCrawl, req.ProjectID, req.Dataset, req.Seed, req)
}

// EnqueueReindex submits a forced re-ingestion of a local path.
func (c *Core) EnqueueReindex(ctx context.Context, req ingest.Request) (*metastore.Job, error) {
	if err := validateTarget(req); err != nil {
		return nil, err
	}
	req.Force = true
	fp := req.Fingerprint
	if fp == "" {
		fp = req.Path
	}
	return c.Queue.Enqueue(ctx, metastore.KindReindex, req.ProjectID, req.Dataset, fp, req)
}

func validateTarget(req ingest.Request) error {
	if req.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if req.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	return nil
}

func (c *Core) handleIngestLocal(ctx context.Context, job *metastore.Job, rep *jobs.Reporter) (any, error) {
	var req ingest.Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode ingest payload: %w", err)
	}
	return c.Pipeline.RunLocal(ctx, req, rep)
}

func (c *Core) handleIngestRepo(ctx context.Context, job *metastore.Job, rep *jobs.Reporter) (any, error) {
	var req ingest.Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode ingest payload: %w", err)
	}
	return c.Pipeline.RunRepo(ctx, req, rep)
}

func (c *Core) handleReindex(ctx context.Context, job *metastore.Job, rep *jobs.Reporter) (any, error) {
	var req ingest.Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode reindex payload: %w", err)
	}
	req.Force = true
	return c.Pipeline.RunLocal(ctx, req, rep)
}

// handleCrawl fetches pages with the crawl engine and feeds them into
// the page ingestion path, bracketed by a crawl session record.
func (c *Core) handleCrawl(ctx context.Context, job *metastore.Job, rep *jobs.Reporter) (any, error) {
	var req CrawlRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode crawl payload: %w", err)
	}
	if req.Seed == "" {
		return nil, fmt.Errorf("crawl: seed url is required")
	}
	opts, err := c.crawlOptions(req)
	if err != nil {
		return nil, err
	}

	rep.Update(ctx, jobs.PhaseInitializing, 1, "crawl "+req.Seed)

	sess, err := c.Meta.CreateCrawlSession(ctx, metastore.CrawlSession{
		ProjectID: req.ProjectID,
		DatasetID: job.DatasetID,
		SeedURL:   req.Seed,
		Mode:      string(opts.Mode),
		MaxPages:  opts.MaxPages,
		MaxDepth:  opts.MaxDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("create crawl session: %w", err)
	}

	eng := crawl.NewEngine(c.fetcher, c.guard, c.Logger)
	eng.SetEvents(c.Bus, job.ProjectID, job.ID)

	var pages []ingest.PageDoc
	sink := func(ctx context.Context, pg crawl.Page) error {
		pages = append(pages, ingest.PageDoc{
			URL:         pg.URL,
			Content:     pg.Content,
			ContentHash: pg.ContentHash,
			Depth:       pg.Depth,
		})
		return nil
	}
	report := func(fetched, maxPages, depth, maxDepth int, url string) {
		rep.Update(ctx, jobs.PhaseCrawling, crawlFraction(fetched, maxPages, depth, maxDepth), url)
	}

	stats, err := eng.Run(ctx, req.Seed, opts, sink, report)
	if err != nil {
		c.finishSession(ctx, sess.ID, "failed", stats)
		return nil, err
	}

	sum, err := c.Pipeline.IngestPages(ctx, req.Request, pages, rep)
	if err != nil {
		c.finishSession(ctx, sess.ID, "failed", stats)
		return nil, err
	}

	c.finishSession(ctx, sess.ID, "succeeded", stats)
	return &CrawlSummary{SessionID: sess.ID, Crawl: *stats, Ingest: *sum}, nil
}

// crawlFraction maps crawl progress onto the crawling band. Pages and
// depth advance at different rates, so the fraction tracks whichever
// dimension is further from its cap; a page-capped deep crawl no longer
// reads as done while still on the first levels.
func crawlFraction(fetched, maxPages, depth, maxDepth int) float64 {
	frac := 1.0
	if maxPages > 0 {
		frac = float64(fetched) / float64(maxPages)
	}
	if maxDepth > 0 {
		if df := float64(depth) / float64(maxDepth); df < frac {
			frac = df
		}
	}
	if frac > 1 {
		frac = 1
	}
	return frac
}

// finishSession closes the session record even when the job context is
// already cancelled; the terminal status must land.
func (c *Core) finishSession(ctx context.Context, id, status string, stats *crawl.Stats) {
	if err := c.Meta.FinishCrawlSession(context.WithoutCancel(ctx), id, status, stats); err != nil {
		c.Logger.Warn("bootstrap.crawl.session_finish", "session_id", id, "error", err)
	}
}

// crawlOptions maps a request and the configured crawl limits onto
// engine options. Effective defaults are materialized so the session
// record reflects what actually ran.
func (c *Core) crawlOptions(req CrawlRequest) (crawl.Options, error) {
	opts := crawl.Options{
		Mode:                crawl.Mode(req.Mode),
		MaxPages:            req.MaxPages,
		MaxDepth:            req.MaxDepth,
		SameDomain:          req.SameDomain,
		BatchSize:           c.Config.CrawlBatchSize,
		MaxConcurrent:       c.Config.CrawlMaxConcurrent,
		MemThresholdPercent: c.Config.MemoryThresholdPercent,
	}
	switch opts.Mode {
	case "", crawl.ModeRecursive:
		opts.Mode = crawl.ModeRecursive
	case crawl.ModeSingle, crawl.ModeSitemap:
	default:
		return crawl.Options{}, fmt.Errorf("crawl: unknown mode %q", req.Mode)
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = crawl.DefaultMaxPages
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = crawl.DefaultMaxDepth
	}
	if opts.Mode == crawl.ModeSingle {
		opts.MaxPages = 1
		opts.MaxDepth = 0
	}
	if req.Allow != "" {
		re, err := regexp.Compile(req.Allow)
		if err != nil {
			return crawl.Options{}, fmt.Errorf("crawl: bad allow pattern: %w", err)
		}
		opts.Allow = re
	}
	if req.Deny != "" {
		re, err := regexp.Compile(req.Deny)
		if err != nil {
			return crawl.Options{}, fmt.Errorf("crawl: bad deny pattern: %w", err)
		}
		opts.Deny = re
	}
	return opts, nil
}
