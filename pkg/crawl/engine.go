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

package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/kraklabs/isle/pkg/bus"
)

// Engine runs crawls. Safe for concurrent use; each Run carries its own
// queue state.
type Engine struct {
	fetcher Fetcher
	guard   *Guard
	disc    *Discoverer
	logger  *slog.Logger

	events    *bus.Bus
	projectID string
	jobID     string
}

// NewEngine wires an engine over a fetcher and an SSRF guard. A nil
// guard gets the default policy.
func NewEngine(fetcher Fetcher, guard *Guard, logger *slog.Logger) *Engine {
	if guard == nil {
		guard = NewGuard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fetcher: fetcher,
		guard:   guard,
		disc:    NewDiscoverer(guard, logger),
		logger:  logger,
	}
}

// SetEvents attaches the event bus; crawl.page events carry the given
// project and job ids.
func (e *Engine) SetEvents(b *bus.Bus, projectID, jobID string) {
	e.events = b
	e.projectID = projectID
	e.jobID = jobID
}

// Run crawls from seed according to opts, delivering each fetched page
// to sink in completion order. Per-URL failures are soft; a level where
// every URL fails, a sink error, or cancellation aborts the run.
func (e *Engine) Run(ctx context.Context, seed string, opts Options, sink PageSink, report Progress) (*Stats, error) {
	opts = opts.withDefaults()
	if sink == nil {
		return nil, fmt.Errorf("crawl: sink is required")
	}
	if report == nil {
		report = func(int, int, int, int, string) {}
	}

	normSeed, err := NormalizeURL(seed)
	if err != nil {
		return nil, fmt.Errorf("crawl: %w", err)
	}
	if err := e.guard.ValidateURL(ctx, normSeed); err != nil {
		recordBlocked()
		return nil, err
	}

	run := &crawlRun{
		engine:     e,
		opts:       opts,
		seedDomain: Domain(normSeed),
		visited:    map[string]bool{normSeed: true},
		dispatch:   newDispatcher(opts.MaxConcurrent, opts.MemThresholdPercent, e.logger),
		sink:       sink,
		report:     report,
		stats:      &Stats{},
	}

	level := []queued{{url: normSeed, depth: 0}}

	switch opts.Mode {
	case ModeSingle:
		run.opts.MaxPages = 1
		run.opts.MaxDepth = 0
	case ModeSitemap, ModeRecursive:
		var extra []string
		if e.disc != nil {
			extra = e.disc.Discover(ctx, normSeed, opts.sameDomain())
		}
		for _, u := range extra {
			if run.visited[u] {
				continue
			}
			run.visited[u] = true
			level = append(level, queued{url: u, depth: 0})
		}
		run.stats.Discovered = len(extra)
		if opts.Mode == ModeSitemap {
			// Sitemap mode fetches the enumerated URLs only.
			run.opts.MaxDepth = 0
		}
	default:
		return nil, fmt.Errorf("crawl: unknown mode %q", opts.Mode)
	}

	start := time.Now()
	err = run.bfs(ctx, level)
	e.logger.Info("crawl.done",
		"seed", normSeed,
		"mode", string(opts.Mode),
		"pages", run.stats.PagesFetched,
		"failed", run.stats.PagesFailed,
		"depths", run.stats.Depths,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return run.stats, err
}

// queued is one URL awaiting fetch.
type queued struct {
	url   string
	depth int
}

type crawlRun struct {
	engine     *Engine
	opts       Options
	seedDomain string
	visited    map[string]bool
	dispatch   *dispatcher
	sink       PageSink
	report     Progress
	stats      *Stats
}

// bfs walks the level queues. Cancellation is checked between batches
// and between depths.
func (r *crawlRun) bfs(ctx context.Context, level []queued) error {
	depth := 0
	for len(level) > 0 && r.stats.PagesFetched < r.opts.MaxPages && depth <= r.opts.MaxDepth {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.stats.Depths = depth + 1

		var next []queued
		levelFailed := 0
		levelTried := 0

		for off := 0; off < len(level) && r.stats.PagesFetched < r.opts.MaxPages; off += r.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(off+r.opts.BatchSize, len(level))
			batch := level[off:end]
			if room := r.opts.MaxPages - r.stats.PagesFetched; len(batch) > room {
				batch = batch[:room]
			}
			levelTried += len(batch)

			pages, failed, err := r.fetchBatch(ctx, batch)
			if err != nil {
				return err
			}
			levelFailed += failed

			for _, page := range pages {
				if err := r.sink(ctx, page); err != nil {
					return fmt.Errorf("deliver page %s: %w", page.URL, err)
				}
				r.stats.PagesFetched++
				r.report(r.stats.PagesFetched, r.opts.MaxPages, depth, r.opts.MaxDepth, page.URL)
				r.publishPage(page, false)
				if depth < r.opts.MaxDepth {
					next = append(next, r.expandLinks(page, depth+1)...)
				}
			}
		}

		if levelTried > 0 && levelFailed == levelTried {
			return fmt.Errorf("crawl: every URL at depth %d failed (%d urls)", depth, levelTried)
		}

		level = next
		depth++
	}
	return nil
}

// fetchBatch dispatches one batch through the memory-adaptive budget
// and collects results in completion order. Per-URL errors count as
// soft failures.
func (r *crawlRun) fetchBatch(ctx context.Context, batch []queued) (pages []Page, failed int, err error) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, item := range batch {
		if err := r.dispatch.acquire(ctx); err != nil {
			wg.Wait()
			return nil, failed, err
		}
		wg.Add(1)
		go func(item queued) {
			defer wg.Done()
			defer r.dispatch.release()

			page, ferr := r.engine.fetcher.Fetch(ctx, item.url)
			mu.Lock()
			defer mu.Unlock()
			if ferr != nil {
				failed++
				r.stats.PagesFailed++
				if errors.Is(ferr, ErrBlockedTarget) {
					recordBlocked()
				} else {
					recordPageError()
				}
				r.engine.logger.Warn("crawl.page.error", "url", item.url, "depth", item.depth, "error", ferr)
				return
			}
			page.Depth = item.depth
			if page.URL == "" {
				page.URL = item.url
			}
			recordPageFetched()
			pages = append(pages, *page)
		}(item)
	}
	wg.Wait()
	return pages, failed, ctx.Err()
}

// expandLinks normalizes, filters, and deduplicates a page's outbound
// links for the next depth.
func (r *crawlRun) expandLinks(page Page, nextDepth int) []queued {
	var out []queued
	for _, link := range page.Links {
		r.stats.LinksSeen++
		norm, err := ResolveLink(page.URL, link)
		if err != nil {
			r.stats.LinksSkipped++
			continue
		}
		if r.visited[norm] || isBinaryTarget(norm) {
			r.stats.LinksSkipped++
			continue
		}
		if r.opts.sameDomain() && Domain(norm) != r.seedDomain {
			r.stats.LinksSkipped++
			continue
		}
		if r.opts.Deny != nil && r.opts.Deny.MatchString(norm) {
			r.stats.LinksSkipped++
			continue
		}
		if r.opts.Allow != nil && !r.opts.Allow.MatchString(norm) {
			r.stats.LinksSkipped++
			continue
		}
		r.visited[norm] = true
		out = append(out, queued{url: norm, depth: nextDepth})
	}
	return out
}

func (r *crawlRun) publishPage(page Page, skipped bool) {
	e := r.engine
	if e.events == nil {
		return
	}
	e.events.Publish(bus.Event{
		Type:      bus.EventCrawlPage,
		ProjectID: e.projectID,
		Payload: bus.CrawlPagePayload{
			JobID:      e.jobID,
			URL:        page.URL,
			Depth:      page.Depth,
			StatusCode: page.StatusCode,
			Skipped:    skipped,
		},
		TS: time.Now().UTC(),
	})
}
