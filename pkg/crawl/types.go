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
	"regexp"
	"time"
)

// Mode selects the crawl strategy.
type Mode string

const (
	ModeSingle    Mode = "single"
	ModeSitemap   Mode = "sitemap"
	ModeRecursive Mode = "recursive"
)

// Defaults for crawl tuning knobs.
const (
	DefaultMaxPages            = 50
	DefaultMaxDepth            = 2
	DefaultBatchSize           = 50
	DefaultMaxConcurrent       = 10
	DefaultMemThresholdPercent = 80
)

// Options configure one crawl run. Zero values fall back to the
// defaults above; SameDomain defaults to true and must be disabled
// explicitly through the pointer.
type Options struct {
	Mode       Mode
	MaxPages   int
	MaxDepth   int
	SameDomain *bool

	// Allow and Deny filter discovered links by URL. Deny wins.
	Allow *regexp.Regexp
	Deny  *regexp.Regexp

	BatchSize           int
	MaxConcurrent       int
	MemThresholdPercent int
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeRecursive
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.SameDomain == nil {
		t := true
		o.SameDomain = &t
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.MemThresholdPercent <= 0 {
		o.MemThresholdPercent = DefaultMemThresholdPercent
	}
	return o
}

func (o Options) sameDomain() bool {
	return o.SameDomain == nil || *o.SameDomain
}

// Page is one fetched page as delivered by the page fetcher.
type Page struct {
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	HTML        string    `json:"html,omitempty"`
	ContentHash string    `json:"content_hash"`
	Links       []string  `json:"links,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	StatusCode  int       `json:"status_code"`

	// Depth is filled in by the engine: 0 for seeds, +1 per BFS level.
	Depth int `json:"depth"`
}

// Fetcher retrieves a single rendered page. Implementations must honor
// ctx and return within the page-fetch timeout; the engine does not
// retry.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// PageSink receives pages in fetch-completion order. A sink error is a
// hard error and aborts the crawl.
type PageSink func(ctx context.Context, p Page) error

// Progress is called after every fetched page with the running counts.
type Progress func(fetched, maxPages, depth, maxDepth int, url string)

// Stats summarize a finished crawl.
type Stats struct {
	PagesFetched int `json:"pages_fetched"`
	PagesFailed  int `json:"pages_failed"`
	LinksSeen    int `json:"links_seen"`
	LinksSkipped int `json:"links_skipped"`
	Depths       int `json:"depths"`
	Discovered   int `json:"discovered_seeds,omitempty"`
}
