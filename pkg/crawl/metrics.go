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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsCrawl struct {
	once sync.Once

	pagesFetched  prometheus.Counter
	pageErrors    prometheus.Counter
	blocked       prometheus.Counter
	throttles     prometheus.Counter
	discoveryHits prometheus.Counter
}

var crMetrics metricsCrawl

func (m *metricsCrawl) init() {
	m.once.Do(func() {
		m.pagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_crawl_pages_fetched_total",
			Help: "Pages successfully fetched across all crawls.",
		})
		m.pageErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_crawl_page_errors_total",
			Help: "Per-URL fetch failures (soft errors).",
		})
		m.blocked = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_crawl_blocked_total",
			Help: "URLs rejected by the SSRF policy.",
		})
		m.throttles = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_crawl_memory_throttles_total",
			Help: "Dispatch budget halvings due to memory pressure.",
		})
		m.discoveryHits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_crawl_discovery_hits_total",
			Help: "Auto-discovery probes that seeded a crawl.",
		})

		prometheus.MustRegister(
			m.pagesFetched,
			m.pageErrors,
			m.blocked,
			m.throttles,
			m.discoveryHits,
		)
	})
}

func recordPageFetched() {
	crMetrics.init()
	crMetrics.pagesFetched.Inc()
}

func recordPageError() {
	crMetrics.init()
	crMetrics.pageErrors.Inc()
}

func recordBlocked() {
	crMetrics.init()
	crMetrics.blocked.Inc()
}

func recordThrottle() {
	crMetrics.init()
	crMetrics.throttles.Inc()
}

func recordDiscoveryHit() {
	crMetrics.init()
	crMetrics.discoveryHits.Inc()
}
