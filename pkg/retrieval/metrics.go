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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsRetrieval struct {
	once sync.Once

	queries         prometheus.Counter
	latency         prometheus.Histogram
	partial         prometheus.Counter
	degraded        *prometheus.CounterVec
	collectionSkips prometheus.Counter
}

var retMetrics metricsRetrieval

func (m *metricsRetrieval) init() {
	m.once.Do(func() {
		m.queries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_retrieval_queries_total",
			Help: "Retrieval queries answered.",
		})
		m.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "isle_retrieval_latency_seconds",
			Help:    "End-to-end query latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		})
		m.partial = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_retrieval_partial_total",
			Help: "Queries answered with at least one collection skipped.",
		})
		m.degraded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isle_retrieval_degraded_total",
			Help: "Optional stages that fell back during a query.",
		}, []string{"cause"})
		m.collectionSkips = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_retrieval_collection_skips_total",
			Help: "Per-collection search failures skipped during fan-out.",
		})

		prometheus.MustRegister(m.queries, m.latency, m.partial, m.degraded, m.collectionSkips)
	})
}

func recordQuery(d time.Duration, partial bool) {
	retMetrics.init()
	retMetrics.queries.Inc()
	retMetrics.latency.Observe(d.Seconds())
	if partial {
		retMetrics.partial.Inc()
	}
}

func recordDegraded(cause string) {
	retMetrics.init()
	retMetrics.degraded.WithLabelValues(cause).Inc()
}

func recordCollectionSkip() {
	retMetrics.init()
	retMetrics.collectionSkips.Inc()
}
