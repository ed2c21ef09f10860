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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsIngest struct {
	once sync.Once

	filesWalked      prometheus.Counter
	chunksWritten    prometheus.Counter
	chunksDeleted    prometheus.Counter
	chunksDropped    prometheus.Counter
	phaseSeconds     *prometheus.HistogramVec
	reconcileOrphans *prometheus.CounterVec
}

var ingMetrics metricsIngest

func (m *metricsIngest) init() {
	m.once.Do(func() {
		m.filesWalked = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_ingest_files_walked_total",
			Help: "Indexable files discovered during source walks.",
		})
		m.chunksWritten = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_ingest_chunks_written_total",
			Help: "Chunks upserted into the vector store.",
		})
		m.chunksDeleted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_ingest_chunks_deleted_total",
			Help: "Stale chunks removed during incremental sync.",
		})
		m.chunksDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isle_ingest_chunks_dropped_total",
			Help: "Chunks dropped because their embedding failed.",
		})
		m.phaseSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "isle_ingest_phase_seconds",
			Help:    "Wall time spent per ingestion phase.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"})
		m.reconcileOrphans = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isle_ingest_reconcile_orphans_total",
			Help: "Orphaned ids removed by the dual-store reconciler.",
		}, []string{"side"})

		prometheus.MustRegister(
			m.filesWalked,
			m.chunksWritten,
			m.chunksDeleted,
			m.chunksDropped,
			m.phaseSeconds,
			m.reconcileOrphans,
		)
	})
}

// record helpers - used by the walker, pipeline, and reconciler.

func recordFilesWalked(n int) {
	ingMetrics.init()
	ingMetrics.filesWalked.Add(float64(n))
}

func recordChunksWritten(n int) {
	ingMetrics.init()
	ingMetrics.chunksWritten.Add(float64(n))
}

func recordChunksDeleted(n int) {
	ingMetrics.init()
	ingMetrics.chunksDeleted.Add(float64(n))
}

func recordChunksDropped(n int) {
	ingMetrics.init()
	ingMetrics.chunksDropped.Add(float64(n))
}

func recordPhaseSeconds(phase string, d time.Duration) {
	ingMetrics.init()
	ingMetrics.phaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

func recordReconcileOrphans(side string, n int) {
	ingMetrics.init()
	ingMetrics.reconcileOrphans.WithLabelValues(side).Add(float64(n))
}
