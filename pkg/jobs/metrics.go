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

package jobs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsJobs holds Prometheus metrics for the job queue.
type metricsJobs struct {
	once sync.Once

	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	orphaned prometheus.Counter
}

var jobMetrics metricsJobs

func (m *metricsJobs) init() {
	m.once.Do(func() {
		m.started = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "isle_jobs_started_total", Help: "Jobs claimed by the dispatcher"}, []string{"kind"})
		m.finished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "isle_jobs_finished_total", Help: "Jobs reaching a terminal state"}, []string{"kind", "state"})
		m.orphaned = prometheus.NewCounter(prometheus.CounterOpts{Name: "isle_jobs_orphaned_total", Help: "Stale running jobs failed on startup sweep"})

		prometheus.MustRegister(m.started, m.finished, m.orphaned)
	})
}

func recordJobStarted(kind string) {
	jobMetrics.init()
	jobMetrics.started.WithLabelValues(kind).Inc()
}

func recordJobFinished(kind, state string) {
	jobMetrics.init()
	jobMetrics.finished.WithLabelValues(kind, state).Inc()
}

func recordJobOrphaned() {
	jobMetrics.init()
	jobMetrics.orphaned.Inc()
}
