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

package embed

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsEmbed holds Prometheus metrics for the embedding subsystem.
type metricsEmbed struct {
	once sync.Once

	retries        *prometheus.CounterVec
	failures       *prometheus.CounterVec
	sparseDegraded prometheus.Counter
	rerankFailures prometheus.Counter
}

var embMetrics metricsEmbed

func (m *metricsEmbed) init() {
	m.once.Do(func() {
		m.retries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "isle_embed_retries_total", Help: "Encoder request retries"}, []string{"family"})
		m.failures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "isle_embed_failures_total", Help: "Chunks whose embedding failed after retries"}, []string{"family"})
		m.sparseDegraded = prometheus.NewCounter(prometheus.CounterOpts{Name: "isle_embed_sparse_degraded_total", Help: "Batches that fell back to dense-only"})
		m.rerankFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "isle_rerank_failures_total", Help: "Rerank calls that failed or were rejected by the breaker"})

		prometheus.MustRegister(
			m.retries, m.failures,
			m.sparseDegraded, m.rerankFailures,
		)
	})
}

// record helpers - used by the generator and clients
func recordEmbedRetry(family string) {
	embMetrics.init()
	embMetrics.retries.WithLabelValues(family).Inc()
}

func recordEmbedFailure(family string, n int) {
	embMetrics.init()
	embMetrics.failures.WithLabelValues(family).Add(float64(n))
}

func recordSparseDegraded() {
	embMetrics.init()
	embMetrics.sparseDegraded.Inc()
}

func recordRerankFailure() {
	embMetrics.init()
	embMetrics.rerankFailures.Inc()
}
