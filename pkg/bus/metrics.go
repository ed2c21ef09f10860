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

package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsBus holds Prometheus metrics for the event bus.
type metricsBus struct {
	once sync.Once

	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

var busMetrics metricsBus

func (m *metricsBus) init() {
	m.once.Do(func() {
		m.dropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "isle_bus_dropped_total", Help: "Events shed from full subscriber queues"})
		m.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "isle_bus_subscribers", Help: "Live subscriptions"})

		prometheus.MustRegister(m.dropped, m.subscribers)
	})
}

func recordBusDrops(n int) {
	busMetrics.init()
	busMetrics.dropped.Add(float64(n))
}

func recordBusSubscribers(n int) {
	busMetrics.init()
	busMetrics.subscribers.Set(float64(n))
}
