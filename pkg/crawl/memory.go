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
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/procfs"
)

// memSampleInterval is how often the dispatcher re-reads process memory.
const memSampleInterval = time.Second

// acquirePollInterval is how often a blocked acquire re-checks the
// budget.
const acquirePollInterval = 25 * time.Millisecond

// dispatcher is the memory-adaptive in-flight budget. While process RSS
// sits above the threshold the budget is halved each sample; once usage
// drops the full budget is restored.
type dispatcher struct {
	mu       sync.Mutex
	max      int
	budget   int
	inflight int

	threshold float64
	usage     func() float64
	sampledAt time.Time
	logger    *slog.Logger
}

func newDispatcher(maxConcurrent, thresholdPercent int, logger *slog.Logger) *dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &dispatcher{
		max:       maxConcurrent,
		budget:    maxConcurrent,
		threshold: float64(thresholdPercent),
		usage:     processMemoryPercent,
		logger:    logger,
	}
}

// acquire blocks until an in-flight slot is free under the current
// budget, or ctx is done.
func (d *dispatcher) acquire(ctx context.Context) error {
	for {
		d.mu.Lock()
		d.maybeSample()
		if d.inflight < d.budget {
			d.inflight++
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (d *dispatcher) release() {
	d.mu.Lock()
	d.inflight--
	d.mu.Unlock()
}

// maybeSample re-reads memory usage at most once per interval. Called
// with d.mu held.
func (d *dispatcher) maybeSample() {
	if time.Since(d.sampledAt) < memSampleInterval {
		return
	}
	d.sampledAt = time.Now()

	pct := d.usage()
	if pct < 0 {
		return // sampling unavailable; keep the configured budget
	}
	if pct > d.threshold {
		next := d.budget / 2
		if next < 1 {
			next = 1
		}
		if next != d.budget {
			d.logger.Warn("crawl.memory.throttle",
				"usage_percent", pct, "threshold", d.threshold,
				"budget", next)
			recordThrottle()
		}
		d.budget = next
		return
	}
	if d.budget != d.max {
		d.logger.Info("crawl.memory.recovered", "usage_percent", pct, "budget", d.max)
	}
	d.budget = d.max
}

// processMemoryPercent reads RSS against total system memory. Returns
// a negative value when /proc is unavailable.
func processMemoryPercent() float64 {
	proc, err := procfs.Self()
	if err != nil {
		return -1
	}
	stat, err := proc.Stat()
	if err != nil {
		return -1
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return -1
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemTotal == nil || *mi.MemTotal == 0 {
		return -1
	}
	total := float64(*mi.MemTotal) * 1024
	return float64(stat.ResidentMemory()) / total * 100
}
