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
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/kraklabs/isle/pkg/bus"
	"github.com/kraklabs/isle/pkg/metastore"
)

// Phase names one stage of a job's lifecycle.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseDiscovery    Phase = "discovery"
	PhaseCrawling     Phase = "crawling"
	PhaseChunking     Phase = "chunking"
	PhaseEmbedding    Phase = "embedding"
	PhaseStoring      Phase = "storing"
	PhaseCompleted    Phase = "completed"
	PhaseCancelled    Phase = "cancelled"
	PhaseFailed       Phase = "failed"
)

// phaseRanges maps each phase onto its slice of the overall progress
// bar. The crawling band is only traversed by crawl jobs; local and
// repo ingestion jumps from discovery straight to chunking.
var phaseRanges = map[Phase][2]int{
	PhaseInitializing: {0, 5},
	PhaseDiscovery:    {5, 15},
	PhaseCrawling:     {15, 60},
	PhaseChunking:     {60, 70},
	PhaseEmbedding:    {70, 92},
	PhaseStoring:      {92, 98},
	PhaseCompleted:    {98, 100},
}

// ProgressMapper maps per-phase progress onto a single 0-100 percent
// scale that never moves backwards. Late updates from an earlier phase
// and phase-local regressions clamp to the highest value seen.
type ProgressMapper struct {
	mu      sync.Mutex
	overall int
	phase   Phase
}

// NewProgressMapper starts at initializing, 0 percent.
func NewProgressMapper() *ProgressMapper {
	return &ProgressMapper{phase: PhaseInitializing}
}

// Map converts a local fraction within phase to overall percent.
// local is clamped to [0,1]. Terminal hold phases (cancelled, failed)
// and unknown phases keep the current value.
func (m *ProgressMapper) Map(phase Phase, local float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch phase {
	case PhaseCancelled, PhaseFailed:
		m.phase = phase
		return m.overall
	}

	r, ok := phaseRanges[phase]
	if !ok {
		slog.Warn("jobs.progress.unknown_phase", "phase", phase)
		return m.overall
	}

	if local < 0 {
		local = 0
	}
	if local > 1 {
		local = 1
	}
	overall := r[0] + int(local*float64(r[1]-r[0]))
	if overall < m.overall {
		overall = m.overall
	}
	m.overall = overall
	m.phase = phase
	return overall
}

// Current returns the phase and overall percent last recorded.
func (m *ProgressMapper) Current() (Phase, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase, m.overall
}

// Reset returns the mapper to its starting state.
func (m *ProgressMapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overall = 0
	m.phase = PhaseInitializing
}

// progressMinInterval coalesces progress emission to at most 2 Hz per
// job. Phase transitions and the 100 percent mark always emit.
const progressMinInterval = 500 * time.Millisecond

// Reporter persists job progress and publishes job.progress events.
// Handlers call Update freely; the reporter decides what actually
// reaches the store and the bus.
type Reporter struct {
	jobID     string
	projectID string
	store     *metastore.Store
	eventBus  *bus.Bus
	mapper    *ProgressMapper

	mu          sync.Mutex
	lastEmit    time.Time
	lastPercent int
	lastPhase   Phase
}

// NewReporter creates a reporter bound to one job.
func NewReporter(store *metastore.Store, eventBus *bus.Bus, jobID, projectID string) *Reporter {
	return &Reporter{
		jobID:     jobID,
		projectID: projectID,
		store:     store,
		eventBus:  eventBus,
		mapper:    NewProgressMapper(),
		lastPhase: PhaseInitializing,
	}
}

// Update advances the job to (phase, local) and emits if the update
// survives coalescing. Persistence errors are logged, not returned;
// progress must never fail a job.
func (r *Reporter) Update(ctx context.Context, phase Phase, local float64, detail string) {
	percent := r.mapper.Map(phase, local)

	r.mu.Lock()
	now := time.Now()
	force := phase != r.lastPhase || percent == 100
	if !force && now.Sub(r.lastEmit) < progressMinInterval {
		r.mu.Unlock()
		return
	}
	if !force && percent == r.lastPercent {
		r.mu.Unlock()
		return
	}
	r.lastEmit = now
	r.lastPercent = percent
	r.lastPhase = phase
	r.mu.Unlock()

	phaseStr := string(phase)
	fraction := float64(percent) / 100.0
	patch := metastore.JobPatch{Phase: &phaseStr, Fraction: &fraction}
	if detail != "" {
		patch.Detail = &detail
	}
	if err := r.store.UpdateJob(ctx, r.jobID, patch); err != nil {
		slog.Warn("jobs.progress.persist", "job_id", r.jobID, "error", err)
	}

	if r.eventBus != nil {
		r.eventBus.Publish(bus.Event{
			Type:      bus.EventJobProgress,
			ProjectID: r.projectID,
			Payload: bus.JobProgressPayload{
				JobID:    r.jobID,
				Phase:    phaseStr,
				Fraction: fraction,
				Message:  detail,
			},
		})
	}
}

// Percent reports the overall percent last computed.
func (r *Reporter) Percent() int {
	_, p := r.mapper.Current()
	return p
}
