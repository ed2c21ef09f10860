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
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/vector"
)

// DefaultSweepInterval is how often the background reconciler runs.
const DefaultSweepInterval = time.Hour

// Reconciler repairs dual-store divergence: chunk rows without a
// matching vector point and points without a matching row are orphans
// left behind by crashes between the two writes. They are deleted on
// whichever side has them.
type Reconciler struct {
	meta   *metastore.Store
	vec    vector.Store
	logger *slog.Logger
}

// ReconcileReport is the outcome for one collection.
type ReconcileReport struct {
	Collection    string `json:"collection"`
	MetaOrphans   int    `json:"meta_orphans"`
	VectorOrphans int    `json:"vector_orphans"`
}

func NewReconciler(meta *metastore.Store, vec vector.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{meta: meta, vec: vec, logger: logger}
}

// ReconcileCollection computes the symmetric difference of chunk ids
// and point ids for one collection and deletes the orphans. The diff
// is recomputed after deletion; ids still diverging then mean one side
// is not honoring deletes, which breaks the coherence guarantee and is
// returned as a hard error.
func (r *Reconciler) ReconcileCollection(ctx context.Context, name string) (*ReconcileReport, error) {
	onlyMeta, onlyVec, err := r.diff(ctx, name)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{
		Collection:    name,
		MetaOrphans:   len(onlyMeta),
		VectorOrphans: len(onlyVec),
	}
	if len(onlyMeta) == 0 && len(onlyVec) == 0 {
		return report, nil
	}

	r.logger.Warn("ingest.reconcile.divergence",
		"collection", name,
		"meta_orphans", len(onlyMeta),
		"vector_orphans", len(onlyVec),
	)
	if len(onlyMeta) > 0 {
		if err := r.meta.DeleteChunksByID(ctx, name, onlyMeta); err != nil {
			return report, fmt.Errorf("delete orphan rows: %w", err)
		}
		recordReconcileOrphans("meta", len(onlyMeta))
	}
	if len(onlyVec) > 0 {
		if err := r.vec.DeletePoints(ctx, name, onlyVec); err != nil {
			return report, fmt.Errorf("delete orphan points: %w", err)
		}
		recordReconcileOrphans("vector", len(onlyVec))
	}

	stillMeta, stillVec, err := r.diff(ctx, name)
	if err != nil {
		return report, err
	}
	if len(stillMeta) > 0 || len(stillVec) > 0 {
		return report, fmt.Errorf("coherence broken for %s: %d row and %d point orphans persist after sweep",
			name, len(stillMeta), len(stillVec))
	}
	return report, nil
}

// Sweep reconciles every bound collection. Per-collection failures are
// logged and the sweep continues; the reports cover the collections
// that were actually compared.
func (r *Reconciler) Sweep(ctx context.Context) []ReconcileReport {
	names, err := r.meta.AllCollections(ctx)
	if err != nil {
		r.logger.Error("ingest.reconcile.list", "err", err)
		return nil
	}
	var reports []ReconcileReport
	for _, name := range names {
		if ctx.Err() != nil {
			return reports
		}
		report, err := r.ReconcileCollection(ctx, name)
		if err != nil {
			r.logger.Error("ingest.reconcile.failed", "collection", name, "err", err)
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Reconciler) diff(ctx context.Context, name string) (onlyMeta, onlyVec []string, err error) {
	metaIDs, err := r.meta.ChunkIDs(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("list chunk ids: %w", err)
	}
	pointIDs, err := r.vec.PointIDs(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("list point ids: %w", err)
	}

	inVec := make(map[string]bool, len(pointIDs))
	for _, id := range pointIDs {
		inVec[id] = true
	}
	inMeta := make(map[string]bool, len(metaIDs))
	for _, id := range metaIDs {
		inMeta[id] = true
		if !inVec[id] {
			onlyMeta = append(onlyMeta, id)
		}
	}
	for _, id := range pointIDs {
		if !inMeta[id] {
			onlyVec = append(onlyVec, id)
		}
	}
	return onlyMeta, onlyVec, nil
}
