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
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"log/slog"

	isletest "github.com/kraklabs/isle/internal/testing"
	"github.com/kraklabs/isle/pkg/chunk"
	"github.com/kraklabs/isle/pkg/embed"
	"github.com/kraklabs/isle/pkg/jobs"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/scope"
)

const (
	authSrc = `package auth

// Check reports whether the subject may read the resource.
func Check(subject, resource string) bool {
	return subject != "" && resource != ""
}
`
	readmeSrc  = "# Demo\n\nA small demo project used for indexing.\n"
	readmeSrc2 = "# Demo\n\nA small demo project used for indexing.\n\nNow with a second paragraph.\n"
	pySrc      = "def greet(name):\n    return \"hello \" + name\n"
)

// failEncoder always errors with a non-retryable message so tests do
// not sit through backoff sleeps.
type failEncoder struct{ dim int }

func (f failEncoder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("text model offline")
}

func (f failEncoder) Dim() int { return f.dim }

type pipeFixture struct {
	meta *metastore.Store
	vec  *isletest.FakeVectorStore
	pipe *Pipeline
	root string
}

func newPipeFixture(t *testing.T, router *embed.Router) *pipeFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	meta := isletest.OpenMetastore(t)
	vec := isletest.NewFakeVectorStore()
	gen := embed.NewGenerator(router, logger)
	return &pipeFixture{
		meta: meta,
		vec:  vec,
		pipe: NewPipeline(meta, vec, gen, router, logger),
		root: t.TempDir(),
	}
}

// withRouter builds a second pipeline over the same stores, simulating
// a process restart with a different encoder configuration.
func (f *pipeFixture) withRouter(router *embed.Router) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPipeline(f.meta, f.vec, embed.NewGenerator(router, logger), router, logger)
}

func demoRequest(root string) Request {
	return Request{
		Path:        root,
		ProjectID:   "demo",
		ProjectName: "Demo",
		Dataset:     "main",
		Scope:       "local",
		Repo:        "demo-repo",
		Fingerprint: "fp-demo",
	}
}

func (f *pipeFixture) datasetID(t *testing.T) string {
	t.Helper()
	ds, err := f.meta.GetOrCreateDataset(context.Background(), "demo", "main", metastore.ScopeLocal)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	return ds.ID
}

func TestPipelineFirstRunIndexesTree(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "auth.go", []byte(authSrc))
	writeFile(t, f.root, "README.md", []byte(readmeSrc))

	ctx := context.Background()
	sum, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.FilesWalked != 2 || sum.FilesAdded != 2 {
		t.Fatalf("walked=%d added=%d, want 2 and 2", sum.FilesWalked, sum.FilesAdded)
	}
	if sum.FilesChanged != 0 || sum.FilesRemoved != 0 || sum.FilesUnchanged != 0 {
		t.Fatalf("unexpected delta: %+v", sum)
	}
	if sum.ChunksWritten != 2 || sum.ChunksDeleted != 0 || sum.EmbedFailed != 0 {
		t.Fatalf("written=%d deleted=%d failed=%d", sum.ChunksWritten, sum.ChunksDeleted, sum.EmbedFailed)
	}

	// One sibling collection per encoder family.
	codeColl := scope.CollectionNameForFamily("demo", "main", "code")
	textColl := scope.CollectionNameForFamily("demo", "main", "text")
	if n := f.vec.NumPoints(codeColl); n != 1 {
		t.Fatalf("code collection has %d points, want 1", n)
	}
	if n := f.vec.NumPoints(textColl); n != 1 {
		t.Fatalf("text collection has %d points, want 1", n)
	}

	dsID := f.datasetID(t)
	snaps, err := f.meta.ListFileSnapshots(ctx, dsID)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	snap := snaps["auth.go"]
	if snap.FileHash != chunk.HashContent([]byte(authSrc)) {
		t.Errorf("snapshot hash %q does not match file content", snap.FileHash)
	}
	if len(snap.ChunkIDs) != 1 {
		t.Fatalf("auth.go has %d chunk ids, want 1", len(snap.ChunkIDs))
	}

	// Snapshot ids resolve in both stores.
	id := snap.ChunkIDs[0]
	pt, ok := f.vec.Point(codeColl, id)
	if !ok {
		t.Fatalf("point %s missing from %s", id, codeColl)
	}
	if len(pt.Dense) != 8 {
		t.Errorf("dense dim %d, want 8", len(pt.Dense))
	}
	if pt.Payload.ProjectID != "demo" || pt.Payload.DatasetID != dsID {
		t.Errorf("payload scope %q/%q", pt.Payload.ProjectID, pt.Payload.DatasetID)
	}
	if pt.Payload.RelativePath != "auth.go" || pt.Payload.Repo != "demo-repo" || pt.Payload.Lang != "go" {
		t.Errorf("payload %+v", pt.Payload)
	}
	row, err := f.meta.GetChunk(ctx, codeColl, id)
	if err != nil {
		t.Fatalf("chunk row: %v", err)
	}
	if !strings.Contains(row.Content, "func Check") {
		t.Errorf("row content %q", row.Content)
	}
	if row.FileHash != snap.FileHash {
		t.Errorf("row hash %q != snapshot hash %q", row.FileHash, snap.FileHash)
	}

	bindings, err := f.meta.ListCollectionsForProject(ctx, "demo", nil)
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("got %d bindings, want 2", len(bindings))
	}
}

func TestPipelineSecondRunIsIncremental(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "auth.go", []byte(authSrc))
	writeFile(t, f.root, "README.md", []byte(readmeSrc))

	ctx := context.Background()
	if _, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	sum, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.FilesUnchanged != 2 || sum.FilesAdded != 0 || sum.FilesChanged != 0 {
		t.Fatalf("unexpected delta on unchanged tree: %+v", sum)
	}
	if sum.ChunksWritten != 0 || sum.ChunksDeleted != 0 {
		t.Fatalf("unchanged tree wrote %d deleted %d", sum.ChunksWritten, sum.ChunksDeleted)
	}
}

func TestPipelineChangeAndRemove(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "auth.go", []byte(authSrc))
	writeFile(t, f.root, "README.md", []byte(readmeSrc))

	ctx := context.Background()
	if _, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	dsID := f.datasetID(t)
	before, err := f.meta.ListFileSnapshots(ctx, dsID)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	oldReadmeID := before["README.md"].ChunkIDs[0]
	oldAuthID := before["auth.go"].ChunkIDs[0]

	writeFile(t, f.root, "README.md", []byte(readmeSrc2))
	writeFile(t, f.root, "util.py", []byte(pySrc))
	if err := os.Remove(filepath.Join(f.root, "auth.go")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	sum, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.FilesAdded != 1 || sum.FilesChanged != 1 || sum.FilesRemoved != 1 {
		t.Fatalf("delta %+v", sum)
	}
	if sum.ChunksWritten != 2 || sum.ChunksDeleted != 2 {
		t.Fatalf("written=%d deleted=%d, want 2 and 2", sum.ChunksWritten, sum.ChunksDeleted)
	}

	codeColl := scope.CollectionNameForFamily("demo", "main", "code")
	textColl := scope.CollectionNameForFamily("demo", "main", "text")
	if _, ok := f.vec.Point(textColl, oldReadmeID); ok {
		t.Error("stale README point survived the rewrite")
	}
	if _, ok := f.vec.Point(codeColl, oldAuthID); ok {
		t.Error("removed file's point survived")
	}
	after, err := f.meta.ListFileSnapshots(ctx, dsID)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if _, ok := after["auth.go"]; ok {
		t.Error("removed file still has a snapshot")
	}
	if len(after) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(after))
	}
	newReadmeID := after["README.md"].ChunkIDs[0]
	if newReadmeID == oldReadmeID {
		t.Error("changed content produced the same chunk id")
	}
	if _, ok := f.vec.Point(textColl, newReadmeID); !ok {
		t.Error("rewritten README point missing")
	}
	if n := f.vec.NumPoints(codeColl); n != 1 {
		t.Errorf("code collection has %d points, want 1 (util.py)", n)
	}
}

func TestPipelineForceReindexes(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "auth.go", []byte(authSrc))
	writeFile(t, f.root, "README.md", []byte(readmeSrc))

	ctx := context.Background()
	if _, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	dsID := f.datasetID(t)
	before, _ := f.meta.ListFileSnapshots(ctx, dsID)

	req := demoRequest(f.root)
	req.Force = true
	sum, err := f.pipe.RunLocal(ctx, req, nil)
	if err != nil {
		t.Fatalf("force run: %v", err)
	}
	if sum.FilesChanged != 2 || sum.FilesUnchanged != 0 {
		t.Fatalf("force delta %+v", sum)
	}
	if sum.ChunksWritten != 2 || sum.ChunksDeleted != 2 {
		t.Fatalf("force written=%d deleted=%d", sum.ChunksWritten, sum.ChunksDeleted)
	}

	// Content did not change, so the rewrite lands on identical ids.
	after, _ := f.meta.ListFileSnapshots(ctx, dsID)
	for rel, snap := range before {
		if !reflect.DeepEqual(after[rel].ChunkIDs, snap.ChunkIDs) {
			t.Errorf("%s ids changed under force: %v -> %v", rel, snap.ChunkIDs, after[rel].ChunkIDs)
		}
	}
	codeColl := scope.CollectionNameForFamily("demo", "main", "code")
	if n := f.vec.NumPoints(codeColl); n != 1 {
		t.Errorf("code collection has %d points after force, want 1", n)
	}
}

func TestPipelineEmbedFailureBudget(t *testing.T) {
	router := &embed.Router{Code: embed.NewMock(8), Text: failEncoder{dim: 6}}
	f := newPipeFixture(t, router)
	writeFile(t, f.root, "README.md", []byte(readmeSrc))

	ctx := context.Background()
	_, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil)
	if err == nil {
		t.Fatal("expected hard failure when every chunk drops")
	}
	if !strings.Contains(err.Error(), "failure ratio") {
		t.Fatalf("error %q does not name the failure ratio", err)
	}

	// Nothing was stored for the failed run.
	snaps, err := f.meta.ListFileSnapshots(ctx, f.datasetID(t))
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("failed run left %d snapshots", len(snaps))
	}
}

func TestPipelineSoftSkipKeepsPreviousVersion(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "a.go", []byte("package lib\n\nfunc A() int { return 1 }\n"))
	writeFile(t, f.root, "b.go", []byte("package lib\n\nfunc B() int { return 1 }\n"))
	writeFile(t, f.root, "c.go", []byte("package lib\n\nfunc C() int { return 1 }\n"))
	writeFile(t, f.root, "notes.md", []byte("# Notes\n\nFirst version of the notes.\n"))

	ctx := context.Background()
	if _, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	dsID := f.datasetID(t)
	before, _ := f.meta.ListFileSnapshots(ctx, dsID)
	oldNotes := before["notes.md"]

	// All four files change; the text encoder is down. One of four
	// chunks failing sits exactly on the budget, so the run proceeds
	// and only the prose file is skipped.
	writeFile(t, f.root, "a.go", []byte("package lib\n\nfunc A() int { return 2 }\n"))
	writeFile(t, f.root, "b.go", []byte("package lib\n\nfunc B() int { return 2 }\n"))
	writeFile(t, f.root, "c.go", []byte("package lib\n\nfunc C() int { return 2 }\n"))
	writeFile(t, f.root, "notes.md", []byte("# Notes\n\nSecond version of the notes.\n"))

	degraded := f.withRouter(&embed.Router{Code: embed.NewMock(8), Text: failEncoder{dim: 6}})
	sum, err := degraded.RunLocal(ctx, demoRequest(f.root), nil)
	if err != nil {
		t.Fatalf("degraded run: %v", err)
	}
	if sum.EmbedFailed != 1 {
		t.Fatalf("embed_failed=%d, want 1", sum.EmbedFailed)
	}
	if sum.ChunksWritten != 3 || sum.ChunksDeleted != 3 {
		t.Fatalf("written=%d deleted=%d, want 3 and 3", sum.ChunksWritten, sum.ChunksDeleted)
	}
	var found bool
	for _, msg := range sum.SoftErrors {
		if strings.Contains(msg, "notes.md") && strings.Contains(msg, "kept previous version") {
			found = true
		}
	}
	if !found {
		t.Fatalf("soft errors %v do not report the skipped file", sum.SoftErrors)
	}

	// The prose file keeps its previous indexed version.
	cur, err := f.meta.GetFileSnapshot(ctx, dsID, "notes.md")
	if err != nil {
		t.Fatalf("notes snapshot: %v", err)
	}
	if cur.FileHash != oldNotes.FileHash {
		t.Error("skipped file's snapshot hash was replaced")
	}
	if !reflect.DeepEqual(cur.ChunkIDs, oldNotes.ChunkIDs) {
		t.Error("skipped file's chunk ids were replaced")
	}
	textColl := scope.CollectionNameForFamily("demo", "main", "text")
	if _, ok := f.vec.Point(textColl, oldNotes.ChunkIDs[0]); !ok {
		t.Error("skipped file's previous point was deleted")
	}
}

func TestPipelineScopeCollision(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "auth.go", []byte(authSrc))

	ctx := context.Background()
	if _, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	req := demoRequest(f.root)
	req.Fingerprint = "fp-other"
	_, err := f.pipe.RunLocal(ctx, req, nil)
	if err == nil || !strings.Contains(err.Error(), "scope collision") {
		t.Fatalf("want scope collision, got %v", err)
	}

	// An explicit project override carries no fingerprint and skips
	// the check.
	req.Fingerprint = ""
	if _, err := f.pipe.RunLocal(ctx, req, nil); err != nil {
		t.Fatalf("override run: %v", err)
	}
}

func TestPipelineValidation(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	ctx := context.Background()

	req := demoRequest(f.root)
	req.ProjectID = ""
	if _, err := f.pipe.RunLocal(ctx, req, nil); err == nil {
		t.Error("missing project accepted")
	}
	if _, err := f.pipe.RunRepo(ctx, Request{ProjectID: "p", Dataset: "d"}, nil); err == nil {
		t.Error("RunRepo without a remote accepted")
	}
}

func TestPipelineCancelled(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "auth.go", []byte(authSrc))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.pipe.RunLocal(ctx, demoRequest(f.root), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

// recSink records the distinct phase sequence a run reports.
type recSink struct{ phases []jobs.Phase }

func (r *recSink) Update(_ context.Context, ph jobs.Phase, _ float64, _ string) {
	if n := len(r.phases); n == 0 || r.phases[n-1] != ph {
		r.phases = append(r.phases, ph)
	}
}

func TestPipelineReportsPhases(t *testing.T) {
	f := newPipeFixture(t, isletest.NewRouter(8, 6))
	writeFile(t, f.root, "auth.go", []byte(authSrc))
	writeFile(t, f.root, "README.md", []byte(readmeSrc))

	sink := &recSink{}
	if _, err := f.pipe.RunLocal(context.Background(), demoRequest(f.root), sink); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []jobs.Phase{
		jobs.PhaseInitializing,
		jobs.PhaseDiscovery,
		jobs.PhaseChunking,
		jobs.PhaseEmbedding,
		jobs.PhaseStoring,
		jobs.PhaseCompleted,
	}
	if !reflect.DeepEqual(sink.phases, want) {
		t.Fatalf("phases %v, want %v", sink.phases, want)
	}
}
