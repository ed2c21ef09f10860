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

package metastore

import (
	"context"
	"errors"
	"testing"
)

func TestFileSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := FileSnapshot{
		ProjectID:    "proj",
		DatasetID:    "ds-1",
		RelativePath: "pkg/auth/token.go",
		FileHash:     "deadbeef",
		ChunkIDs:     []string{"c1", "c2", "c3"},
	}
	if err := s.UpsertFileSnapshot(ctx, snap); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetFileSnapshot(ctx, "ds-1", "pkg/auth/token.go")
	if err != nil {
		t.Fatal(err)
	}
	if got.FileHash != "deadbeef" || len(got.ChunkIDs) != 3 {
		t.Errorf("round trip = %+v", got)
	}
	if got.IndexedAt.IsZero() {
		t.Error("indexed_at not stamped")
	}

	// Replacing updates in place.
	snap.FileHash = "cafe"
	snap.ChunkIDs = []string{"c4"}
	if err := s.UpsertFileSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListFileSnapshots(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("snapshot duplicated: %d rows", len(all))
	}
	if all["pkg/auth/token.go"].FileHash != "cafe" {
		t.Errorf("hash not replaced: %+v", all["pkg/auth/token.go"])
	}

	if err := s.DeleteFileSnapshot(ctx, "ds-1", "pkg/auth/token.go"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetFileSnapshot(ctx, "ds-1", "pkg/auth/token.go"); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot remains after delete: %v", err)
	}
}

func TestReplaceChunksIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []ChunkRow{
		{ID: "c1", CollectionName: "coll", ProjectID: "p", DatasetID: "d",
			RelativePath: "f.py", StartLine: 1, EndLine: 10, Lang: "python", Content: "def greet(): ..."},
		{ID: "c2", CollectionName: "coll", ProjectID: "p", DatasetID: "d",
			RelativePath: "f.py", StartLine: 11, EndLine: 20, Lang: "python", Content: "def bye(): ..."},
	}

	if err := s.ReplaceChunks(ctx, "d", "f.py", rows); err != nil {
		t.Fatal(err)
	}
	// Replaying the identical rows must not duplicate.
	if err := s.ReplaceChunks(ctx, "d", "f.py", rows); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ChunkIDs(ctx, "coll")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("chunk ids = %v, want 2", ids)
	}

	// A changed file replaces its rows wholesale.
	if err := s.ReplaceChunks(ctx, "d", "f.py", []ChunkRow{
		{ID: "c9", CollectionName: "coll", ProjectID: "p", DatasetID: "d",
			RelativePath: "f.py", StartLine: 1, EndLine: 30, Lang: "python", Content: "rewritten"},
	}); err != nil {
		t.Fatal(err)
	}
	ids, err = s.ChunkIDs(ctx, "coll")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "c9" {
		t.Errorf("chunk ids after rewrite = %v", ids)
	}

	chunk, err := s.GetChunk(ctx, "coll", "c9")
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Content != "rewritten" || chunk.EndLine != 30 {
		t.Errorf("chunk row = %+v", chunk)
	}
}

func TestDeleteChunksByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ReplaceChunks(ctx, "d", "a.md", []ChunkRow{
		{ID: "k1", CollectionName: "coll", ProjectID: "p", DatasetID: "d",
			RelativePath: "a.md", StartLine: 1, EndLine: 4, Content: "one"},
		{ID: "k2", CollectionName: "coll", ProjectID: "p", DatasetID: "d",
			RelativePath: "a.md", StartLine: 5, EndLine: 8, Content: "two"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteChunksByID(ctx, "coll", []string{"k1"}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.ChunkIDs(ctx, "coll")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "k2" {
		t.Errorf("remaining ids = %v, want [k2]", ids)
	}
}

func TestWebProvenanceVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := WebProvenance{
		URL: "https://docs.example.com/a", Domain: "docs.example.com",
		ProjectID: "proj", DatasetID: "ds", ContentHash: "h1",
	}
	if err := s.UpsertWebProvenance(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetWebProvenance(ctx, p.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Errorf("initial version = %d, want 1", got.Version)
	}
	firstIndexed := got.FirstIndexedAt

	// Unchanged hash: only last_indexed_at moves.
	if err := s.UpsertWebProvenance(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetWebProvenance(ctx, p.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Errorf("version bumped on unchanged content: %d", got.Version)
	}
	if !got.FirstIndexedAt.Equal(firstIndexed) {
		t.Error("first_indexed_at rewritten")
	}

	// Changed hash bumps version.
	p.ContentHash = "h2"
	if err := s.UpsertWebProvenance(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetWebProvenance(ctx, p.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.ContentHash != "h2" {
		t.Errorf("after change: version=%d hash=%s", got.Version, got.ContentHash)
	}
}

func TestCrawlSessionTerminalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateCrawlSession(ctx, CrawlSession{
		ProjectID: "proj", DatasetID: "ds", SeedURL: "https://example.com",
		Mode: "recursive", MaxPages: 30, MaxDepth: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != "running" {
		t.Errorf("initial status = %q", sess.Status)
	}

	if err := s.FinishCrawlSession(ctx, sess.ID, "succeeded", map[string]int{"pages": 30}); err != nil {
		t.Fatal(err)
	}
	// Second finish is ignored.
	if err := s.FinishCrawlSession(ctx, sess.ID, "failed", nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCrawlSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "succeeded" {
		t.Errorf("terminal status overwritten: %q", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not stamped")
	}
}
