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
	"os"
	"path/filepath"
	"testing"

	"github.com/kraklabs/isle/pkg/chunk"
)

func writeFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestWalkCollectsIndexableFiles(t *testing.T) {
	root := t.TempDir()
	goSrc := []byte("package main\n\nfunc main() {}\n")
	mdSrc := []byte("# Readme\n\nHello.\n")
	writeFile(t, root, "main.go", goSrc)
	writeFile(t, root, "docs/readme.md", mdSrc)
	writeFile(t, root, ".git/config", []byte("[core]\n"))
	writeFile(t, root, "node_modules/lib/index.js", []byte("module.exports = 1\n"))
	writeFile(t, root, "assets/logo.bin", []byte{0x00, 0x01, 0x02, 0xff})
	writeFile(t, root, "empty.txt", nil)

	w := NewWalker(nil)
	res, err := w.Walk(context.Background(), root)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	if len(res.Files) != 2 {
		t.Fatalf("expected 2 files, got %d: %+v", len(res.Files), res.Files)
	}
	// WalkDir visits in lexical order.
	if res.Files[0].RelPath != "docs/readme.md" || res.Files[1].RelPath != "main.go" {
		t.Fatalf("unexpected files: %q, %q", res.Files[0].RelPath, res.Files[1].RelPath)
	}
	if got, want := res.Files[1].Hash, chunk.HashContent(goSrc); got != want {
		t.Errorf("main.go hash = %s, want %s", got, want)
	}
	if res.Files[0].Size != int64(len(mdSrc)) {
		t.Errorf("readme size = %d, want %d", res.Files[0].Size, len(mdSrc))
	}

	for reason, want := range map[string]int{
		"ignored_dir": 2,
		"binary":      1,
		"empty":       1,
	} {
		if got := res.SkipReasons[reason]; got != want {
			t.Errorf("skip reason %s = %d, want %d", reason, got, want)
		}
	}
}

func TestWalkSizeCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.txt", []byte("fits\n"))
	writeFile(t, root, "big.txt", make([]byte, 2048))

	w := NewWalker(nil)
	w.SetMaxFileSize(1024)
	res, err := w.Walk(context.Background(), root)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].RelPath != "small.txt" {
		t.Fatalf("expected only small.txt, got %+v", res.Files)
	}
	if res.SkipReasons["too_large"] != 1 {
		t.Errorf("too_large = %d, want 1", res.SkipReasons["too_large"])
	}
}

func TestWalkRootMustBeDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWalker(nil)
	if _, err := w.Walk(context.Background(), file); err == nil {
		t.Fatal("expected error for non-directory root")
	}
	if _, err := w.Walk(context.Background(), filepath.Join(root, "missing")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestWalkCancellation(t *testing.T) {
	root := t.TempDir()
	// Enough entries to guarantee a cancellation check fires.
	for i := 0; i < walkCheckInterval*2; i++ {
		writeFile(t, root, fmt.Sprintf("many/f%03d.txt", i), []byte("content\n"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWalker(nil)
	if _, err := w.Walk(ctx, root); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSkipSummaryStable(t *testing.T) {
	got := skipSummary(map[string]int{"binary": 2, "too_large": 1, "empty": 3})
	want := "binary=2 empty=3 too_large=1"
	if got != want {
		t.Errorf("skipSummary = %q, want %q", got, want)
	}
	if skipSummary(nil) != "" {
		t.Error("empty map should produce empty summary")
	}
}
