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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"log/slog"

	"github.com/src-d/enry/v2"

	"github.com/kraklabs/isle/pkg/chunk"
)

// DefaultMaxFileSize is the per-file byte cap. Files above it are
// skipped during discovery.
const DefaultMaxFileSize = 2 << 20 // 2 MiB

// walkCheckInterval is how many directory entries pass between
// cancellation checks.
const walkCheckInterval = 64

// ignoredDirs are directory names never descended into, independent of
// where they appear in the tree.
var ignoredDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	".venv":         true,
	"venv":          true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	"dist":          true,
	"build":         true,
	"target":        true,
	".idea":         true,
	".vscode":       true,
	".cache":        true,
	".terraform":    true,
}

// WalkedFile is one indexable file found during discovery. Hash is the
// hex SHA-256 of the content at walk time; the pipeline re-reads the
// file for chunking and re-hashes, so a file edited mid-run is recorded
// with the content that was actually indexed.
type WalkedFile struct {
	RelPath string
	AbsPath string
	Size    int64
	Hash    string
}

// WalkResult is the discovery output: the indexable files in lexical
// path order plus per-reason skip counts for the job summary.
type WalkResult struct {
	Files       []WalkedFile
	SkipReasons map[string]int
}

// Walker discovers indexable files under a source root.
type Walker struct {
	logger      *slog.Logger
	maxFileSize int64
}

// NewWalker builds a Walker with the default size cap. A nil logger
// falls back to slog.Default.
func NewWalker(logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{logger: logger, maxFileSize: DefaultMaxFileSize}
}

// SetMaxFileSize overrides the per-file byte cap. Zero disables it.
func (w *Walker) SetMaxFileSize(n int64) {
	w.maxFileSize = n
}

// Walk collects the indexable files under root. Permission errors on
// individual entries are logged and skipped; only a broken root or a
// cancelled context fails the walk. Binary content, vendored paths,
// empty files, and files above the size cap are counted under
// SkipReasons rather than returned.
func (w *Walker) Walk(ctx context.Context, root string) (*WalkResult, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", root)
	}

	res := &WalkResult{SkipReasons: make(map[string]int)}
	visited := 0

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Log but continue on per-entry errors.
			w.logger.Warn("ingest.walk.error", "path", path, "err", err)
			res.SkipReasons["unreadable"]++
			return nil
		}

		visited++
		if visited%walkCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if d.IsDir() {
			if path != root && ignoredDirs[d.Name()] {
				res.SkipReasons["ignored_dir"]++
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if enry.IsVendor(rel) {
			res.SkipReasons["vendor"]++
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			res.SkipReasons["unreadable"]++
			return nil
		}
		if !fi.Mode().IsRegular() {
			res.SkipReasons["irregular"]++
			return nil
		}
		if w.maxFileSize > 0 && fi.Size() > w.maxFileSize {
			res.SkipReasons["too_large"]++
			w.logger.Warn("ingest.walk.skip_large",
				"path", rel,
				"size", fi.Size(),
				"limit", w.maxFileSize,
			)
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			res.SkipReasons["unreadable"]++
			w.logger.Warn("ingest.walk.unreadable", "path", rel, "err", err)
			return nil
		}
		if len(data) == 0 {
			res.SkipReasons["empty"]++
			return nil
		}
		if enry.IsBinary(data) {
			res.SkipReasons["binary"]++
			return nil
		}

		res.Files = append(res.Files, WalkedFile{
			RelPath: rel,
			AbsPath: path,
			Size:    fi.Size(),
			Hash:    chunk.HashContent(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	recordFilesWalked(len(res.Files))
	return res, nil
}

// skipSummary flattens skip counts into "reason=n" pairs for logging.
func skipSummary(reasons map[string]int) string {
	if len(reasons) == 0 {
		return ""
	}
	parts := make([]string, 0, len(reasons))
	for reason, n := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
	}
	// Map order is random; sort for stable log lines.
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
