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
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"log/slog"
)

var (
	// validGitURLPattern matches https, ssh, and file git URLs.
	validGitURLPattern = regexp.MustCompile(`^(https?://|git@|ssh://|file://)[\w.\-@:/%~]+$`)

	// validGitRefPattern bounds what is passed to git as a branch or
	// commit argument. Refs never need shell metacharacters.
	validGitRefPattern = regexp.MustCompile(`^[\w.\-/]+$`)
)

// CloneOptions pin what gets checked out. Branch selects a branch or
// tag at clone time; SHA pins an exact commit, fetched on top of the
// shallow clone since depth-1 history only carries the tip.
type CloneOptions struct {
	Branch string
	SHA    string
}

// Clone shallow-clones gitURL into a fresh temp directory and returns
// the checkout path plus a cleanup func that removes it. The URL and
// refs are validated before reaching the git argv.
func Clone(ctx context.Context, gitURL string, opts CloneOptions, logger *slog.Logger) (string, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateGitURL(gitURL); err != nil {
		return "", nil, fmt.Errorf("invalid git URL: %w", err)
	}
	if opts.Branch != "" && !validGitRefPattern.MatchString(opts.Branch) {
		return "", nil, fmt.Errorf("invalid branch name: %q", opts.Branch)
	}
	if opts.SHA != "" && !validGitRefPattern.MatchString(opts.SHA) {
		return "", nil, fmt.Errorf("invalid commit: %q", opts.SHA)
	}

	tmpDir, err := os.MkdirTemp("", "isle-clone-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warn("ingest.clone.cleanup", "dir", tmpDir, "err", err)
		}
	}

	args := []string{"clone", "--depth", "1", "--quiet"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, gitURL, tmpDir)

	logger.Info("ingest.clone.start", "url", sanitizeGitURL(gitURL), "dir", tmpDir)
	if err := runGit(ctx, "", args...); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("git clone failed: %w", err)
	}

	if opts.SHA != "" {
		// The shallow clone carries only the branch tip; fetch the
		// pinned commit before checking it out.
		if err := runGit(ctx, tmpDir, "fetch", "--depth", "1", "origin", opts.SHA); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("fetch commit %s: %w", opts.SHA, err)
		}
		if err := runGit(ctx, tmpDir, "checkout", "--quiet", opts.SHA); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("checkout commit %s: %w", opts.SHA, err)
		}
	}

	logger.Info("ingest.clone.done", "url", sanitizeGitURL(gitURL), "dir", tmpDir)
	return tmpDir, cleanup, nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	// #nosec G204 -- every argument is validated against the ref and
	// URL patterns above.
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// validateGitURL rejects URLs that could smuggle git options or shell
// metacharacters into the clone argv.
func validateGitURL(gitURL string) error {
	if gitURL == "" {
		return fmt.Errorf("empty git URL")
	}
	if strings.HasPrefix(gitURL, "-") {
		return fmt.Errorf("git URL may not start with a dash")
	}
	if !validGitURLPattern.MatchString(gitURL) {
		return fmt.Errorf("unsupported git URL: must be https://, git@, ssh://, or file://")
	}
	if strings.HasPrefix(gitURL, "http://") || strings.HasPrefix(gitURL, "https://") {
		parsed, err := url.Parse(gitURL)
		if err != nil {
			return fmt.Errorf("parse git URL: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("git URL missing host")
		}
		if _, has := parsed.User.Password(); has {
			return fmt.Errorf("git URL must not embed a password")
		}
	}
	return nil
}

// sanitizeGitURL strips query params and masks userinfo so tokens never
// reach the logs.
func sanitizeGitURL(gitURL string) string {
	parsed, err := url.Parse(gitURL)
	if err != nil {
		return gitURL
	}
	parsed.RawQuery = ""
	if parsed.User != nil {
		parsed.User = url.User("***")
	}
	return parsed.String()
}
