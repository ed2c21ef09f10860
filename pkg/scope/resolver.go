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

package scope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Source records how a scope was determined.
type Source string

const (
	// SourceDetected means the scope was derived from the locator itself.
	SourceDetected Source = "detected"
	// SourceOverride means an auto-scope override supplied the values.
	SourceOverride Source = "override"
	// SourceConfigured means the caller passed explicit project/dataset flags.
	SourceConfigured Source = "configured"
)

// Scope is the resolved (project, dataset) pair for a locator.
type Scope struct {
	ProjectID string
	Dataset   string
	Source    Source
}

// Override carries explicit project/dataset values that short-circuit
// derivation. Empty fields fall back to the derived value.
type Override struct {
	Project string
	Dataset string
}

// ConflictFunc reports whether projectID is already registered for a source
// other than fingerprint. Used to detect hash collisions between distinct
// paths that happen to produce the same derived id.
type ConflictFunc func(ctx context.Context, projectID, fingerprint string) (bool, error)

// DefaultHashLength is the number of Base58 characters taken from each of
// the prefix and suffix hashes of a derived project id.
const DefaultHashLength = 8

// maxSaltAttempts bounds collision recovery. Two distinct paths colliding on
// a 2x8-char Base58 digest is already astronomically rare; sixteen salted
// retries failing means the conflict lookup itself is broken.
const maxSaltAttempts = 16

// base58Alphabet is the Bitcoin alphabet: no 0, O, I, or l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Resolver derives deterministic scopes from filesystem paths, Git remotes,
// and crawl URLs.
type Resolver struct {
	// HashLength is the per-segment Base58 digest length. Defaults to
	// DefaultHashLength when zero.
	HashLength int

	conflict ConflictFunc
}

// NewResolver returns a Resolver that checks derived ids against conflict.
// A nil conflict function disables collision verification (useful in tests
// and for read-only callers).
func NewResolver(conflict ConflictFunc) *Resolver {
	return &Resolver{HashLength: DefaultHashLength, conflict: conflict}
}

func (r *Resolver) hashLen() int {
	if r.HashLength > 0 {
		return r.HashLength
	}
	return DefaultHashLength
}

// ResolveLocal derives the scope for an absolute filesystem path.
//
// The project id has the form {prefix}-{slug}-{suffix} where prefix and
// suffix are Base58-encoded SHA-256 digests of the normalized path salted
// with ":prefix" and ":suffix", and slug is the sanitized basename. The
// dataset defaults to "local".
func (r *Resolver) ResolveLocal(ctx context.Context, path string, override *Override) (Scope, error) {
	if path == "" {
		return Scope{}, fmt.Errorf("resolve local scope: empty path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve local scope: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Scope{}, fmt.Errorf("resolve local scope: %w", err)
	}

	norm := normalizePath(abs)

	if override != nil && override.Project != "" {
		dataset := override.Dataset
		if dataset == "" {
			dataset = "local"
		}
		return Scope{ProjectID: override.Project, Dataset: dataset, Source: SourceOverride}, nil
	}

	base := Slug(filepath.Base(norm))
	if base == "" {
		// Filesystem root or a name with no usable characters.
		base = "root"
	}

	projectID, err := r.deriveProjectID(ctx, norm, base)
	if err != nil {
		return Scope{}, err
	}

	dataset := "local"
	if override != nil && override.Dataset != "" {
		dataset = override.Dataset
	}
	return Scope{ProjectID: projectID, Dataset: dataset, Source: SourceDetected}, nil
}

// ResolveRemoteRepo derives the scope for a Git remote. The dataset is
// github-{owner}-{repo}; the project id is derived from the normalized
// remote URL the same way local paths are.
func (r *Resolver) ResolveRemoteRepo(ctx context.Context, remote string) (Scope, error) {
	owner, repo, err := parseRemote(remote)
	if err != nil {
		return Scope{}, err
	}

	norm := normalizeRemote(remote)
	projectID, err := r.deriveProjectID(ctx, norm, Slug(repo))
	if err != nil {
		return Scope{}, err
	}

	dataset := "github-" + sanitizeDatasetPart(owner) + "-" + sanitizeDatasetPart(repo)
	return Scope{ProjectID: projectID, Dataset: dataset, Source: SourceDetected}, nil
}

// ResolveCrawl derives the scope for a crawl seed URL. The dataset is
// crawl-{domain} with dots replaced by dashes; the project id is derived
// from the lowercased host.
func (r *Resolver) ResolveCrawl(ctx context.Context, rawURL string) (Scope, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve crawl scope: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Scope{}, fmt.Errorf("resolve crawl scope: no host in %q", rawURL)
	}

	projectID, err := r.deriveProjectID(ctx, host, Slug(host))
	if err != nil {
		return Scope{}, err
	}

	dataset := "crawl-" + strings.ReplaceAll(sanitizeDatasetPart(host), ".", "-")
	return Scope{ProjectID: projectID, Dataset: dataset, Source: SourceDetected}, nil
}

// deriveProjectID builds {prefix}-{base}-{suffix} from the normalized
// locator, salting the suffix until the conflict check passes.
func (r *Resolver) deriveProjectID(ctx context.Context, norm, base string) (string, error) {
	n := r.hashLen()
	prefix := base58Digest(norm+":prefix", n)
	fingerprint := Fingerprint(norm)

	suffixSalt := norm + ":suffix"
	for attempt := 1; attempt <= maxSaltAttempts; attempt++ {
		if attempt > 1 {
			suffixSalt = fmt.Sprintf("%s:suffix#%d", norm, attempt)
		}
		id := prefix + "-" + base + "-" + base58Digest(suffixSalt, n)

		if r.conflict == nil {
			return id, nil
		}
		taken, err := r.conflict(ctx, id, fingerprint)
		if err != nil {
			return "", fmt.Errorf("verify project id: %w", err)
		}
		if !taken {
			return id, nil
		}
		slog.Warn("scope.collision", "project_id", id, "attempt", attempt)
	}
	return "", fmt.Errorf("derive project id: collision persists after %d salted attempts", maxSaltAttempts)
}

// Fingerprint returns the hex SHA-256 of a normalized locator. The metadata
// store keeps it next to the project id so collision checks can tell "same
// path again" apart from "different path, same id".
func Fingerprint(norm string) string {
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// NormalizeLocalPath applies the same normalization ResolveLocal uses, so
// callers can compute fingerprints and override keys consistently.
func NormalizeLocalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return normalizePath(abs), nil
}

func normalizePath(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)
	if len(abs) > 1 {
		abs = strings.TrimRight(abs, string(filepath.Separator))
	}
	// Case-insensitive filesystems hash the lowercased path so /Foo and
	// /foo land on the same project.
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs
}

func normalizeRemote(remote string) string {
	s := strings.TrimSpace(remote)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	return strings.ToLower(s)
}

// parseRemote extracts owner and repo from https and scp-like Git remotes.
func parseRemote(remote string) (owner, repo string, err error) {
	s := strings.TrimSuffix(strings.TrimSpace(remote), "/")
	s = strings.TrimSuffix(s, ".git")

	if strings.Contains(s, "://") {
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("parse remote %q: %w", remote, perr)
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) < 2 {
			return "", "", fmt.Errorf("parse remote %q: want owner/repo path", remote)
		}
		return parts[len(parts)-2], parts[len(parts)-1], nil
	}

	// scp-like: git@github.com:owner/repo
	if at := strings.Index(s, "@"); at >= 0 {
		if colon := strings.Index(s[at:], ":"); colon >= 0 {
			parts := strings.Split(strings.Trim(s[at+colon+1:], "/"), "/")
			if len(parts) >= 2 {
				return parts[len(parts)-2], parts[len(parts)-1], nil
			}
		}
	}
	return "", "", fmt.Errorf("parse remote %q: unrecognized format", remote)
}

// sanitizeDatasetPart lowercases and keeps [a-z0-9.-], mapping everything
// else to "-".
func sanitizeDatasetPart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Slug sanitizes a name for use inside project ids and collection names:
// lowercase, alphanumerics kept, every other run collapsed to a single
// underscore, leading/trailing underscores trimmed.
func Slug(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// CollectionName returns the deterministic vector collection name for a
// (project, dataset) pair: project_{slug}_dataset_{slug}.
func CollectionName(projectID, dataset string) string {
	return "project_" + Slug(projectID) + "_dataset_" + Slug(dataset)
}

// CollectionNameForFamily returns the collection name for one encoder
// family of a dataset. A collection is pinned to a single family at
// creation, so a dataset with both code and prose chunks maps to two
// sibling collections distinguished by the trailing family tag.
func CollectionNameForFamily(projectID, dataset, family string) string {
	return CollectionName(projectID, dataset) + "_" + Slug(family)
}

// CollectionFamily recovers the encoder family a collection was created
// for from its trailing tag. Unknown names report an empty family.
func CollectionFamily(name string) string {
	switch {
	case strings.HasSuffix(name, "_code"):
		return "code"
	case strings.HasSuffix(name, "_text"):
		return "text"
	default:
		return ""
	}
}

// base58Digest hashes input with SHA-256 and returns the first n characters
// of the Base58 encoding of the digest.
func base58Digest(input string, n int) string {
	sum := sha256.Sum256([]byte(input))
	enc := base58Encode(sum[:])
	if len(enc) < n {
		return enc
	}
	return enc[:n]
}

func base58Encode(b []byte) string {
	num := new(big.Int).SetBytes(b)
	base := big.NewInt(58)
	mod := new(big.Int)
	out := make([]byte, 0, len(b)*2)
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	// Leading zero bytes encode as '1'.
	for _, v := range b {
		if v != 0 {
			break
		}
		out = append(out, '1')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
