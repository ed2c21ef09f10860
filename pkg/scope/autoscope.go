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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxHistoryEntries caps the auto-scope resolution history.
const maxHistoryEntries = 100

// AutoScope is the persisted auto-scoping configuration at
// ~/.context/auto-scope.json. Overrides pin specific paths to explicit
// project/dataset values; History records past resolutions for inspection.
type AutoScope struct {
	Enabled    bool                     `json:"enabled"`
	HashLength int                      `json:"hashLength"`
	AutoSave   bool                     `json:"autoSave"`
	Overrides  map[string]ScopeOverride `json:"overrides,omitempty"`
	History    []HistoryEntry           `json:"history,omitempty"`

	path string
}

// ScopeOverride pins a path to explicit scope values. Empty fields keep the
// derived value.
type ScopeOverride struct {
	Project string `json:"project,omitempty"`
	Dataset string `json:"dataset,omitempty"`
}

// HistoryEntry records one past resolution.
type HistoryEntry struct {
	Locator    string    `json:"locator"`
	ProjectID  string    `json:"projectId"`
	Dataset    string    `json:"dataset"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// DefaultAutoScopePath returns ~/.context/auto-scope.json.
func DefaultAutoScopePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate auto-scope config: %w", err)
	}
	return filepath.Join(home, ".context", "auto-scope.json"), nil
}

// LoadAutoScope reads the auto-scope config from path. A missing file yields
// the defaults (enabled, hash length 8, auto-save on) rather than an error.
func LoadAutoScope(path string) (*AutoScope, error) {
	cfg := &AutoScope{
		Enabled:    true,
		HashLength: DefaultHashLength,
		AutoSave:   true,
		path:       path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read auto-scope config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse auto-scope config: %w", err)
	}
	if cfg.HashLength <= 0 {
		cfg.HashLength = DefaultHashLength
	}
	cfg.path = path
	return cfg, nil
}

// Save writes the config back atomically (temp file + rename).
func (a *AutoScope) Save() error {
	if a.path == "" {
		return fmt.Errorf("save auto-scope config: no path set")
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
		return fmt.Errorf("create auto-scope dir: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auto-scope config: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write auto-scope config: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("replace auto-scope config: %w", err)
	}
	return nil
}

// OverrideFor returns the override registered for a normalized locator, or
// nil when none matches. Matching is exact on the normalized form.
func (a *AutoScope) OverrideFor(norm string) *Override {
	if a == nil || len(a.Overrides) == 0 {
		return nil
	}
	o, ok := a.Overrides[norm]
	if !ok {
		return nil
	}
	return &Override{Project: o.Project, Dataset: o.Dataset}
}

// SetOverride registers an override for a normalized locator.
func (a *AutoScope) SetOverride(norm string, o ScopeOverride) {
	if a.Overrides == nil {
		a.Overrides = make(map[string]ScopeOverride)
	}
	a.Overrides[norm] = o
}

// RecordResolution appends a history entry, keeping at most
// maxHistoryEntries newest-last. No-op when AutoSave is off.
func (a *AutoScope) RecordResolution(locator string, s Scope) {
	if !a.AutoSave {
		return
	}
	a.History = append(a.History, HistoryEntry{
		Locator:    locator,
		ProjectID:  s.ProjectID,
		Dataset:    s.Dataset,
		ResolvedAt: time.Now().UTC(),
	})
	if overflow := len(a.History) - maxHistoryEntries; overflow > 0 {
		a.History = a.History[overflow:]
	}
}
