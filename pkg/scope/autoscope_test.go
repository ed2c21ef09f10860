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
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAutoScopeMissingFile(t *testing.T) {
	cfg, err := LoadAutoScope(filepath.Join(t.TempDir(), "auto-scope.json"))
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.AutoSave)
	assert.Equal(t, DefaultHashLength, cfg.HashLength)
	assert.Nil(t, cfg.OverrideFor("/any/path"))
}

func TestAutoScopeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auto-scope.json")

	cfg, err := LoadAutoScope(path)
	require.NoError(t, err)

	cfg.SetOverride("/home/dev/work", ScopeOverride{Project: "work-proj", Dataset: "docs"})
	cfg.RecordResolution("/home/dev/work", Scope{ProjectID: "work-proj", Dataset: "docs"})
	require.NoError(t, cfg.Save())

	loaded, err := LoadAutoScope(path)
	require.NoError(t, err)

	o := loaded.OverrideFor("/home/dev/work")
	require.NotNil(t, o)
	assert.Equal(t, "work-proj", o.Project)
	assert.Equal(t, "docs", o.Dataset)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "work-proj", loaded.History[0].ProjectID)
}

func TestAutoScopeHistoryCap(t *testing.T) {
	cfg := &AutoScope{Enabled: true, AutoSave: true}
	for i := 0; i < maxHistoryEntries+25; i++ {
		cfg.RecordResolution(fmt.Sprintf("/p/%d", i), Scope{ProjectID: fmt.Sprintf("id-%d", i)})
	}

	require.Len(t, cfg.History, maxHistoryEntries)
	// Oldest entries dropped, newest kept.
	assert.Equal(t, "id-25", cfg.History[0].ProjectID)
	assert.Equal(t, fmt.Sprintf("id-%d", maxHistoryEntries+24), cfg.History[len(cfg.History)-1].ProjectID)
}

func TestAutoScopeHistoryDisabled(t *testing.T) {
	cfg := &AutoScope{Enabled: true, AutoSave: false}
	cfg.RecordResolution("/p", Scope{ProjectID: "id"})
	assert.Empty(t, cfg.History)
}
