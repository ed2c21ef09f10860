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

package ui

import (
	"testing"

	"github.com/fatih/color"
)

// withoutColor disables ANSI output for the test so the helpers return
// their input verbatim, and restores the previous state afterwards.
func withoutColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestInitColors(t *testing.T) {
	prev := color.NoColor
	t.Cleanup(func() { color.NoColor = prev })

	InitColors(true)
	if !color.NoColor {
		t.Error("InitColors(true) should disable colors")
	}
	InitColors(false)
	if color.NoColor {
		t.Error("InitColors(false) should enable colors")
	}
}

func TestTextHelpersPassThroughWithoutColor(t *testing.T) {
	withoutColor(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"label", Label("Project:"), "Project:"},
		{"dim path", DimText("~/.isle/meta.db"), "~/.isle/meta.db"},
		{"empty label", Label(""), ""},
		{"label with punctuation", Label("Dataset (scope=local):"), "Dataset (scope=local):"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestCountText(t *testing.T) {
	withoutColor(t)

	for _, tt := range []struct {
		n    int
		want string
	}{
		{1342, "1342"},
		{0, "0"},
		{-1, "-1"},
	} {
		if got := CountText(tt.n); got != tt.want {
			t.Errorf("CountText(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestColorVariablesInitialized(t *testing.T) {
	for name, c := range map[string]*color.Color{
		"Red": Red, "Yellow": Yellow, "Green": Green,
		"Cyan": Cyan, "Bold": Bold, "Dim": Dim,
	} {
		if c == nil {
			t.Errorf("%s color not initialized", name)
		}
	}
}

// The message helpers write straight to stdout; this only pins down
// that every variant can be called without panicking.
func TestMessageHelpers(t *testing.T) {
	withoutColor(t)

	Success("indexed 3 files")
	Successf("job %s succeeded", "0198c2f4")
	Warning("sparse encoder unavailable, dense-only results")
	Warningf("skipping %s: binary file", "assets/logo.png")
	Error("cannot reach vector store")
	Errorf("clear failed for project %s", "widget-4f2k9s")
	Info("watching for changes, Ctrl-C to stop")
	Infof("crawl depth %d of %d", 2, 3)
	Header("Project widget-4f2k9s")
	SubHeader("Datasets")
}
