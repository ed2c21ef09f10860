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

package crawl

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"strips fragment", "https://example.com/docs#intro", "https://example.com/docs", false},
		{"strips trailing slash", "https://example.com/docs/", "https://example.com/docs", false},
		{"lowercases host", "https://Example.COM/Docs", "https://example.com/Docs", false},
		{"keeps query", "https://example.com/search?q=a&b=1", "https://example.com/search?q=a&b=1", false},
		{"root collapses", "https://example.com/", "https://example.com", false},
		{"whitespace trimmed", "  https://example.com/x ", "https://example.com/x", false},
		{"rejects ftp", "ftp://example.com/file", "", true},
		{"rejects no host", "https:///path", "", true},
		{"rejects mailto", "mailto:a@example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeURL(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	in := "https://Example.com/a/b/?x=1#frag"
	once, err := NormalizeURL(in)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := NormalizeURL(once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Errorf("normalization not idempotent: %q then %q", once, twice)
	}
}

func TestResolveLink(t *testing.T) {
	tests := []struct {
		base, link, want string
	}{
		{"https://example.com/docs/intro", "../api/", "https://example.com/api"},
		{"https://example.com/docs/", "guide.html", "https://example.com/docs/guide.html"},
		{"https://example.com/docs", "https://other.com/x", "https://other.com/x"},
		{"https://example.com/docs/", "/root", "https://example.com/root"},
	}
	for _, tt := range tests {
		got, err := ResolveLink(tt.base, tt.link)
		if err != nil {
			t.Errorf("ResolveLink(%q, %q): %v", tt.base, tt.link, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveLink(%q, %q) = %q, want %q", tt.base, tt.link, got, tt.want)
		}
	}
}

func TestDomain(t *testing.T) {
	if got := Domain("https://Docs.Example.com:8080/x"); got != "docs.example.com" {
		t.Errorf("Domain = %q, want docs.example.com", got)
	}
}

func TestIsBinaryTarget(t *testing.T) {
	if !isBinaryTarget("https://example.com/logo.png") {
		t.Error("logo.png should be a binary target")
	}
	if isBinaryTarget("https://example.com/docs/page") {
		t.Error("docs/page should not be a binary target")
	}
	if !isBinaryTarget("https://example.com/bundle.min.js?v=2") {
		t.Error("bundle.min.js should be a binary target")
	}
}
