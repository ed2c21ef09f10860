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

func TestParseSitemapURLSet(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/docs/a</loc></url>
  <url><loc> https://example.com/docs/b </loc></url>
  <url><loc></loc></url>
</urlset>`
	pages, nested, err := ParseSitemap([]byte(body))
	if err != nil {
		t.Fatalf("ParseSitemap: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %v, want 2 entries", pages)
	}
	if pages[0] != "https://example.com/docs/a" || pages[1] != "https://example.com/docs/b" {
		t.Errorf("unexpected pages: %v", pages)
	}
	if len(nested) != 0 {
		t.Errorf("nested = %v, want empty", nested)
	}
}

func TestParseSitemapIndex(t *testing.T) {
	body := `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-docs.xml</loc></sitemap>
  <sitemap><loc>https://example.com/sitemap-blog.xml</loc></sitemap>
</sitemapindex>`
	pages, nested, err := ParseSitemap([]byte(body))
	if err != nil {
		t.Fatalf("ParseSitemap: %v", err)
	}
	if len(pages) != 0 {
		t.Errorf("pages = %v, want empty", pages)
	}
	if len(nested) != 2 {
		t.Fatalf("nested = %v, want 2 entries", nested)
	}
}

func TestParseSitemapRejectsGarbage(t *testing.T) {
	if _, _, err := ParseSitemap([]byte("not xml at all")); err == nil {
		t.Error("ParseSitemap accepted non-XML input")
	}
}

func TestSitemapURLsFromRobots(t *testing.T) {
	body := `User-agent: *
Disallow: /private
Sitemap: https://example.com/sitemap.xml
sitemap: https://example.com/sitemap-2.xml  # trailing comment
# Sitemap: https://example.com/commented.xml
`
	got := SitemapURLsFromRobots([]byte(body))
	want := []string{"https://example.com/sitemap.xml", "https://example.com/sitemap-2.xml"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLooksLikeSitemap(t *testing.T) {
	if !looksLikeSitemap("https://example.com/sitemap.xml", nil) {
		t.Error("sitemap.xml URL not recognized")
	}
	if !looksLikeSitemap("https://example.com/x", []byte(`<urlset xmlns="x">`)) {
		t.Error("urlset body not recognized")
	}
	if looksLikeSitemap("https://example.com/llms.txt", []byte("# docs\nhttps://example.com/a")) {
		t.Error("plain text mistaken for sitemap")
	}
}
