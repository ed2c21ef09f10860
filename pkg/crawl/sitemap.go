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

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"strings"
)

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

type sitemapDoc struct {
	XMLName  xml.Name
	URLs     []sitemapEntry `xml:"url"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

// ParseSitemap reads a sitemap document. A urlset yields page URLs; a
// sitemapindex yields nested sitemap URLs the caller may fetch one
// level deep. Anything else is an error.
func ParseSitemap(data []byte) (pages, nested []string, err error) {
	var doc sitemapDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	for _, e := range doc.URLs {
		if loc := strings.TrimSpace(e.Loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	for _, e := range doc.Sitemaps {
		if loc := strings.TrimSpace(e.Loc); loc != "" {
			nested = append(nested, loc)
		}
	}
	return pages, nested, nil
}

// SitemapURLsFromRobots extracts Sitemap: directives from a robots.txt
// body.
func SitemapURLsFromRobots(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "sitemap") {
			continue
		}
		if v := strings.TrimSpace(value); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// looksLikeSitemap reports whether a discovery hit should be parsed as
// sitemap XML rather than as a plain link list.
func looksLikeSitemap(url string, body []byte) bool {
	if strings.Contains(strings.ToLower(url), "sitemap") && strings.HasSuffix(strings.ToLower(url), ".xml") {
		return true
	}
	head := bytes.TrimSpace(body)
	head = head[:min(len(head), 512)]
	return bytes.Contains(head, []byte("<urlset")) || bytes.Contains(head, []byte("<sitemapindex"))
}
