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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"log/slog"

	"golang.org/x/net/html"
)

// priorityFiles are probed in order; the first hit wins.
var priorityFiles = []string{
	"llms.txt",
	"llms-full.txt",
	".well-known/ai.txt",
	".well-known/llms.txt",
	"sitemap.xml",
	"sitemap_index.xml",
	"robots.txt",
	".well-known/sitemap.xml",
}

// commonSubdirs are additional locations checked for llms.txt and
// sitemap.xml.
var commonSubdirs = []string{
	"docs", "doc", "documentation",
	"api", "static", "public", "assets",
	"sitemaps", "sitemap", "xml", "feed",
}

// knownFileExtensions identify a URL path segment as a file rather than
// a directory when deriving the seed's base directory.
var knownFileExtensions = map[string]bool{
	".html": true, ".htm": true, ".xml": true, ".json": true, ".txt": true,
	".md": true, ".csv": true, ".rss": true, ".yaml": true, ".yml": true,
	".pdf": true, ".zip": true,
}

// Discoverer probes well-known locations for crawl seed lists before a
// recursive or sitemap crawl starts.
type Discoverer struct {
	guard  *Guard
	client *http.Client
	logger *slog.Logger
}

// NewDiscoverer builds a Discoverer fetching through the guard's
// redirect-validating client.
func NewDiscoverer(guard *Guard, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{guard: guard, client: guard.HTTPClient(), logger: logger}
}

// Discover probes candidate locations for the seed and returns extra
// URLs to enqueue. Sitemap hits expand to their listed pages (one
// nesting level for index files); llms/robots hits expand to the links
// they carry. When sameDomain is set, off-domain references are logged
// and dropped rather than followed.
func (d *Discoverer) Discover(ctx context.Context, seed string, sameDomain bool) []string {
	seedDomain := Domain(seed)
	checked := make(map[string]bool)

	for _, candidate := range d.candidates(seed) {
		if checked[candidate] {
			continue
		}
		checked[candidate] = true
		if err := ctx.Err(); err != nil {
			return nil
		}

		body, err := d.fetch(ctx, candidate)
		if err != nil {
			continue
		}
		urls := d.expand(ctx, candidate, body, seedDomain, sameDomain)
		if len(urls) > 0 {
			d.logger.Info("crawl.discovery.hit", "url", candidate, "seeds", len(urls))
			recordDiscoveryHit()
			return urls
		}
	}

	// Fallback: sitemap references in the seed page's own HTML.
	if body, err := d.fetch(ctx, seed); err == nil {
		for _, ref := range sitemapRefsFromHTML(body) {
			abs, err := ResolveLink(seed, ref)
			if err != nil {
				continue
			}
			if sameDomain && Domain(abs) != seedDomain {
				d.logger.Debug("crawl.discovery.cross_domain", "url", abs)
				continue
			}
			if smBody, err := d.fetch(ctx, abs); err == nil {
				if urls := d.expandSitemap(ctx, abs, smBody, seedDomain, sameDomain); len(urls) > 0 {
					d.logger.Info("crawl.discovery.html_ref", "url", abs, "seeds", len(urls))
					recordDiscoveryHit()
					return urls
				}
			}
		}
	}
	return nil
}

// candidates builds the probe list: priority files at the origin root,
// llms/sitemap variants beside the seed path, then the common subdirs.
func (d *Discoverer) candidates(seed string) []string {
	u, err := url.Parse(seed)
	if err != nil {
		return nil
	}
	origin := u.Scheme + "://" + u.Host

	var out []string
	for _, f := range priorityFiles {
		out = append(out, origin+"/"+f)
	}
	if dir := baseDirectory(u.Path); dir != "" && dir != "/" {
		for _, f := range []string{"llms.txt", "llms-full.txt", "sitemap.xml"} {
			out = append(out, origin+dir+"/"+f)
		}
	}
	for _, sub := range commonSubdirs {
		for _, f := range []string{"llms.txt", "sitemap.xml"} {
			out = append(out, origin+"/"+sub+"/"+f)
		}
	}
	return out
}

// baseDirectory strips a trailing filename off the seed path.
func baseDirectory(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	last := path.Base(p)
	if knownFileExtensions[strings.ToLower(path.Ext(last))] {
		return path.Dir(p)
	}
	return p
}

func (d *Discoverer) fetch(ctx context.Context, raw string) ([]byte, error) {
	if err := d.guard.ValidateURL(ctx, raw); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", raw, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("fetch %s: empty body", raw)
	}
	return body, nil
}

// expand turns one discovery hit into seed URLs.
func (d *Discoverer) expand(ctx context.Context, hitURL string, body []byte, seedDomain string, sameDomain bool) []string {
	lower := strings.ToLower(hitURL)
	switch {
	case looksLikeSitemap(hitURL, body):
		return d.expandSitemap(ctx, hitURL, body, seedDomain, sameDomain)
	case strings.HasSuffix(lower, "robots.txt"):
		var out []string
		for _, sm := range SitemapURLsFromRobots(body) {
			if sameDomain && Domain(sm) != seedDomain {
				d.logger.Debug("crawl.discovery.cross_domain", "url", sm)
				continue
			}
			smBody, err := d.fetch(ctx, sm)
			if err != nil {
				continue
			}
			out = append(out, d.expandSitemap(ctx, sm, smBody, seedDomain, sameDomain)...)
		}
		return out
	default:
		// llms.txt and friends: pull out absolute links.
		return filterDomain(extractPlainLinks(string(body)), seedDomain, sameDomain)
	}
}

// expandSitemap parses sitemap XML, following index entries one level.
func (d *Discoverer) expandSitemap(ctx context.Context, smURL string, body []byte, seedDomain string, sameDomain bool) []string {
	pages, nested, err := ParseSitemap(body)
	if err != nil {
		d.logger.Debug("crawl.discovery.bad_sitemap", "url", smURL, "error", err)
		return nil
	}
	out := filterDomain(pages, seedDomain, sameDomain)
	for _, n := range filterDomain(nested, seedDomain, sameDomain) {
		nb, err := d.fetch(ctx, n)
		if err != nil {
			continue
		}
		inner, _, err := ParseSitemap(nb)
		if err != nil {
			continue
		}
		out = append(out, filterDomain(inner, seedDomain, sameDomain)...)
	}
	return out
}

func filterDomain(urls []string, seedDomain string, sameDomain bool) []string {
	out := urls[:0:0]
	for _, raw := range urls {
		norm, err := NormalizeURL(raw)
		if err != nil {
			continue
		}
		if sameDomain && Domain(norm) != seedDomain {
			continue
		}
		out = append(out, norm)
	}
	return out
}

// extractPlainLinks scans a text body (llms.txt, markdown link lists)
// for absolute http(s) URLs.
func extractPlainLinks(body string) []string {
	var out []string
	for _, field := range strings.FieldsFunc(body, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ')' || r == '<' || r == '>'
	}) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			out = append(out, strings.TrimRight(field, ".,;"))
		}
	}
	return out
}

// sitemapRefsFromHTML finds <link rel="sitemap" href> and
// <meta name="sitemap" content> references in a page.
func sitemapRefsFromHTML(body []byte) []string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			attrs := make(map[string]string, len(n.Attr))
			for _, a := range n.Attr {
				attrs[strings.ToLower(a.Key)] = a.Val
			}
			switch n.Data {
			case "link":
				for _, rel := range strings.Fields(strings.ToLower(attrs["rel"])) {
					if rel == "sitemap" && attrs["href"] != "" {
						out = append(out, attrs["href"])
					}
				}
			case "meta":
				if strings.EqualFold(attrs["name"], "sitemap") && attrs["content"] != "" {
					out = append(out, attrs["content"])
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}
