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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDiscoverFindsRootSitemap(t *testing.T) {
	var srv *httptest.Server
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<urlset><url><loc>%s/docs/a</loc></url><url><loc>%s/docs/b</loc></url></urlset>`, srv.URL, srv.URL)
		default:
			http.NotFound(w, r)
		}
	}
	srv = httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	d := NewDiscoverer(&Guard{permitLocal: true}, nil)

	seeds := d.Discover(context.Background(), srv.URL+"/docs", true)
	if len(seeds) != 2 {
		t.Fatalf("seeds = %v, want 2", seeds)
	}
	for _, s := range seeds {
		if !strings.HasPrefix(s, "http://127.0.0.1") {
			t.Errorf("seed %q is off-domain", s)
		}
	}
}

func TestDiscoverLlmsTxtWinsOverSitemap(t *testing.T) {
	var srv *httptest.Server
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/llms.txt":
			fmt.Fprintf(w, "# Docs\n- [Guide](%s/guide)\n- [API](%s/api)\n", srv.URL, srv.URL)
		case "/sitemap.xml":
			fmt.Fprintf(w, `<urlset><url><loc>%s/other</loc></url></urlset>`, srv.URL)
		default:
			http.NotFound(w, r)
		}
	}
	srv = httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	d := NewDiscoverer(&Guard{permitLocal: true}, nil)

	seeds := d.Discover(context.Background(), srv.URL, true)
	if len(seeds) != 2 {
		t.Fatalf("seeds = %v, want the 2 llms.txt links", seeds)
	}
	for _, s := range seeds {
		if strings.HasSuffix(s, "/other") {
			t.Error("sitemap link returned although llms.txt has priority")
		}
	}
}

func TestDiscoverRobotsSitemapReference(t *testing.T) {
	var srv *httptest.Server
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			fmt.Fprintf(w, "User-agent: *\nSitemap: %s/deep/map.xml\n", srv.URL)
		case "/deep/map.xml":
			fmt.Fprintf(w, `<urlset><url><loc>%s/page-1</loc></url></urlset>`, srv.URL)
		default:
			http.NotFound(w, r)
		}
	}
	srv = httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	d := NewDiscoverer(&Guard{permitLocal: true}, nil)

	seeds := d.Discover(context.Background(), srv.URL, true)
	if len(seeds) != 1 || !strings.HasSuffix(seeds[0], "/page-1") {
		t.Fatalf("seeds = %v, want the robots-referenced sitemap page", seeds)
	}
}

func TestDiscoverSkipsCrossDomainSitemap(t *testing.T) {
	var srv *httptest.Server
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			fmt.Fprint(w, "Sitemap: https://elsewhere.example.org/sitemap.xml\n")
		default:
			http.NotFound(w, r)
		}
	}
	srv = httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	d := NewDiscoverer(&Guard{permitLocal: true}, nil)

	if seeds := d.Discover(context.Background(), srv.URL, true); len(seeds) != 0 {
		t.Fatalf("seeds = %v, want none; cross-domain sitemap refs are not followed", seeds)
	}
}

func TestDiscoverHTMLSitemapRef(t *testing.T) {
	var srv *httptest.Server
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/docs":
			fmt.Fprint(w, `<html><head><link rel="sitemap" href="/from-html.xml"></head><body></body></html>`)
		case "/from-html.xml":
			fmt.Fprintf(w, `<urlset><url><loc>%s/found</loc></url></urlset>`, srv.URL)
		default:
			http.NotFound(w, r)
		}
	}
	srv = httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	d := NewDiscoverer(&Guard{permitLocal: true}, nil)

	seeds := d.Discover(context.Background(), srv.URL+"/docs", true)
	if len(seeds) != 1 || !strings.HasSuffix(seeds[0], "/found") {
		t.Fatalf("seeds = %v, want the HTML-referenced sitemap page", seeds)
	}
}

func TestSitemapRefsFromHTML(t *testing.T) {
	body := `<html><head>
<link rel="stylesheet sitemap" href="/map.xml">
<meta name="Sitemap" content="/meta-map.xml">
<link rel="icon" href="/favicon.ico">
</head></html>`
	got := sitemapRefsFromHTML([]byte(body))
	if len(got) != 2 {
		t.Fatalf("refs = %v, want 2", got)
	}
}

func TestExtractPlainLinks(t *testing.T) {
	body := "# Docs\n- [A](https://example.com/a)\nPlain https://example.com/b, done.\nftp://nope\n"
	got := extractPlainLinks(body)
	if len(got) != 2 {
		t.Fatalf("links = %v, want 2", got)
	}
	if got[0] != "https://example.com/a" || got[1] != "https://example.com/b" {
		t.Errorf("unexpected links: %v", got)
	}
}
