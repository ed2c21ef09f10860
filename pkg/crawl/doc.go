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

// Package crawl implements the site crawl engine: a breadth-first,
// depth-limited traversal that hands fetched pages to the ingestion
// coordinator.
//
// The engine supports three modes. Single fetches only the seed URL.
// Sitemap enumerates robots.txt and any sitemaps it references and
// fetches every listed URL up to the page cap. Recursive walks the link
// graph level by level, same-domain by default, after probing a set of
// well-known discovery files (llms.txt, sitemap.xml, ...) that can seed
// the queue beyond the initial URL.
//
// Fetch dispatch is memory-adaptive: up to MaxConcurrent page fetches
// are in flight, and while process memory sits above the configured
// threshold the budget is halved until the next one-second sample.
// Every target host is resolved and checked against an SSRF policy
// before a request leaves the process.
package crawl
