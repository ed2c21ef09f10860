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

// Package bootstrap assembles the system from one configuration.
//
// Config layers compiled defaults, ~/.isle/config.yaml, an optional
// per-project .isle.yaml, and environment variables. Core wires the
// metadata store, vector store, encoders, ingestion pipeline, crawl
// engine, retrieval engine, event bus, and job queue together, and
// registers the job handlers for every job kind. The CLI and the serve
// API both run on top of a Core.
//
//	cfg, err := bootstrap.Load("")
//	if err != nil { ... }
//	core, err := bootstrap.New(cfg, logger)
//	if err != nil { ... }
//	defer core.Close()
//	if err := core.Start(ctx); err != nil { ... }
package bootstrap
