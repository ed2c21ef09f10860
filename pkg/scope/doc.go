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

// Package scope derives deterministic (project, dataset) scopes from
// filesystem paths, Git remotes, and crawl URLs.
//
// Every locator maps to a stable project id of the form
//
//	{prefix8}-{slug}-{suffix8}
//
// where the prefix and suffix are Base58-encoded SHA-256 digests of the
// normalized locator and slug is its sanitized basename. The same locator
// always yields the same id; distinct locators yield distinct ids, with a
// salted retry loop covering the (vanishingly rare) digest collision.
//
// The package also owns the auto-scope config file at
// ~/.context/auto-scope.json, which can pin paths to explicit scopes and
// records a resolution history.
package scope
