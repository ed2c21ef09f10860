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

package retrieval

import "sort"

// rrfK is the reciprocal rank fusion constant.
const rrfK = 60

// fuse merges per-collection ranked lists with weighted RRF:
// score(r) = sum over lists of w_c / (rrfK + pos_c(r)), positions
// starting at 1. Lists arrive sorted by collection name; score ties
// break toward the result first seen in the earlier list, then by id.
func fuse(lists []rankedList, weights map[string]float64) []Result {
	type acc struct {
		res       Result
		firstList int
	}
	byID := make(map[string]*acc)
	var order []string

	for li, l := range lists {
		w := 1.0
		if v, ok := weights[l.target.name]; ok {
			w = v
		}
		for pos, hit := range l.hits {
			a, ok := byID[hit.ID]
			if !ok {
				a = &acc{
					res: Result{
						ID:         hit.ID,
						Collection: l.target.name,
						Dataset:    l.target.dataset,
						Payload:    hit.Payload,
					},
					firstList: li,
				}
				byID[hit.ID] = a
				order = append(order, hit.ID)
			}
			a.res.Score += w / float64(rrfK+pos+1)
		}
	}

	out := make([]Result, 0, len(order))
	idx := make(map[string]int, len(order))
	for _, id := range order {
		idx[id] = byID[id].firstList
		out = append(out, byID[id].res)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if idx[out[i].ID] != idx[out[j].ID] {
			return idx[out[i].ID] < idx[out[j].ID]
		}
		return out[i].ID < out[j].ID
	})
	return out
}
