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

package vector

import "context"

// DenseFieldName and SparseFieldName are the named vector fields every
// collection is created with. The dense field carries the encoder-family
// embedding; the sparse field is present only on hybrid collections.
const (
	DenseFieldName  = "vector"
	SparseFieldName = "sparse"
)

// SparseVector is a sparse embedding keyed by vocabulary indices.
type SparseVector struct {
	Indices []int     `json:"indices"`
	Values  []float32 `json:"values"`
}

// Payload is the metadata stored beside each point. project_id and
// dataset_id carry the isolation scope; the rest feeds citations and
// payload filters.
type Payload struct {
	ProjectID    string `json:"project_id"`
	DatasetID    string `json:"dataset_id"`
	RelativePath string `json:"relative_path"`
	StartLine    int    `json:"start_line"`
	EndLine      int    `json:"end_line"`
	Repo         string `json:"repo,omitempty"`
	Lang         string `json:"lang,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	Content      string `json:"content"`
}

// Point is one upsert unit: a chunk id, its dense embedding, an optional
// sparse embedding, and the payload.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  *SparseVector
	Payload Payload
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// Filter restricts a search to exact payload matches, plus an optional
// path-prefix condition.
type Filter struct {
	ProjectID  string
	DatasetID  string
	PathPrefix string
	Repo       string
	Lang       string
}

// SearchParams tune one search call.
type SearchParams struct {
	Filter *Filter
	TopK   int
	// Threshold drops hits whose cosine similarity falls below it. On
	// hybrid searches it is enforced through the dense leg, since fused
	// scores are rank based.
	Threshold float64
}

// Store is the vector-store capability the coordinator and the retrieval
// engine program against. Client implements it over HTTP.
type Store interface {
	EnsureCollection(ctx context.Context, name string, denseDim int, sparse bool) error
	Upsert(ctx context.Context, name string, points []Point) error
	Search(ctx context.Context, name string, dense []float32, p SearchParams) ([]ScoredPoint, error)
	HybridSearch(ctx context.Context, name string, dense []float32, sparse *SparseVector, p SearchParams) ([]ScoredPoint, error)
	DeletePoints(ctx context.Context, name string, ids []string) error
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
	PointIDs(ctx context.Context, name string) ([]string, error)
	Count(ctx context.Context, name string, f *Filter) (int, error)
	HasSparse(ctx context.Context, name string) (bool, error)
}
