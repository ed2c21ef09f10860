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

package metastore

import (
	"encoding/json"
	"time"
)

// DatasetScope controls a dataset's visibility.
type DatasetScope string

const (
	ScopeGlobal  DatasetScope = "global"
	ScopeProject DatasetScope = "project"
	ScopeLocal   DatasetScope = "local"
)

// Project is a top-level tenant.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Fingerprint string            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Dataset is a named partition inside a project.
type Dataset struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Name      string       `json:"name"`
	Scope     DatasetScope `json:"scope"`
	CreatedAt time.Time    `json:"created_at"`
}

// CollectionBinding maps a dataset to a physical vector collection.
type CollectionBinding struct {
	DatasetID      string    `json:"dataset_id"`
	DatasetName    string    `json:"dataset_name"`
	CollectionName string    `json:"collection_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileSnapshot is the per-file incremental-sync record.
type FileSnapshot struct {
	ProjectID    string    `json:"project_id"`
	DatasetID    string    `json:"dataset_id"`
	RelativePath string    `json:"relative_path"`
	FileHash     string    `json:"file_hash"`
	ChunkIDs     []string  `json:"chunk_ids"`
	IndexedAt    time.Time `json:"indexed_at"`
}

// ChunkRow is the denormalized chunk mirror kept beside the vector store.
type ChunkRow struct {
	ID             string          `json:"id"`
	CollectionName string          `json:"collection_name"`
	ProjectID      string          `json:"project_id"`
	DatasetID      string          `json:"dataset_id"`
	RelativePath   string          `json:"relative_path"`
	StartLine      int             `json:"start_line"`
	EndLine        int             `json:"end_line"`
	Lang           string          `json:"lang,omitempty"`
	Repo           string          `json:"repo,omitempty"`
	FileHash       string          `json:"file_hash,omitempty"`
	Symbol         json.RawMessage `json:"symbol,omitempty"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
}

// JobKind identifies what a job does.
type JobKind string

const (
	KindIngestLocal      JobKind = "ingest_local"
	KindIngestRemoteRepo JobKind = "ingest_remote_repo"
	KindCrawl            JobKind = "crawl"
	KindReindex          JobKind = "reindex"
)

// JobState is the job lifecycle state. Transitions are
// queued -> running -> {succeeded, failed, skipped, cancelled}; terminal
// states are immutable.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped, JobCancelled:
		return true
	}
	return false
}

// Job is a durable unit of work.
type Job struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	ProjectID string          `json:"project_id"`
	DatasetID string          `json:"dataset_id,omitempty"`
	State     JobState        `json:"state"`
	DedupKey  string          `json:"dedup_key"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	Phase    string  `json:"phase,omitempty"`
	Fraction float64 `json:"fraction"`
	Detail   string  `json:"detail,omitempty"`

	Error   string          `json:"error,omitempty"`
	Summary json.RawMessage `json:"summary,omitempty"`

	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CrawlSession records one crawl run.
type CrawlSession struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	DatasetID  string          `json:"dataset_id"`
	SeedURL    string          `json:"seed_url"`
	Mode       string          `json:"mode"`
	MaxPages   int             `json:"max_pages"`
	MaxDepth   int             `json:"max_depth"`
	Status     string          `json:"status"`
	Stats      json.RawMessage `json:"stats,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// WebProvenance tracks per-URL indexing history for crawl dedup.
type WebProvenance struct {
	URL            string     `json:"url"`
	Domain         string     `json:"domain"`
	ProjectID      string     `json:"project_id,omitempty"`
	DatasetID      string     `json:"dataset_id,omitempty"`
	FirstIndexedAt time.Time  `json:"first_indexed_at"`
	LastIndexedAt  time.Time  `json:"last_indexed_at"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
	ContentHash    string     `json:"content_hash"`
	Version        int        `json:"version"`
}

// Share grants read access on a dataset to another project.
type Share struct {
	DatasetID string    `json:"dataset_id"`
	ProjectID string    `json:"project_id"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectStats summarizes a project's stored state.
type ProjectStats struct {
	ProjectID   string         `json:"project_id"`
	Datasets    int            `json:"datasets"`
	Collections int            `json:"collections"`
	Files       int            `json:"files"`
	Chunks      int            `json:"chunks"`
	Pages       int            `json:"pages"`
	ByDataset   map[string]int `json:"by_dataset,omitempty"`
}

// ClearSummary reports what a clear operation removed (or would remove).
type ClearSummary struct {
	ProjectID   string   `json:"project_id"`
	Dataset     string   `json:"dataset,omitempty"`
	Collections []string `json:"collections"`
	Datasets    int      `json:"datasets"`
	Chunks      int      `json:"chunks"`
	Snapshots   int      `json:"snapshots"`
	DryRun      bool     `json:"dry_run"`
}
