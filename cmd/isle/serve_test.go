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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kraklabs/isle/internal/bootstrap"
	isletest "github.com/kraklabs/isle/internal/testing"
	"github.com/kraklabs/isle/pkg/bus"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/retrieval"
	"github.com/stretchr/testify/require"
)

// newTestServer assembles a core on fakes and serves its API over
// httptest. With startQueue false, submitted jobs stay queued so tests
// can observe the pre-run states.
func newTestServer(t *testing.T, startQueue bool) (*httptest.Server, *bootstrap.Core) {
	t.Helper()

	cfg := bootstrap.Default()
	cfg.MetaPath = filepath.Join(t.TempDir(), "meta.db")

	core, err := bootstrap.New(cfg, nil,
		bootstrap.WithVectorStore(isletest.NewFakeVectorStore()),
		bootstrap.WithRouter(isletest.NewRouter(8, 6)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	if startQueue {
		core.Queue.SetPollInterval(10 * time.Millisecond)
		require.NoError(t, core.Start(context.Background()))
	}

	srv := httptest.NewServer(newAPIRouter(core, nil))
	t.Cleanup(srv.Close)
	return srv, core
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func waitJobAPI(t *testing.T, base, id string) metastore.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var job metastore.Job
		code := getJSON(t, base+"/api/jobs/"+id, &job)
		require.Equal(t, http.StatusOK, code)
		if job.State.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return metastore.Job{}
}

func TestAPIIngestAndQuery(t *testing.T) {
	srv, _ := newTestServer(t, true)

	dir := t.TempDir()
	src := "package main\n\n// Greet prints a greeting.\nfunc Greet() {\n\tprintln(\"hello\")\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(src), 0o644))

	var acc jobAccepted
	code := postJSON(t, srv.URL+"/api/ingest/local", map[string]any{
		"path":       dir,
		"project_id": "demo",
		"dataset":    "local",
	}, &acc)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, acc.JobID)

	job := waitJobAPI(t, srv.URL, acc.JobID)
	require.Equal(t, metastore.JobSucceeded, job.State, "error: %s", job.Error)

	var resp retrieval.Response
	code = postJSON(t, srv.URL+"/api/query", retrieval.Request{
		Query:     "greeting function",
		ProjectID: "demo",
	}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, resp.Results)

	var stats metastore.ProjectStats
	code = getJSON(t, srv.URL+"/api/projects/demo/stats", &stats)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, stats.Files)
	require.Greater(t, stats.Chunks, 0)
}

func TestAPIDuplicateSubmissionAttaches(t *testing.T) {
	srv, _ := newTestServer(t, false)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))

	body := map[string]any{"path": dir, "project_id": "demo", "dataset": "local"}
	var first, second jobAccepted
	require.Equal(t, http.StatusAccepted, postJSON(t, srv.URL+"/api/ingest/local", body, &first))
	require.Equal(t, http.StatusAccepted, postJSON(t, srv.URL+"/api/ingest/local", body, &second))
	require.Equal(t, first.JobID, second.JobID)
}

func TestAPIValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var errResp map[string]string
	code := postJSON(t, srv.URL+"/api/ingest/local", map[string]any{"path": "/tmp/x"}, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	require.NotEmpty(t, errResp["error"])

	code = postJSON(t, srv.URL+"/api/crawl", map[string]any{
		"project_id": "demo",
		"dataset":    "crawl-example-com",
		"mode":       "teleport",
		"seed":       "http://203.0.113.10/",
	}, &errResp)
	require.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, srv.URL+"/api/scope", &errResp)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAPIScope(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var sc struct {
		ProjectID string `json:"project_id"`
		Dataset   string `json:"dataset"`
	}
	code := getJSON(t, srv.URL+"/api/scope?locator=https://github.com/acme/widget.git", &sc)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "github-acme-widget", sc.Dataset)
	require.True(t, strings.HasPrefix(sc.ProjectID, "widget-"), "project = %s", sc.ProjectID)
}

func TestAPIJobsListAndCancel(t *testing.T) {
	srv, _ := newTestServer(t, false)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))

	var acc jobAccepted
	postJSON(t, srv.URL+"/api/ingest/local", map[string]any{
		"path": dir, "project_id": "demo", "dataset": "local",
	}, &acc)

	var list []metastore.Job
	code := getJSON(t, srv.URL+"/api/jobs?project=demo&state=queued", &list)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list, 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+acc.JobID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	job := waitJobAPI(t, srv.URL, acc.JobID)
	require.Equal(t, metastore.JobCancelled, job.State)
}

func TestAPIHealthz(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var body map[string]string
	code := getJSON(t, srv.URL+"/healthz", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestWSStreamsJobEvents(t *testing.T) {
	srv, _ := newTestServer(t, true)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topics=job.state"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n\nfunc A() {}\n"), 0o644))

	var acc jobAccepted
	postJSON(t, srv.URL+"/api/ingest/local", map[string]any{
		"path": dir, "project_id": "demo", "dataset": "local",
	}, &acc)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	sawTerminal := false
	for !sawTerminal {
		var ev struct {
			Type    bus.EventType `json:"type"`
			Payload struct {
				JobID string `json:"job_id"`
				State string `json:"state"`
			} `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, bus.EventJobState, ev.Type)
		if ev.Payload.JobID == acc.JobID && metastore.JobState(ev.Payload.State).Terminal() {
			sawTerminal = true
		}
	}
}

func TestAPIClearProject(t *testing.T) {
	srv, _ := newTestServer(t, true)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n\nfunc A() {}\n"), 0o644))

	var acc jobAccepted
	postJSON(t, srv.URL+"/api/ingest/local", map[string]any{
		"path": dir, "project_id": "demo", "dataset": "local",
	}, &acc)
	job := waitJobAPI(t, srv.URL, acc.JobID)
	require.Equal(t, metastore.JobSucceeded, job.State, "error: %s", job.Error)

	var dry metastore.ClearSummary
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/projects/demo?dry_run=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dry))
	resp.Body.Close()
	require.True(t, dry.DryRun)
	require.NotEmpty(t, dry.Collections)

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/projects/demo", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats metastore.ProjectStats
	getJSON(t, srv.URL+"/api/projects/demo/stats", &stats)
	require.Zero(t, stats.Chunks)
}

func TestShortID(t *testing.T) {
	for _, tt := range []struct{ in, want string }{
		{"0198c2f4-abcd-7000-8000-000000000000", "0198c2f4"},
		{"short", "short"},
		{"", ""},
	} {
		if got := shortID(tt.in); got != tt.want {
			t.Errorf("shortID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
