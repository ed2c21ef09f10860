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
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/kraklabs/isle/internal/bootstrap"
	"github.com/kraklabs/isle/internal/errors"
	"github.com/kraklabs/isle/internal/ui"
	"github.com/kraklabs/isle/pkg/bus"
	"github.com/kraklabs/isle/pkg/ingest"
	"github.com/kraklabs/isle/pkg/jobs"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/retrieval"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// runServe runs the HTTP API, WebSocket event stream, and /metrics.
func runServe(args []string, g GlobalFlags) {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (default: config listen_addr)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle serve [options]

Runs the isle daemon: job submission over HTTP, live events over
WebSocket at /ws, Prometheus metrics at /metrics. Jobs submitted here
run on the daemon's queue, so CLI commands and API clients share one
view of the world.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	core := newCore(g)
	defer core.Close()

	listen := *addr
	if listen == "" {
		listen = core.Config.ListenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		errors.FatalError(errors.NewInternalError("Cannot start job queue", err.Error(), "", err), g.JSON)
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           newAPIRouter(core, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	if !g.Quiet {
		ui.Infof("listening on http://%s", listen)
	}
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		errors.FatalError(errors.NewInternalError("Server failed", err.Error(), "Is the address already in use?", err), g.JSON)
	}
}

// apiServer carries the handlers' shared state.
type apiServer struct {
	core   *bootstrap.Core
	logger *slog.Logger
	wsUp   websocket.Upgrader
}

// newAPIRouter builds the daemon's route table.
func newAPIRouter(core *bootstrap.Core, logger *slog.Logger) http.Handler {
	s := &apiServer{
		core:   core,
		logger: logger,
		wsUp: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The daemon binds to loopback by default; origin checks
			// are the deployment's concern once it is exposed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/ingest/local", s.handleIngestLocal)
		r.Post("/ingest/repo", s.handleIngestRepo)
		r.Post("/reindex", s.handleReindex)
		r.Post("/crawl", s.handleCrawl)
		r.Post("/query", s.handleQuery)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/projects/{id}/stats", s.handleProjectStats)
		r.Delete("/projects/{id}", s.handleClearProject)
		r.Get("/scope", s.handleScope)
	})
	r.Get("/ws", s.handleWS)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	return r
}

// jobAccepted is the 202 body for every job-submitting endpoint.
type jobAccepted struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

func (s *apiServer) handleIngestLocal(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if !decodeBody(w, r, &req) {
		return
	}
	s.acceptJob(w, r, func(ctx context.Context) (*metastore.Job, error) {
		return s.core.EnqueueIngestLocal(ctx, req)
	})
}

func (s *apiServer) handleIngestRepo(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if !decodeBody(w, r, &req) {
		return
	}
	s.acceptJob(w, r, func(ctx context.Context) (*metastore.Job, error) {
		return s.core.EnqueueIngestRepo(ctx, req)
	})
}

func (s *apiServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if !decodeBody(w, r, &req) {
		return
	}
	s.acceptJob(w, r, func(ctx context.Context) (*metastore.Job, error) {
		return s.core.EnqueueReindex(ctx, req)
	})
}

func (s *apiServer) handleCrawl(w http.ResponseWriter, r *http.Request) {
	var req bootstrap.CrawlRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.acceptJob(w, r, func(ctx context.Context) (*metastore.Job, error) {
		return s.core.EnqueueCrawl(ctx, req)
	})
}

// acceptJob enqueues and answers 202. A duplicate submission answers
// 202 with the existing job so clients can blindly retry.
func (s *apiServer) acceptJob(w http.ResponseWriter, r *http.Request, enqueue func(ctx context.Context) (*metastore.Job, error)) {
	job, err := enqueue(r.Context())
	if err != nil && !stderrors.Is(err, jobs.ErrDuplicateJob) {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID, State: string(job.State)})
}

func (s *apiServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.core.Retrieval.Search(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []metastore.JobState
	for _, v := range strings.Split(r.URL.Query().Get("state"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			states = append(states, metastore.JobState(v))
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.core.Meta.ListJobs(r.Context(), r.URL.Query().Get("project"), states, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.core.Meta.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.core.Queue.Cancel(r.Context(), id); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, jobAccepted{JobID: id, State: string(metastore.JobCancelled)})
}

func (s *apiServer) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.Meta.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *apiServer) handleClearProject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dryRun, _ := strconv.ParseBool(q.Get("dry_run"))
	sum, err := s.core.Clear(r.Context(), chi.URLParam(r, "id"), q.Get("dataset"), dryRun)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *apiServer) handleScope(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("locator")
	if locator == "" {
		respondError(w, http.StatusBadRequest, stderrors.New("locator query parameter required"))
		return
	}
	sc, err := s.core.ResolveScope(r.Context(), locator)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Meta.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// wsWriteTimeout bounds a single event write; a stuck client gets
// disconnected rather than backing up the bridge.
const wsWriteTimeout = 10 * time.Second

// handleWS bridges the event bus onto a WebSocket. ?project= scopes the
// stream to one project; ?topics= is a comma-separated event-type list.
func (s *apiServer) handleWS(w http.ResponseWriter, r *http.Request) {
	filter := bus.Filter{Project: r.URL.Query().Get("project")}
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.Topics = append(filter.Topics, bus.EventType(t))
		}
	}

	conn, err := s.wsUp.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.core.Bus.Subscribe(filter)
	defer sub.Close()

	// Reader goroutine: we never expect client messages, but reading
	// is what surfaces close frames and dead peers.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events() {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, err error) {
	respondJSON(w, code, map[string]string{"error": err.Error()})
}
