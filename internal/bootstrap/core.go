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

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/kraklabs/isle/pkg/bus"
	"github.com/kraklabs/isle/pkg/crawl"
	"github.com/kraklabs/isle/pkg/embed"
	"github.com/kraklabs/isle/pkg/ingest"
	"github.com/kraklabs/isle/pkg/jobs"
	"github.com/kraklabs/isle/pkg/metastore"
	"github.com/kraklabs/isle/pkg/retrieval"
	"github.com/kraklabs/isle/pkg/scope"
	"github.com/kraklabs/isle/pkg/vector"
)

// Core is the assembled system: every long-lived component wired
// together according to one Config. The CLI and the serve API are thin
// layers over it.
type Core struct {
	Config *Config
	Logger *slog.Logger

	Meta      *metastore.Store
	Vectors   vector.Store
	Router    *embed.Router
	Generator *embed.Generator
	Pipeline  *ingest.Pipeline
	Retrieval *retrieval.Engine
	Resolver  *scope.Resolver
	Queue     *jobs.Queue
	Bus       *bus.Bus

	reconciler *ingest.Reconciler
	fetcher    crawl.Fetcher
	guard      *crawl.Guard

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// Option adjusts construction, mainly so tests can swap service clients
// for in-process fakes.
type Option func(*Core)

// WithVectorStore replaces the HTTP vector client.
func WithVectorStore(s vector.Store) Option {
	return func(c *Core) { c.Vectors = s }
}

// WithRouter replaces the dense encoder router.
func WithRouter(r *embed.Router) Option {
	return func(c *Core) { c.Router = r }
}

// WithFetcher replaces the crawl page fetcher.
func WithFetcher(f crawl.Fetcher) Option {
	return func(c *Core) { c.fetcher = f }
}

// New assembles a Core from cfg. Nothing is started; call Start for
// the queue and the background reconciler.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetaPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve meta path: %w", err)
		}
		cfg.MetaPath = filepath.Join(home, DirName, "meta.db")
	}

	c := &Core{
		Config: cfg,
		Logger: logger,
		Bus:    bus.New(),
		guard:  crawl.NewGuard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MetaPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	meta, err := metastore.Open(cfg.MetaPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	c.Meta = meta

	if c.Vectors == nil {
		c.Vectors = vector.NewClient(cfg.VectorURL,
			vector.WithHybridWeights(cfg.HybridDenseWeight, cfg.HybridSparseWeight))
	}
	if c.Router == nil {
		c.Router = &embed.Router{
			Code: denseEncoder(cfg.CodeEncoderURL, embed.FamilyCode, cfg.CodeDim, logger),
			Text: denseEncoder(cfg.TextEncoderURL, embed.FamilyText, cfg.TextDim, logger),
		}
	}
	if c.fetcher == nil {
		c.fetcher = crawl.NewHTTPFetcher(cfg.FetcherURL, c.guard, logger)
	}

	c.Generator = embed.NewGenerator(c.Router, logger)
	c.Generator.SetConcurrency(cfg.EmbeddingConcurrency)
	c.Generator.SetBatchSize(cfg.EmbeddingBatchSizePerRequest)

	var sparse *embed.SparseEncoder
	if cfg.EnableHybridSearch && cfg.SparseEncoderURL != "" {
		sparse = embed.NewSparseEncoder(cfg.SparseEncoderURL, logger)
		c.Generator.SetSparse(sparse)
	}

	c.Pipeline = ingest.NewPipeline(meta, c.Vectors, c.Generator, c.Router, logger)
	c.Pipeline.SetHybrid(cfg.EnableHybridSearch)
	c.Pipeline.SetSymbolExtraction(cfg.EnableSymbolExtraction)

	c.Retrieval = retrieval.NewEngine(meta, c.Vectors, c.Router, logger)
	c.Retrieval.SetEvents(c.Bus)
	if sparse != nil {
		c.Retrieval.SetSparse(sparse)
	}
	if cfg.EnableReranking && cfg.RerankerURL != "" {
		c.Retrieval.SetReranker(embed.NewReranker(cfg.RerankerURL, logger))
		c.Retrieval.SetRerankInitialK(cfg.RerankInitialK)
	}

	c.Resolver = scope.NewResolver(meta.ProjectConflicts)
	c.reconciler = ingest.NewReconciler(meta, c.Vectors, logger)

	c.Queue = jobs.NewQueue(meta, c.Bus)
	c.registerHandlers()

	logger.Info("bootstrap.core.ready",
		"meta_path", cfg.MetaPath,
		"vector_url", cfg.VectorURL,
		"hybrid", cfg.EnableHybridSearch,
		"rerank", cfg.EnableReranking,
	)
	return c, nil
}

// denseEncoder picks the HTTP encoder, or the deterministic mock when
// no endpoint is configured.
func denseEncoder(baseURL string, family embed.Family, dim int, logger *slog.Logger) embed.DenseEncoder {
	if baseURL == "" {
		return embed.NewMock(dim)
	}
	return embed.NewHTTPEncoder(baseURL, family, dim, logger)
}

// Start launches the job queue (including the orphan sweep) and the
// hourly index reconciler. It returns immediately.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("core already started")
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.Queue.Start(ctx); err != nil {
		return err
	}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(ingest.DefaultSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reconciler.Sweep(ctx)
			}
		}
	}()
	return nil
}

// Close stops background work and releases the stores. Safe to call
// without a prior Start.
func (c *Core) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.Queue.Wait()
		<-done
	}
	c.Bus.Close()
	return c.Meta.Close()
}

// ResolveScope derives the (project, dataset) pair for a locator,
// dispatching on its shape: URLs resolve as crawl seeds, Git remotes as
// repositories, everything else as local paths. Auto-scope overrides
// apply to local paths when enabled.
func (c *Core) ResolveScope(ctx context.Context, locator string) (scope.Scope, error) {
	switch {
	case strings.HasPrefix(locator, "git@"), strings.HasSuffix(locator, ".git"):
		return c.Resolver.ResolveRemoteRepo(ctx, locator)
	case strings.Contains(locator, "://"):
		if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
			return c.Resolver.ResolveCrawl(ctx, locator)
		}
		return c.Resolver.ResolveRemoteRepo(ctx, locator)
	default:
		return c.ResolveLocal(ctx, locator)
	}
}

// ResolveLocal resolves a filesystem path, honoring persisted
// auto-scope overrides and recording history when configured.
func (c *Core) ResolveLocal(ctx context.Context, path string) (scope.Scope, error) {
	if !c.Config.AutoScopeEnabled {
		return scope.Scope{}, fmt.Errorf("auto scope disabled: pass --project and --dataset explicitly")
	}

	var override *scope.Override
	auto, err := loadAutoScope()
	if err != nil {
		c.Logger.Warn("bootstrap.autoscope.load", "error", err)
	}
	norm, normErr := scope.NormalizeLocalPath(path)
	if auto != nil && auto.Enabled && normErr == nil {
		override = auto.OverrideFor(norm)
	}

	s, err := c.Resolver.ResolveLocal(ctx, path, override)
	if err != nil {
		return scope.Scope{}, err
	}
	if auto != nil && auto.Enabled && auto.AutoSave && normErr == nil && s.Source == scope.SourceDetected {
		auto.RecordResolution(norm, s)
		if err := auto.Save(); err != nil {
			c.Logger.Warn("bootstrap.autoscope.save", "error", err)
		}
	}
	return s, nil
}

func loadAutoScope() (*scope.AutoScope, error) {
	path, err := scope.DefaultAutoScopePath()
	if err != nil {
		return nil, err
	}
	return scope.LoadAutoScope(path)
}

// Clear removes a project's (or one dataset's) indexed data from both
// stores. Vector collections are dropped after the metadata rows so a
// crash leaves orphans the reconciler can find, never dangling
// metadata.
func (c *Core) Clear(ctx context.Context, projectID, dataset string, dryRun bool) (*metastore.ClearSummary, error) {
	sum, err := c.Meta.Clear(ctx, projectID, dataset, dryRun)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return sum, nil
	}
	for _, coll := range sum.Collections {
		if err := c.Vectors.DeleteCollection(ctx, coll); err != nil {
			c.Logger.Warn("bootstrap.clear.collection", "collection", coll, "error", err)
		}
	}
	c.Logger.Info("bootstrap.clear.done",
		"project_id", projectID, "dataset", dataset,
		"collections", len(sum.Collections), "chunks", sum.Chunks,
	)
	return sum, nil
}
