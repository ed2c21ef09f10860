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
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DirName is the per-user state directory under $HOME.
const DirName = ".isle"

// ProjectFileName is the optional per-project overlay looked up at the
// root of an ingested source tree.
const ProjectFileName = ".isle.yaml"

// Config is every tunable the core consumes. Values resolve in three
// layers: compiled defaults, then the YAML config file, then
// environment variables.
type Config struct {
	// MetaPath is the SQLite metadata store. Empty resolves to
	// ~/.isle/meta.db at load time.
	MetaPath string `yaml:"meta_path,omitempty"`

	// Service endpoints. An empty encoder URL selects the deterministic
	// in-process mock, which keeps offline development working.
	VectorURL        string `yaml:"vector_url,omitempty"`
	CodeEncoderURL   string `yaml:"code_encoder_url,omitempty"`
	TextEncoderURL   string `yaml:"text_encoder_url,omitempty"`
	SparseEncoderURL string `yaml:"sparse_encoder_url,omitempty"`
	RerankerURL      string `yaml:"reranker_url,omitempty"`
	FetcherURL       string `yaml:"fetcher_url,omitempty"`

	CodeDim int `yaml:"code_dim,omitempty"`
	TextDim int `yaml:"text_dim,omitempty"`

	EmbeddingConcurrency         int `yaml:"embedding_concurrency,omitempty"`
	EmbeddingBatchSizePerRequest int `yaml:"embedding_batch_size_per_request,omitempty"`

	EnableHybridSearch bool `yaml:"enable_hybrid_search"`
	EnableReranking    bool `yaml:"enable_reranking"`
	RerankInitialK     int  `yaml:"rerank_initial_k,omitempty"`

	HybridDenseWeight  float64 `yaml:"hybrid_dense_weight,omitempty"`
	HybridSparseWeight float64 `yaml:"hybrid_sparse_weight,omitempty"`

	CrawlBatchSize         int `yaml:"crawl_batch_size,omitempty"`
	CrawlMaxConcurrent     int `yaml:"crawl_max_concurrent,omitempty"`
	MemoryThresholdPercent int `yaml:"memory_threshold_percent,omitempty"`

	AutoScopeEnabled       bool `yaml:"auto_scope_enabled"`
	EnableSymbolExtraction bool `yaml:"enable_symbol_extraction"`

	// ListenAddr is the serve verb's bind address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		VectorURL:        "http://localhost:6333",
		CodeEncoderURL:   "",
		TextEncoderURL:   "",
		SparseEncoderURL: "",
		RerankerURL:      "",
		FetcherURL:       "http://localhost:11235",

		CodeDim: 768,
		TextDim: 768,

		EmbeddingConcurrency:         16,
		EmbeddingBatchSizePerRequest: 32,

		EnableHybridSearch: false,
		EnableReranking:    false,
		RerankInitialK:     150,

		HybridDenseWeight:  0.6,
		HybridSparseWeight: 0.4,

		CrawlBatchSize:         50,
		CrawlMaxConcurrent:     10,
		MemoryThresholdPercent: 80,

		AutoScopeEnabled:       true,
		EnableSymbolExtraction: true,

		ListenAddr: "127.0.0.1:7800",
	}
}

// DefaultPath returns ~/.isle/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

// Load reads the config file at path (missing file is not an error),
// layers environment overrides on top of the defaults, and resolves
// MetaPath. An empty path uses DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus env only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.MetaPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve meta path: %w", err)
		}
		cfg.MetaPath = filepath.Join(home, DirName, "meta.db")
	}
	return cfg, nil
}

// MergeProjectFile overlays the per-project .isle.yaml found in dir, if
// any. Environment variables still win: callers merge before applyEnv
// has any competing source, so re-apply them here.
func (c *Config) MergeProjectFile(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, ProjectFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", ProjectFileName, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", ProjectFileName, err)
	}
	c.applyEnv()
	return nil
}

// Write persists the config as YAML, creating parent directories.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envString("ISLE_META_PATH", &c.MetaPath)
	envString("ISLE_VECTOR_URL", &c.VectorURL)
	envString("ISLE_CODE_ENCODER_URL", &c.CodeEncoderURL)
	envString("ISLE_TEXT_ENCODER_URL", &c.TextEncoderURL)
	envString("ISLE_SPARSE_ENCODER_URL", &c.SparseEncoderURL)
	envString("ISLE_RERANKER_URL", &c.RerankerURL)
	envString("ISLE_FETCHER_URL", &c.FetcherURL)
	envString("ISLE_LISTEN_ADDR", &c.ListenAddr)

	envInt("EMBEDDING_CONCURRENCY", &c.EmbeddingConcurrency)
	envInt("EMBEDDING_BATCH_SIZE_PER_REQUEST", &c.EmbeddingBatchSizePerRequest)
	envBool("ENABLE_HYBRID_SEARCH", &c.EnableHybridSearch)
	envBool("ENABLE_RERANKING", &c.EnableReranking)
	envInt("RERANK_INITIAL_K", &c.RerankInitialK)
	envFloat("HYBRID_DENSE_WEIGHT", &c.HybridDenseWeight)
	envFloat("HYBRID_SPARSE_WEIGHT", &c.HybridSparseWeight)
	envInt("CRAWL_BATCH_SIZE", &c.CrawlBatchSize)
	envInt("CRAWL_MAX_CONCURRENT", &c.CrawlMaxConcurrent)
	envInt("MEMORY_THRESHOLD_PERCENT", &c.MemoryThresholdPercent)
	envBool("AUTO_SCOPE_ENABLED", &c.AutoScopeEnabled)
	envBool("ENABLE_SYMBOL_EXTRACTION", &c.EnableSymbolExtraction)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = f
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = b
}
