// Package config provides configuration loading and structs for the qamatch server and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/precompute"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Assets     AssetsConfig     `yaml:"assets"`
	Cache      CacheConfig      `yaml:"cache"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Match      MatchConfig      `yaml:"match"`
	Datasets   []DatasetConfig  `yaml:"datasets"`
	Precompute PrecomputeConfig `yaml:"precompute"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AssetsConfig locates the static asset store: a local directory or a base URL.
type AssetsConfig struct {
	Dir          string        `yaml:"dir"`
	BaseURL      string        `yaml:"base_url"`
	ReprobeAfter time.Duration `yaml:"reprobe_after"` // 0 keeps absent indexes absent until invalidated
	Watch        bool          `yaml:"watch"`
}

// CacheConfig holds the durable embedding cache. An empty DatabasePath keeps
// the cache in memory.
type CacheConfig struct {
	DatabasePath   string `yaml:"database_path"`
	MemoryCapacity int    `yaml:"memory_capacity"` // bytes, 0 = unlimited
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider       string        `yaml:"provider"` // openai, onnx or mock
	ProviderID     string        `yaml:"provider_id"`
	Model          string        `yaml:"model"`
	Dimensions     int           `yaml:"dimensions"`
	BaseURL        string        `yaml:"base_url"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	ModelPath      string        `yaml:"model_path"`
	MaxTokens      int           `yaml:"max_tokens"`
	QueryCacheSize int           `yaml:"query_cache_size"`
	Timeout        time.Duration `yaml:"timeout"`
}

// MatchConfig holds matcher settings.
type MatchConfig struct {
	Enabled        *bool   `yaml:"enabled"`
	Threshold      float64 `yaml:"threshold"`
	DefaultDataset string  `yaml:"default_dataset"`
}

// EnabledOrDefault returns whether matching is enabled; defaults to true when unset.
func (m *MatchConfig) EnabledOrDefault() bool {
	if m.Enabled != nil {
		return *m.Enabled
	}
	return true
}

// DatasetConfig names a dataset and optionally bundles its records.
type DatasetConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	RecordsFile string `yaml:"records_file"`
}

// PrecomputeConfig tunes batch embedding runs.
type PrecomputeConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	MaxRetries        *int          `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// Retries returns the configured retry count; defaults to 5 when unset.
func (p *PrecomputeConfig) Retries() int {
	if p.MaxRetries != nil {
		return *p.MaxRetries
	}
	return defaultMaxRetries
}

// Refs returns the configured datasets with display names.
func (c *Config) Refs() []models.DatasetRef {
	refs := make([]models.DatasetRef, 0, len(c.Datasets))
	for _, d := range c.Datasets {
		refs = append(refs, models.DatasetRef{ID: d.ID, Name: d.Name})
	}
	return refs
}

// Load reads and parses the config file at path, expands paths, applies defaults and validates.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Assets.Dir = expandPath(cfg.Assets.Dir, configDir)
	cfg.Cache.DatabasePath = expandPath(cfg.Cache.DatabasePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	for i := range cfg.Datasets {
		cfg.Datasets[i].RecordsFile = expandPath(cfg.Datasets[i].RecordsFile, configDir)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the components cannot work with.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Assets.Dir != "" && cfg.Assets.BaseURL != "" {
		errs = append(errs, errors.New("assets: set either dir or base_url, not both"))
	}
	if cfg.Assets.ReprobeAfter < 0 {
		errs = append(errs, errors.New("assets.reprobe_after must not be negative"))
	}
	if cfg.Assets.Watch && cfg.Assets.Dir == "" {
		errs = append(errs, errors.New("assets.watch requires assets.dir"))
	}
	switch cfg.Embedding.Provider {
	case "openai", "mock":
	case "onnx":
		if cfg.Embedding.ModelPath == "" {
			errs = append(errs, errors.New("embedding.model_path is required for the onnx provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not one of openai, onnx, mock", cfg.Embedding.Provider))
	}
	if cfg.Embedding.Dimensions < 0 {
		errs = append(errs, errors.New("embedding.dimensions must not be negative"))
	}
	if err := models.ValidateThreshold(cfg.Match.Threshold); err != nil {
		errs = append(errs, fmt.Errorf("match.threshold: %w", err))
	}
	seen := make(map[string]bool, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		if err := models.ValidateDatasetID(d.ID); err != nil {
			errs = append(errs, fmt.Errorf("datasets: %w", err))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("datasets: duplicate id %q", d.ID))
		}
		seen[d.ID] = true
	}
	if cfg.Match.DefaultDataset != "" && len(cfg.Datasets) > 0 && !seen[cfg.Match.DefaultDataset] {
		errs = append(errs, fmt.Errorf("match.default_dataset %q is not configured", cfg.Match.DefaultDataset))
	}
	if cfg.Precompute.Retries() < 0 {
		errs = append(errs, errors.New("precompute.max_retries must not be negative"))
	}
	if cfg.Precompute.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("precompute.requests_per_second must not be negative"))
	}
	if cfg.Precompute.InitialDelay > cfg.Precompute.MaxDelay {
		errs = append(errs, errors.New("precompute.initial_delay exceeds max_delay"))
	}
	return errors.Join(errs...)
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

// Options converts the section into precompute run options.
func (p *PrecomputeConfig) Options() precompute.Options {
	return precompute.Options{
		BatchSize:         p.BatchSize,
		Concurrency:       p.Concurrency,
		MaxRetries:        p.Retries(),
		InitialDelay:      p.InitialDelay,
		MaxDelay:          p.MaxDelay,
		RequestsPerSecond: p.RequestsPerSecond,
	}
}
