package config

import (
	"time"

	"github.com/hyperjump/qamatch/internal/models"
)

const defaultMaxRetries = 5

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		switch cfg.Embedding.Provider {
		case "onnx":
			cfg.Embedding.Dimensions = 384
		case "mock":
			cfg.Embedding.Dimensions = 64
		default:
			cfg.Embedding.Dimensions = 1536
		}
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.QueryCacheSize == 0 {
		cfg.Embedding.QueryCacheSize = 1000
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Match.Threshold == 0 {
		cfg.Match.Threshold = models.DefaultThreshold
	}
	if cfg.Match.DefaultDataset == "" && len(cfg.Datasets) > 0 {
		cfg.Match.DefaultDataset = cfg.Datasets[0].ID
	}
	if cfg.Precompute.BatchSize == 0 {
		cfg.Precompute.BatchSize = 32
	}
	if cfg.Precompute.Concurrency == 0 {
		cfg.Precompute.Concurrency = 20
	}
	if cfg.Precompute.MaxRetries == nil {
		n := defaultMaxRetries
		cfg.Precompute.MaxRetries = &n
	}
	if cfg.Precompute.InitialDelay == 0 {
		cfg.Precompute.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Precompute.MaxDelay == 0 {
		cfg.Precompute.MaxDelay = 8 * time.Second
	}
}
