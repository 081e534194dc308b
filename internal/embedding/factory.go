package embedding

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config selects and configures a provider.
type Config struct {
	Provider       string // openai, onnx or mock
	ProviderID     string
	Model          string
	Dimensions     int
	BaseURL        string
	APIKey         string
	ModelPath      string
	MaxTokens      int
	QueryCacheSize int
	Timeout        time.Duration
}

// New builds the configured provider, wrapped in a query cache when QueryCacheSize > 0.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var p Provider
	switch cfg.Provider {
	case "", "openai":
		p = NewOpenAIProvider(OpenAIConfig{
			ProviderID: cfg.ProviderID,
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
		if cfg.APIKey == "" {
			logger.Warn("no embedding API key configured; matching and precompute will fail")
		}
	case "onnx":
		onnx, err := NewONNXProvider(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		p = onnx
	case "mock":
		p = NewMockProvider(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	m := p.Meta()
	logger.Info("embedding provider ready",
		zap.String("provider", m.ProviderID),
		zap.String("model", m.Model),
		zap.Int("dim", m.Dim))
	return NewCachedProvider(p, cfg.QueryCacheSize), nil
}
