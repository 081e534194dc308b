package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Defaults of the hosted embedding model.
const (
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOpenAIDim   = 1536
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// ProviderID tags stored embeddings; defaults to "openai". Gateways that
	// serve a different model family should use their own id.
	ProviderID string
	APIKey     string
	// BaseURL selects an OpenAI-compatible gateway; empty uses api.openai.com.
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAIProvider calls an OpenAI-compatible embeddings endpoint.
type OpenAIProvider struct {
	client *openai.Client
	meta   Meta
	apiKey string

	// sendDimensions is set for models that accept a requested output size.
	sendDimensions bool
}

// NewOpenAIProvider builds the client. A missing API key is reported on the
// first Embed call, before any request, so status endpoints still work.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions == 0 && cfg.Model == DefaultOpenAIModel {
		cfg.Dimensions = DefaultOpenAIDim
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "openai"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		meta:   Meta{ProviderID: cfg.ProviderID, Model: cfg.Model, Dim: cfg.Dimensions},
		apiKey: cfg.APIKey,

		sendDimensions: cfg.Dimensions > 0 && strings.HasPrefix(cfg.Model, "text-embedding-3"),
	}
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if p.apiKey == "" {
		return nil, ErrMissingCredential
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.meta.Model),
	}
	if p.sendDimensions {
		req.Dimensions = p.meta.Dim
	}
	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding API call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("API returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) || out[d.Index] != nil {
			return nil, fmt.Errorf("API returned invalid embedding index %d", d.Index)
		}
		if p.meta.Dim > 0 && len(d.Embedding) != p.meta.Dim {
			return nil, fmt.Errorf("API returned dim %d, configured %d", len(d.Embedding), p.meta.Dim)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Meta implements Provider.
func (p *OpenAIProvider) Meta() Meta { return p.meta }

// Close is a no-op.
func (p *OpenAIProvider) Close() error { return nil }
