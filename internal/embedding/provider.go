// Package embedding provides text embedding providers and a query embedding cache.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ErrMissingCredential is returned when a provider needs an API key that is not configured.
var ErrMissingCredential = errors.New("embedding provider credential missing")

// Meta identifies the embedding space a provider produces. Embeddings are
// only comparable when ProviderID and Dim agree.
type Meta struct {
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
	Dim        int    `json:"dim"`
}

// Provider turns texts into embeddings, one vector per text in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Meta() Meta
	Close() error
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("provider returned %d embeddings for 1 text", len(vecs))
	}
	return vecs[0], nil
}

// HTTPError is a provider failure with an HTTP status.
type HTTPError struct {
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("embedding request failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("embedding request failed: %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status of a provider error, if it carries one.
// Errors from the go-openai client are recognised.
func StatusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode > 0 {
		return httpErr.StatusCode, true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

// Retryable reports whether a provider error is worth retrying: errors with
// no status (network), 429 and 5xx. Missing credentials never are.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrMissingCredential) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code, ok := StatusCode(err)
	if !ok {
		return true
	}
	return code == http.StatusTooManyRequests || code >= 500
}
