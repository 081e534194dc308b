// Package assets provides read access to the static asset store that hosts
// dataset records and compact index files.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound reports that an asset does not exist in the store.
var ErrNotFound = errors.New("asset not found")

// Source opens named assets. Implementations return an error wrapping
// ErrNotFound when the asset is absent; any other error is transient.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// ReadAll reads the full content of the named asset.
func ReadAll(ctx context.Context, src Source, name string) ([]byte, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", name, err)
	}
	return data, nil
}

// IsNotFound reports whether err signals a missing asset.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid asset name %q", name)
	}
	return nil
}

// DirSource serves assets from a local directory.
type DirSource struct {
	dir string
}

// NewDirSource returns a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Dir returns the root directory.
func (s *DirSource) Dir() string { return s.dir }

// Open implements Source.
func (s *DirSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("open asset %s: %w", name, err)
	}
	return f, nil
}

// HTTPSource serves assets from a static HTTP host.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPSource returns a source fetching <baseURL>/<name>. A nil client
// gets a default one with a 30s timeout.
func NewHTTPSource(baseURL string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse asset base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("asset base url must be http or https, got %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{base: u, client: client}, nil
}

// Open implements Source. 404 and 410 map to ErrNotFound.
func (s *HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	target := s.base.ResolveReference(&url.URL{Path: name})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", name, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset %s: %w", name, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch asset %s: unexpected status %d", name, resp.StatusCode)
	}
	return resp.Body, nil
}
