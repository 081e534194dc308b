package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qa.items.json"), []byte(`[]`), 0o644))
	src := NewDirSource(dir)
	ctx := context.Background()

	data, err := ReadAll(ctx, src, "qa.items.json")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	_, err = ReadAll(ctx, src, "missing.meta.json")
	assert.True(t, IsNotFound(err), "got %v", err)

	for _, bad := range []string{"", "../etc/passwd", "a/b", ".env"} {
		_, err := src.Open(ctx, bad)
		assert.Error(t, err, bad)
		assert.False(t, IsNotFound(err), bad)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/assets/qa.meta.json":
			_, _ = w.Write([]byte(`{"rows":1}`))
		case "/assets/gone.meta.json":
			w.WriteHeader(http.StatusGone)
		case "/assets/broken.meta.json":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL+"/assets", srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	data, err := ReadAll(ctx, src, "qa.meta.json")
	require.NoError(t, err)
	assert.Equal(t, `{"rows":1}`, string(data))

	_, err = ReadAll(ctx, src, "nope.meta.json")
	assert.True(t, IsNotFound(err))
	_, err = ReadAll(ctx, src, "gone.meta.json")
	assert.True(t, IsNotFound(err))

	_, err = ReadAll(ctx, src, "broken.meta.json")
	require.Error(t, err)
	assert.False(t, IsNotFound(err), "5xx must be transient, not absent")
}

func TestNewHTTPSource_rejectsScheme(t *testing.T) {
	_, err := NewHTTPSource("ftp://example.org", nil)
	assert.Error(t, err)
}
