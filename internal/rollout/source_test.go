package rollout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

const flagJSON = `{
  "version": "2026-10-01",
  "flags": {
    "support_chat": {"enabled": true, "rolloutPercentage": 100},
    "chat_streaming": {"enabled": true, "rolloutPercentage": 30, "dependsOn": ["support_chat"]}
  }
}`

func TestHTTPSourceFetch(t *testing.T) {
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(flagJSON))
	}))
	defer ts.Close()

	src, err := NewHTTPSource(ts.URL+"/flags", "secret")
	require.NoError(t, err)

	cfg, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "2026-10-01", cfg.Version)
	require.Len(t, cfg.Flags, 2)
	assert.Equal(t, "chat_streaming", cfg.Flags["chat_streaming"].Name)
	assert.Equal(t, []string{"support_chat"}, cfg.Flags["chat_streaming"].DependsOn)
}

func TestHTTPSourceStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusBadGateway)
	}))
	defer ts.Close()

	src, err := NewHTTPSource(ts.URL, "")
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, telerrors.ErrTransport)
	assert.Equal(t, http.StatusBadGateway, telerrors.StatusCode(err))
	assert.Contains(t, err.Error(), "maintenance")
}

func TestHTTPSourceRejectsRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer ts.Close()

	src, err := NewHTTPSource(ts.URL, "")
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, telerrors.ErrTransport)
}

func TestNewHTTPSourceValidatesURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/flags", "http://", "https://user:pw@example.com", "::"} {
		_, err := NewHTTPSource(raw, "")
		assert.ErrorIs(t, err, telerrors.ErrConfiguration, raw)
	}
}

func TestFileSourceYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	doc := `
version: v7
flags:
  promo:
    enabled: true
    rolloutPercentage: 100
    activeWindow:
      start: 2026-11-01T00:00:00Z
      end: 2026-12-01T00:00:00Z
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := NewFileSource(path).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v7", cfg.Version)
	promo := cfg.Flags["promo"]
	require.NotNil(t, promo.ActiveWindow)
	assert.True(t, promo.ActiveWindow.Start.Equal(time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)))
	assert.NoError(t, Validate(cfg.Flags))
}

func TestFileSourceMissing(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml")).Fetch(context.Background())
	assert.ErrorIs(t, err, telerrors.ErrConfiguration)
}

func TestParseConfigBareMap(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"beta": {"enabled": true, "rolloutPercentage": 5}}`))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Version)
	assert.Equal(t, 5, cfg.Flags["beta"].RolloutPercentage)
	assert.Equal(t, "beta", cfg.Flags["beta"].Name)
}

func TestParseConfigMalformed(t *testing.T) {
	_, err := ParseConfig([]byte(`flags: [not, a, map]`))
	assert.ErrorIs(t, err, telerrors.ErrConfiguration)
}

func TestStaticSourceReturnsCopies(t *testing.T) {
	src := NewStaticSource(DefaultFlags())
	a, err := src.Fetch(context.Background())
	require.NoError(t, err)
	delete(a.Flags, "telemetry")

	b, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Contains(t, b.Flags, "telemetry")
}
