package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// Source supplies flag configurations.
type Source interface {
	Fetch(ctx context.Context) (Config, error)
	Name() string
}

const (
	maxHTTPErrorBodyBytes = 4096
	maxConfigBytes        = 1 << 20
	fetchTimeout          = 10 * time.Second
)

// HTTPSource fetches the flag document from a URL.
type HTTPSource struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewHTTPSource creates a source for rawURL. token, when set, is sent as a bearer token.
func NewHTTPSource(rawURL, token string) (*HTTPSource, error) {
	normalized, err := normalizeSourceURL(rawURL)
	if err != nil {
		return nil, telerrors.WrapConfigError("flag_source", rawURL, err)
	}
	return &HTTPSource{
		url:   normalized,
		token: strings.TrimSpace(token),
		httpClient: &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return fmt.Errorf("server returned redirect to %s", req.URL)
			},
		},
	}, nil
}

func normalizeSourceURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid flags URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid flags URL scheme %q: must be http or https", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", errors.New("invalid flags URL: missing host")
	}
	if parsed.User != nil {
		return "", errors.New("invalid flags URL: userinfo is not allowed")
	}
	return parsed.String(), nil
}

// Name returns the source URL.
func (s *HTTPSource) Name() string { return s.url }

// Fetch retrieves and parses the flag document. Validation is left to the loader.
func (s *HTTPSource) Fetch(ctx context.Context) (Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Config{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml")
	req.Header.Set("User-Agent", "telemetryd-flag-client")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Config{}, telerrors.WrapTransportError("fetch_flags", s.url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close flag config response body")
		}
	}()

	if resp.StatusCode >= 300 {
		return Config{}, formatHTTPStatusError(resp, s.url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBytes+1))
	if err != nil {
		return Config{}, telerrors.WrapTransportError("fetch_flags", s.url, fmt.Errorf("read body: %w", err))
	}
	if len(data) > maxConfigBytes {
		return Config{}, telerrors.WrapConfigError("fetch_flags", s.url, fmt.Errorf("flag document exceeds %d bytes", maxConfigBytes))
	}
	return ParseConfig(data)
}

func formatHTTPStatusError(resp *http.Response, target string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyBytes))
	detail := strings.TrimSpace(string(body))
	err := fmt.Errorf("responded with status %s", resp.Status)
	if detail != "" {
		err = fmt.Errorf("responded with status %s: %s", resp.Status, detail)
	}
	return telerrors.NewTelemetryError(telerrors.ErrorTypeTransport, "fetch_flags", target, err).WithStatusCode(resp.StatusCode)
}

// FileSource reads the flag document from a local YAML or JSON file.
type FileSource struct {
	path string
}

// NewFileSource creates a source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name returns the file path.
func (s *FileSource) Name() string { return s.path }

// Path returns the file path.
func (s *FileSource) Path() string { return s.path }

// Fetch reads and parses the file.
func (s *FileSource) Fetch(_ context.Context) (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Config{}, telerrors.WrapConfigError("read_flags", s.path, err)
	}
	return ParseConfig(data)
}

// StaticSource always returns the same configuration.
type StaticSource struct {
	cfg Config
}

// NewStaticSource creates a source serving cfg.
func NewStaticSource(cfg Config) *StaticSource {
	return &StaticSource{cfg: cfg.Clone()}
}

// Name returns "static".
func (s *StaticSource) Name() string { return "static" }

// Fetch returns a copy of the configuration.
func (s *StaticSource) Fetch(_ context.Context) (Config, error) {
	return s.cfg.Clone(), nil
}

// DefaultFlags is the configuration bundled with the binary. It is active until
// a source loads successfully and whenever no source is configured.
func DefaultFlags() Config {
	return Config{
		Version: "bundled",
		Flags: map[string]Flag{
			"telemetry": {
				Name:              "telemetry",
				Description:       "Client telemetry collection",
				Enabled:           true,
				RolloutPercentage: 100,
			},
			"support_chat": {
				Name:              "support_chat",
				Description:       "Embedded support chat widget",
				Enabled:           true,
				RolloutPercentage: 100,
			},
			"chat_streaming": {
				Name:              "chat_streaming",
				Description:       "Stream chat responses token by token",
				Enabled:           true,
				RolloutPercentage: 25,
				DependsOn:         []string{"support_chat"},
			},
			"cost_dashboard": {
				Name:              "cost_dashboard",
				Description:       "Internal cost monitoring dashboard",
				Enabled:           true,
				RolloutPercentage: 0,
				AllowedGroups:     []string{"admin"},
			},
			"question_insights": {
				Name:              "question_insights",
				Description:       "Question pattern analysis for support chat",
				Enabled:           false,
				RolloutPercentage: 0,
				DependsOn:         []string{"support_chat"},
			},
		},
	}
}
