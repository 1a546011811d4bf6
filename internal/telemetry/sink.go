package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// Sink receives flushed batches. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, batch *Batch) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, batch *Batch) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, batch *Batch) error {
	return f(ctx, batch)
}

const (
	// httpTimeout is the maximum time for a single batch request.
	httpTimeout = 10 * time.Second

	maxErrorBodyBytes = 1024
)

// HTTPSink posts batches as JSON. Any 2xx response is success.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a sink posting to endpoint. A nil client gets a default with a 10s timeout.
func NewHTTPSink(endpoint string, client *http.Client, headers map[string]string) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &HTTPSink{endpoint: endpoint, client: client, headers: headers}
}

// Send delivers one batch.
func (s *HTTPSink) Send(ctx context.Context, batch *Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "telemetryd/1.0")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return telerrors.WrapTransportError("send_batch", s.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return telerrors.WrapStatusError("send_batch", s.endpoint, resp.StatusCode)
	}
	return nil
}

// LogSink writes a one-line summary of every batch to the logger. It never fails.
// Used when no remote endpoint is configured.
type LogSink struct{}

// Send logs the batch.
func (LogSink) Send(_ context.Context, batch *Batch) error {
	log.Info().
		Str("batch_id", batch.ID).
		Str("session_id", batch.SessionID).
		Int("events", len(batch.Events)).
		Int("performance", len(batch.PerformanceMetrics)).
		Int("usage", len(batch.UsageMetrics)).
		Int("errors", len(batch.ErrorMetrics)).
		Msg("Telemetry batch")
	return nil
}
