package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// WebhookOptions tunes webhook delivery. Zero values take defaults.
type WebhookOptions struct {
	Headers    map[string]string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Client     *http.Client
}

// WebhookSender posts alerts as JSON, retrying network errors, 5xx and 429.
type WebhookSender struct {
	url      string
	headers  map[string]string
	client   *http.Client
	executor failsafe.Executor[int]
}

// WebhookPayload is the JSON body posted to webhooks. Text makes it usable as
// a chat incoming-webhook message as-is.
type WebhookPayload struct {
	Text  string `json:"text"`
	Alert Alert  `json:"alert"`
}

// NewWebhookSender creates a sender for url.
func NewWebhookSender(url string, opts WebhookOptions) *WebhookSender {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}

	policy := retrypolicy.NewBuilder[int]().
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		WithMaxRetries(opts.MaxRetries).
		HandleIf(func(_ int, err error) bool {
			return err != nil && telerrors.IsRetryableError(err)
		}).
		Build()

	return &WebhookSender{
		url:      url,
		headers:  opts.Headers,
		client:   opts.Client,
		executor: failsafe.With[int](policy),
	}
}

// Name returns "webhook".
func (s *WebhookSender) Name() string { return "webhook" }

// URL returns the destination.
func (s *WebhookSender) URL() string { return s.url }

// Send posts the alert, retrying transient failures with exponential backoff.
func (s *WebhookSender) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(WebhookPayload{Text: alert.Subject() + "\n" + alert.Message, Alert: alert})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	attempt := 0
	_, err = s.executor.WithContext(ctx).Get(func() (int, error) {
		attempt++
		status, err := s.sendOnce(ctx, payload)
		if err != nil {
			log.Debug().Err(err).Str("webhook", s.url).Int("attempt", attempt).Msg("Webhook attempt failed")
		}
		return status, err
	})
	if err != nil {
		return telerrors.WrapDispatchError("send_webhook", s.url, err)
	}
	if attempt > 1 {
		log.Info().Str("webhook", s.url).Int("attempts", attempt).Msg("Webhook succeeded after retry")
	}
	return nil
}

func (s *WebhookSender) sendOnce(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "telemetryd-alerts/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, telerrors.WrapTransportError("send_webhook", s.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, telerrors.WrapStatusError("send_webhook", s.url, resp.StatusCode)
	default:
		// Other statuses will not improve on retry.
		return resp.StatusCode, telerrors.NewTelemetryError(
			telerrors.ErrorTypeDispatch, "send_webhook", s.url,
			fmt.Errorf("webhook returned status %d", resp.StatusCode),
		).WithStatusCode(resp.StatusCode)
	}
}
