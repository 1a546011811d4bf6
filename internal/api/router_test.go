package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rcourtman/telemetry-control/internal/cost"
	"github.com/rcourtman/telemetry-control/internal/notifications"
	"github.com/rcourtman/telemetry-control/internal/rollout"
	"github.com/rcourtman/telemetry-control/internal/telemetry"
	"github.com/rcourtman/telemetry-control/internal/websocket"
)

type testEnv struct {
	handler http.Handler
	deps    Deps
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	bufCfg := telemetry.DefaultConfig()
	bufCfg.Clock = clock
	bufCfg.SessionID = "server-session"
	buf := telemetry.New(bufCfg, telemetry.SinkFunc(func(context.Context, *telemetry.Batch) error { return nil }))

	flags := rollout.NewService(rollout.ServiceConfig{
		Defaults: rollout.Config{
			Version: "test-1",
			Flags: map[string]rollout.Flag{
				"chat":  {Name: "chat", Enabled: true, RolloutPercentage: 100},
				"admin": {Name: "admin", Enabled: true, RolloutPercentage: 0, AllowedGroups: []string{"admin"}},
			},
		},
		Clock: clock,
	})

	monitor := cost.NewMonitor(cost.Config{
		Prices:     cost.PriceTable{Version: "test", Models: map[string]cost.ModelPrice{"model-a": {Input: 1, Output: 2}}},
		Thresholds: cost.Thresholds{Daily: 5},
		Clock:      clock,
		Location:   time.UTC,
	})

	hub := websocket.NewHub(5, nil)

	deps := Deps{
		Telemetry: buf,
		Flags:     flags,
		Cost:      monitor,
		Hub:       hub,
		Version:   "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		buf.Destroy(ctx)
		_ = monitor.Close(ctx)
		hub.Close()
	})
	return &testEnv{handler: NewRouter(deps), deps: deps}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	flags := body["flags"].(map[string]any)
	assert.Equal(t, "test-1", flags["version"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, "/api/flags", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/api/cost/usage", "").Code)
}

func TestUnconfiguredComponentsAreNotRouted(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Cost = nil })

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/cost/summary", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/flags?sessionId=s1", "").Code)
}

func TestGetAllFlags(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/flags?sessionId=s1&group=admin", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version string          `json:"version"`
		Stale   bool            `json:"stale"`
		Flags   map[string]bool `json:"flags"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "test-1", body.Version)
	assert.False(t, body.Stale)
	assert.Equal(t, map[string]bool{"chat": true, "admin": true}, body.Flags)

	rec = env.do(t, http.MethodGet, "/api/flags?sessionId=s1&group=users", "")
	decode(t, rec, &body)
	assert.False(t, body.Flags["admin"])
}

func TestGetAllFlagsRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/flags", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, "invalid_request", apiErr.Code)
	assert.Contains(t, apiErr.ErrorMessage, "sessionId")
}

func TestGetFlag(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/flags/chat?sessionId=s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Flag    string `json:"flag"`
		Enabled bool   `json:"enabled"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "chat", body.Flag)
	assert.True(t, body.Enabled)

	rec = env.do(t, http.MethodGet, "/api/flags/unknown?sessionId=s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.False(t, body.Enabled)

	rec = env.do(t, http.MethodGet, "/api/flags/chat", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReloadFlagsWithoutSource(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/flags/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "test-1", body["version"])
}

func TestIngestEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/telemetry/events", `{
		"sessionId": "client-1",
		"events": [
			{"kind": "usage", "feature": "chat", "action": "open"},
			{"kind": "performance", "name": "render", "value": 12.5},
			{"kind": "error", "name": "boom"}
		]
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body ingestResponse
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Accepted)
	require.Len(t, body.Rejected, 1)
	assert.Equal(t, 2, body.Rejected[0].Index)
	assert.Contains(t, body.Rejected[0].Error, "severity")

	assert.Equal(t, int64(2), env.deps.Telemetry.Stats().Recorded)
}

func TestIngestRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/telemetry/events", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/telemetry/events", `{"events": []}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/telemetry/events",
		`{"events": [{"kind": "performance", "name": "render", "value": -1}]}`).Code)
}

func TestIngestRequiresCallerSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/telemetry/events", `{
		"events": [
			{"kind": "performance", "name": "render", "value": 1},
			{"kind": "performance", "name": "render", "value": 2, "sessionId": "client-2"}
		]
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body ingestResponse
	decode(t, rec, &body)
	assert.Equal(t, 1, body.Accepted)
	require.Len(t, body.Rejected, 1)
	assert.Equal(t, 0, body.Rejected[0].Index)
	assert.Contains(t, body.Rejected[0].Error, "sessionId is required")
	assert.Equal(t, int64(1), env.deps.Telemetry.Stats().Recorded)

	rec = env.do(t, http.MethodPost, "/api/telemetry/events",
		`{"events": [{"kind": "usage", "feature": "chat", "action": "open"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestIsRateLimited(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.IngestRate = rate.Every(time.Hour)
		d.IngestBurst = 1
	})
	body := `{"sessionId": "client-1", "events": [{"kind": "usage", "feature": "chat", "action": "open"}]}`

	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/telemetry/events", body).Code)
	rec := env.do(t, http.MethodPost, "/api/telemetry/events", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCostUsageAndReports(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/cost/usage",
		`{"model": "model-a", "inputUnits": 1000000, "outputUnits": 1000000, "sessionId": "s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage struct {
		Cost           float64 `json:"cost"`
		PricingVersion string  `json:"pricingVersion"`
	}
	decode(t, rec, &usage)
	assert.InDelta(t, 3.0, usage.Cost, 1e-9)
	assert.Equal(t, "test", usage.PricingVersion)

	rec = env.do(t, http.MethodGet, "/api/cost/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary cost.Summary
	decode(t, rec, &summary)
	assert.Equal(t, "daily", summary.Period)
	assert.Equal(t, 1, summary.Requests)

	rec = env.do(t, http.MethodGet, "/api/cost/trends?days=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trends struct {
		Points []cost.TrendPoint `json:"points"`
	}
	decode(t, rec, &trends)
	assert.Len(t, trends.Points, 3)

	rec = env.do(t, http.MethodGet, "/api/cost/predictions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var predictions cost.Predictions
	decode(t, rec, &predictions)
	assert.InDelta(t, 3.0/7, predictions.DailyAverage, 1e-9)
}

func TestCostCallerErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/cost/usage",
		`{"model": "", "inputUnits": 1, "outputUnits": 1, "sessionId": "s1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/cost/usage", `[`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/cost/summary?period=fortnight", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/cost/trends?days=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/cost/trends?days=0", "").Code)
}

func TestCostAlerts(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		_, err := env.deps.Cost.RecordUsage("model-a", 1_000_000, 1_000_000, "s1", "")
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/cost/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Alerts     []notifications.Alert `json:"alerts"`
		Thresholds cost.Thresholds       `json:"thresholds"`
		Totals     map[string]float64    `json:"totals"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "daily", body.Alerts[0].Window)
	assert.Equal(t, 5.0, body.Thresholds.Daily)
	assert.InDelta(t, 6.0, body.Totals["daily"], 1e-9)
}

func TestAlertStream(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/alerts/stream"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.deps.Hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	env.deps.Hub.Publish(notifications.Alert{ID: "alert-1", Window: "daily"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "alert-1")
}

func TestNormalizeRoute(t *testing.T) {
	tests := map[string]string{
		"/":                          "/",
		"/api/flags":                 "/api/flags",
		"/api/flags/chat":            "/api/flags/:name",
		"/api/flags/reload":          "/api/flags/reload",
		"/api/cost/summary?period=x": "/api/cost/summary",
		"/api/a/b/c/d":               "/api/a/b/:rest",
		"/wp-admin":                  "/:other",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeRoute(in), in)
	}
}
