// Package api exposes the telemetry buffer, rollout evaluator and cost monitor
// over HTTP.
package api

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/rcourtman/telemetry-control/internal/cost"
	"github.com/rcourtman/telemetry-control/internal/rollout"
	"github.com/rcourtman/telemetry-control/internal/telemetry"
	"github.com/rcourtman/telemetry-control/internal/utils"
	"github.com/rcourtman/telemetry-control/internal/websocket"
)

const maxBodyBytes = 1 << 20

// Deps are the components served by the router. Nil components have their
// routes left unregistered.
type Deps struct {
	Telemetry *telemetry.Buffer
	Flags     *rollout.Service
	Cost      *cost.Monitor
	Hub       *websocket.Hub
	// IngestRate limits POST /api/telemetry/events across all clients.
	IngestRate  rate.Limit
	IngestBurst int
	Version     string
}

// Router handles HTTP routing
type Router struct {
	mux     *http.ServeMux
	deps    Deps
	ingest  *rate.Limiter
	started time.Time
}

// NewRouter creates a new router instance
func NewRouter(deps Deps) http.Handler {
	if deps.IngestRate <= 0 {
		deps.IngestRate = 20
	}
	if deps.IngestBurst <= 0 {
		deps.IngestBurst = 40
	}
	r := &Router{
		mux:     http.NewServeMux(),
		deps:    deps,
		ingest:  rate.NewLimiter(deps.IngestRate, deps.IngestBurst),
		started: time.Now(),
	}
	r.setupRoutes()
	return ErrorHandler(r.mux)
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handleHealth)

	if r.deps.Flags != nil {
		r.mux.HandleFunc("GET /api/flags", r.handleAllFlags)
		r.mux.HandleFunc("GET /api/flags/{name}", r.handleFlag)
		r.mux.HandleFunc("POST /api/flags/reload", r.handleFlagsReload)
	}

	if r.deps.Telemetry != nil {
		r.mux.HandleFunc("POST /api/telemetry/events", r.handleIngest)
		r.mux.HandleFunc("GET /api/telemetry/stats", r.handleTelemetryStats)
	}

	if r.deps.Cost != nil {
		r.mux.HandleFunc("POST /api/cost/usage", r.handleCostUsage)
		r.mux.HandleFunc("GET /api/cost/summary", r.handleCostSummary)
		r.mux.HandleFunc("GET /api/cost/trends", r.handleCostTrends)
		r.mux.HandleFunc("GET /api/cost/predictions", r.handleCostPredictions)
		r.mux.HandleFunc("GET /api/cost/alerts", r.handleCostAlerts)
	}

	if r.deps.Hub != nil {
		r.mux.HandleFunc("GET /api/alerts/stream", r.deps.Hub.HandleWebSocket)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"version":   r.deps.Version,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.started).Seconds(),
	}
	if r.deps.Flags != nil {
		lastRefresh, lastErr := r.deps.Flags.Status()
		flags := map[string]any{
			"version": r.deps.Flags.Version(),
			"stale":   r.deps.Flags.Stale(),
		}
		if !lastRefresh.IsZero() {
			flags["lastRefresh"] = lastRefresh
		}
		if lastErr != nil {
			flags["lastError"] = lastErr.Error()
		}
		health["flags"] = flags
	}
	if r.deps.Telemetry != nil {
		health["telemetry"] = r.deps.Telemetry.Stats()
	}
	if r.deps.Hub != nil {
		health["streamClients"] = r.deps.Hub.ClientCount()
	}
	writeJSON(w, req, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, req *http.Request, status int, data any) {
	if status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
	}
	if err := utils.WriteJSONResponse(w, data); err != nil {
		writeError(w, req, err, "Failed to encode response")
	}
}
