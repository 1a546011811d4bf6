package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rcourtman/telemetry-control/internal/cost"
)

type usageRequest struct {
	Model         string `json:"model"`
	InputUnits    int64  `json:"inputUnits"`
	OutputUnits   int64  `json:"outputUnits"`
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`
}

func (r *Router) handleCostUsage(w http.ResponseWriter, req *http.Request) {
	var body usageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", "Request body must be a JSON usage record")
		return
	}

	usd, err := r.deps.Cost.RecordUsage(body.Model, body.InputUnits, body.OutputUnits, body.SessionID, body.CorrelationID)
	if err != nil {
		writeError(w, req, err, "Failed to record usage")
		return
	}
	writeJSON(w, req, http.StatusOK, map[string]any{
		"model":          body.Model,
		"cost":           usd,
		"pricingVersion": r.deps.Cost.Prices().Version,
	})
}

func (r *Router) handleCostSummary(w http.ResponseWriter, req *http.Request) {
	period := req.URL.Query().Get("period")
	if period == "" {
		period = string(cost.WindowDaily)
	}
	summary, err := r.deps.Cost.Summary(period)
	if err != nil {
		writeError(w, req, err, "Failed to build cost summary")
		return
	}
	writeJSON(w, req, http.StatusOK, summary)
}

func (r *Router) handleCostTrends(w http.ResponseWriter, req *http.Request) {
	days := 0
	if raw := req.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeErrorResponse(w, req, http.StatusBadRequest, "invalid_request", "days must be a positive integer")
			return
		}
		days = n
	}
	writeJSON(w, req, http.StatusOK, map[string]any{
		"points": r.deps.Cost.Trends(days),
	})
}

func (r *Router) handleCostPredictions(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, req, http.StatusOK, r.deps.Cost.Predictions())
}

func (r *Router) handleCostAlerts(w http.ResponseWriter, req *http.Request) {
	totals := make(map[string]float64, len(cost.Windows))
	for window, v := range r.deps.Cost.WindowTotals() {
		totals[string(window)] = v
	}
	writeJSON(w, req, http.StatusOK, map[string]any{
		"alerts":     r.deps.Cost.Alerts(),
		"thresholds": r.deps.Cost.Thresholds(),
		"totals":     totals,
	})
}
