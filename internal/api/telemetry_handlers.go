package api

import (
	"encoding/json"
	"net/http"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
	"github.com/rcourtman/telemetry-control/internal/telemetry"
)

type ingestRequest struct {
	// SessionID applies to events that carry none.
	SessionID string            `json:"sessionId"`
	Events    []telemetry.Event `json:"events"`
}

type ingestRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted int               `json:"accepted"`
	Rejected []ingestRejection `json:"rejected,omitempty"`
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if !r.ingest.Allow() {
		w.Header().Set("Retry-After", "1")
		writeErrorResponse(w, req, http.StatusTooManyRequests, "rate_limited", "Too many telemetry requests")
		return
	}

	var body ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", "Request body must be a JSON object with an events array")
		return
	}
	if len(body.Events) == 0 {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", "No events supplied")
		return
	}

	var resp ingestResponse
	for i, e := range body.Events {
		if e.SessionID == "" {
			e.SessionID = body.SessionID
		}
		if e.SessionID == "" {
			// Record would fall back to the server's own session.
			err := telerrors.CallerError("ingest", "sessionId is required")
			resp.Rejected = append(resp.Rejected, ingestRejection{Index: i, Error: err.Error()})
			continue
		}
		if err := r.deps.Telemetry.Record(e); err != nil {
			resp.Rejected = append(resp.Rejected, ingestRejection{Index: i, Error: err.Error()})
			continue
		}
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, req, status, resp)
}

func (r *Router) handleTelemetryStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, req, http.StatusOK, r.deps.Telemetry.Stats())
}
