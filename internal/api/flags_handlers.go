package api

import (
	"net/http"

	"github.com/rcourtman/telemetry-control/internal/rollout"
	"github.com/rcourtman/telemetry-control/internal/utils"
)

// callerFromQuery reads the caller context from sessionId, identity, group
// and privileged query parameters.
func callerFromQuery(req *http.Request) rollout.CallerContext {
	q := req.URL.Query()
	return rollout.CallerContext{
		SessionID:  q.Get("sessionId"),
		Identity:   q.Get("identity"),
		Group:      q.Get("group"),
		Privileged: utils.ParseBool(q.Get("privileged")),
	}
}

func (r *Router) handleAllFlags(w http.ResponseWriter, req *http.Request) {
	flags, err := r.deps.Flags.GetAllFlags(callerFromQuery(req))
	if err != nil {
		writeError(w, req, err, "Failed to evaluate flags")
		return
	}
	writeJSON(w, req, http.StatusOK, map[string]any{
		"version": r.deps.Flags.Version(),
		"stale":   r.deps.Flags.Stale(),
		"flags":   flags,
	})
}

func (r *Router) handleFlag(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	enabled, err := r.deps.Flags.Evaluate(name, callerFromQuery(req))
	if err != nil {
		writeError(w, req, err, "Failed to evaluate flag")
		return
	}
	writeJSON(w, req, http.StatusOK, map[string]any{
		"flag":    name,
		"enabled": enabled,
	})
}

func (r *Router) handleFlagsReload(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Flags.Refresh(req.Context()); err != nil {
		writeErrorResponse(w, req, http.StatusBadGateway, "reload_failed", err.Error())
		return
	}
	writeJSON(w, req, http.StatusOK, map[string]any{
		"version": r.deps.Flags.Version(),
	})
}
