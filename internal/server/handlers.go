package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type handlers struct {
	kv      Pinger
	version string
	logger  *slog.Logger
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	KV      string `json:"kv,omitempty"`
}

// handleHealth handles GET /health.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: h.version}
	status := http.StatusOK

	if h.kv != nil {
		resp.KV = "connected"
		if err := h.kv.Ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health: kv ping failed", "error", err)
			resp.KV = "disconnected"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes the same error shape the gateway uses for transport
// rejections.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}
