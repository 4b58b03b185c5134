package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes returns the HTTP surface of the gateway.
func (m *Manager) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.ServeWS)
	mux.HandleFunc("GET /branches/{branchID}/members", m.handleMembers)
	mux.HandleFunc("GET /debug/online", m.handleOnline)
	mux.HandleFunc("GET /healthz", m.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Store   string `json:"store"`
	Error   string `json:"error,omitempty"`
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), m.opts.StoreTimeout)
	defer cancel()

	resp := healthResponse{Healthy: true, Store: string(m.registry.Mode())}
	status := http.StatusOK
	if err := m.registry.Ping(ctx); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (m *Manager) handleMembers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), m.opts.StoreTimeout)
	defer cancel()

	members, err := m.registry.ListMembers(ctx, r.PathValue("branchID"))
	if err != nil {
		m.logger.Error("members query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// handleOnline serves ListAllOnline. It walks every branch; admin use only.
func (m *Manager) handleOnline(w http.ResponseWriter, r *http.Request) {
	all, err := m.registry.ListAllOnline(r.Context())
	if err != nil {
		m.logger.Error("online query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
