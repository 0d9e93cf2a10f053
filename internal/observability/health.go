package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// HealthServer exposes /healthz and /readyz endpoints.
type HealthServer struct {
	ready atomic.Bool

	mu       sync.Mutex
	degraded string
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetDegraded records why the process is alive but not delivering everything,
// for example spool files retained after failed uploads. Empty clears it.
func (h *HealthServer) SetDegraded(reason string) {
	h.mu.Lock()
	h.degraded = reason
	h.mu.Unlock()
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	reason := h.degraded
	h.mu.Unlock()

	body := map[string]string{"status": "ok"}
	if reason != "" {
		body = map[string]string{"status": "degraded", "reason": reason}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
