package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer exposes liveness and readiness endpoints for the drift daemon.
// Readiness flips on once the pipeline is consuming and off again when
// shutdown begins, so orchestrators stop routing probes to a draining
// process.
type HealthServer struct {
	ready atomic.Bool

	// sinkCounts, when set, reports live sink-pool occupancy in the
	// readiness payload. Handy when deciding whether a slow shutdown is
	// stuck or still draining.
	sinkCounts atomic.Pointer[func() (active, retiring int)]
}

// NewHealthServer creates a health server that starts not ready.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the daemon as ready to consume.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetSinkCounts registers a live source for sink-pool occupancy numbers.
func (h *HealthServer) SetSinkCounts(fn func() (active, retiring int)) {
	h.sinkCounts.Store(&fn)
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{}
	if fn := h.sinkCounts.Load(); fn != nil {
		active, retiring := (*fn)()
		body["sinks_active"] = active
		body["sinks_retiring"] = retiring
	}

	w.Header().Set("Content-Type", "application/json")
	if h.ready.Load() {
		body["status"] = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		body["status"] = "not ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
