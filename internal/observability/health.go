package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// HealthServer serves /healthz and /readyz. Readiness requires SetReady(true)
// and every registered flow to be running.
type HealthServer struct {
	ready atomic.Bool

	mu    sync.RWMutex
	flows map[string]bool
}

// NewHealthServer creates a HealthServer that is not ready yet.
func NewHealthServer() *HealthServer {
	return &HealthServer{flows: make(map[string]bool)}
}

// SetReady marks the process as ready once its flows are started.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetFlowRunning records whether the named flow is consuming its source.
func (h *HealthServer) SetFlowRunning(flow string, running bool) {
	h.mu.Lock()
	h.flows[flow] = running
	h.mu.Unlock()
}

// Handler returns the /healthz and /readyz endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, readiness{Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		r := h.readiness()
		code := http.StatusOK
		if r.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, r)
	})
	return mux
}

type readiness struct {
	Status string            `json:"status"`
	Flows  map[string]string `json:"flows,omitempty"`
}

func (h *HealthServer) readiness() readiness {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := readiness{Status: "ready"}
	if !h.ready.Load() {
		r.Status = "not ready"
	}
	if len(h.flows) > 0 {
		r.Flows = make(map[string]string, len(h.flows))
	}
	for name, running := range h.flows {
		if running {
			r.Flows[name] = "running"
			continue
		}
		r.Flows[name] = "stopped"
		r.Status = "not ready"
	}
	return r
}

func writeStatus(w http.ResponseWriter, code int, body readiness) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
