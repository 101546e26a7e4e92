package api

import (
	"net/http"

	"github.com/lexchat/lexchat/internal/chat"
	"github.com/lexchat/lexchat/internal/log"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	manager *chat.Manager
	logger  log.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(manager *chat.Manager, logger log.Logger) *HealthHandler {
	return &HealthHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

// liveness returns 200 while the process is alive.
func (h *HealthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness returns 200 once the generation provider is configured.
func (h *HealthHandler) readiness(w http.ResponseWriter, _ *http.Request) {
	if h.manager == nil || !h.manager.Ready() {
		h.logger.Warn("readiness check failed: generation client not configured")
		http.Error(w, "generation client not configured", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
