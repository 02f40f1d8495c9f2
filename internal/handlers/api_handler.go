package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/interfaces"
)

// APIHandler serves the meta endpoints: health, readiness, and the backend
// capability matrix.
type APIHandler struct {
	cfg     *common.Config
	store   interfaces.JobStore
	plugins interfaces.PluginRegistry
	logger  arbor.ILogger
	version string
}

// NewAPIHandler creates the meta endpoints handler
func NewAPIHandler(cfg *common.Config, store interfaces.JobStore, plugins interfaces.PluginRegistry, logger arbor.ILogger, version string) *APIHandler {
	return &APIHandler{
		cfg:     cfg,
		store:   store,
		plugins: plugins,
		logger:  logger,
		version: version,
	}
}

// Health reports liveness
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
		"mode":    h.cfg.Mode,
	})
}

// Ready reports whether the store answers queries
func (h *APIHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.CountByStatus(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "storage not ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Info returns the version, mode, and per-backend capability matrix so the
// frontend can render config forms without hardcoding parameter ranges.
func (h *APIHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":      h.version,
		"mode":         h.cfg.Mode,
		"capabilities": h.plugins.Capabilities(),
	})
}

// NotFound is the fallback for unmatched API paths
func (h *APIHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not found")
}
