package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/bundle"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/services/artifacts"
	"github.com/isengard-ai/isengard/internal/services/jobs"
)

// JobsHandler serves the per-job resources under /api/jobs/{id}: the record
// itself, cancel, the SSE stream, logs, artifacts, and the debug bundle.
type JobsHandler struct {
	service   *jobs.Service
	artifacts *artifacts.Service
	bundles   *bundle.Writer
	stream    *StreamHandler
	logs      *LogsHandler
	logger    arbor.ILogger
}

// NewJobsHandler creates the per-job resource handler
func NewJobsHandler(service *jobs.Service, artifactSvc *artifacts.Service, bundles *bundle.Writer, stream *StreamHandler, logs *LogsHandler, logger arbor.ILogger) *JobsHandler {
	return &JobsHandler{
		service:   service,
		artifacts: artifactSvc,
		bundles:   bundles,
		stream:    stream,
		logs:      logs,
		logger:    logger,
	}
}

// Route dispatches /api/jobs/{id} and its sub-resources
func (h *JobsHandler) Route(w http.ResponseWriter, r *http.Request, rest string) {
	jobID, sub := shiftPath(rest)
	if jobID == "" || !validJobID.MatchString(jobID) {
		writeError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			writeError(w, r, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
		writeError(w, r, http.StatusInternalServerError, "failed to load job")
		return
	}

	resource, tail := shiftPath(sub)
	switch resource {
	case "":
		h.get(w, r, job)
	case "cancel":
		h.cancel(w, r, job)
	case "stream":
		h.stream.Serve(w, r, job)
	case "logs":
		h.logs.Serve(w, r, job, tail)
	case "artifacts":
		h.serveArtifacts(w, r, job, tail)
	case "debug-bundle":
		h.serveBundle(w, r, job)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (h *JobsHandler) get(w http.ResponseWriter, r *http.Request, job *models.Job) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) cancel(w http.ResponseWriter, r *http.Request, job *models.Job) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.service.Cancel(r.Context(), job.ID); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Cancel failed")
		writeError(w, r, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *JobsHandler) serveArtifacts(w http.ResponseWriter, r *http.Request, job *models.Job, name string) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if name == "" {
		list, err := h.artifacts.List(job)
		if err != nil {
			h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Artifact listing failed")
			writeError(w, r, http.StatusInternalServerError, "failed to list artifacts")
			return
		}
		if list == nil {
			list = []models.Artifact{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": list})
		return
	}

	if !validArtifactName.MatchString(name) {
		writeError(w, r, http.StatusBadRequest, "invalid artifact name")
		return
	}

	path, err := h.artifacts.Resolve(job, name)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "artifact not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (h *JobsHandler) serveBundle(w http.ResponseWriter, r *http.Request, job *models.Job) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`-bundle.zip"`)

	if err := h.bundles.Write(job, w); err != nil {
		// Headers are already on the wire; all we can do is log
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Bundle write failed")
	}
}
