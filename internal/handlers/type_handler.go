package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/services/jobs"
)

// Jobs listed per page when the client does not ask for a limit
const defaultListLimit = 50

// TypeHandler serves the job collection of one type: submit and list on
// /api/training, snapshot and cancel on /api/training/{id} (and the same
// under /api/generation).
type TypeHandler struct {
	service *jobs.Service
	jobType models.JobType
	logger  arbor.ILogger
}

// NewTrainingHandler creates the handler for /api/training
func NewTrainingHandler(service *jobs.Service, logger arbor.ILogger) *TypeHandler {
	return &TypeHandler{service: service, jobType: models.JobTypeTraining, logger: logger}
}

// NewGenerationHandler creates the handler for /api/generation
func NewGenerationHandler(service *jobs.Service, logger arbor.ILogger) *TypeHandler {
	return &TypeHandler{service: service, jobType: models.JobTypeGeneration, logger: logger}
}

type createJobRequest struct {
	CharacterID string                 `json:"character_id"`
	Config      map[string]interface{} `json:"config"`
}

type createJobResponse struct {
	ID            string           `json:"id"`
	Status        models.JobStatus `json:"status"`
	CorrelationID string           `json:"correlation_id"`
}

// Route dispatches requests under the type's jobs collection
func (h *TypeHandler) Route(w http.ResponseWriter, r *http.Request, rest string) {
	if rest == "" {
		switch r.Method {
		case http.MethodPost:
			h.create(w, r)
		case http.MethodGet:
			h.list(w, r)
		default:
			writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	jobID, sub := shiftPath(rest)
	if !validJobID.MatchString(jobID) {
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
	// Jobs of the other type are invisible under this collection
	if job.Type != h.jobType {
		writeError(w, r, http.StatusNotFound, "job not found")
		return
	}

	switch sub {
	case "":
		h.get(w, r, job)
	case "cancel":
		h.cancel(w, r, job)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (h *TypeHandler) get(w http.ResponseWriter, r *http.Request, job *models.Job) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *TypeHandler) cancel(w http.ResponseWriter, r *http.Request, job *models.Job) {
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

func (h *TypeHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Config == nil {
		req.Config = map[string]interface{}{}
	}
	if h.jobType == models.JobTypeTraining && req.CharacterID == "" {
		writeError(w, r, http.StatusBadRequest, "character_id is required for training jobs")
		return
	}

	job, err := h.service.Create(r.Context(), h.jobType, req.CharacterID, req.Config)
	if err != nil {
		var validationErr *interfaces.ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, r, http.StatusBadRequest, validationErr.Error())
			return
		}
		h.logger.Error().Err(err).Str("type", string(h.jobType)).Msg("Job creation failed")
		writeError(w, r, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, createJobResponse{
		ID:            job.ID,
		Status:        job.Status,
		CorrelationID: job.CorrelationID,
	})
}

func (h *TypeHandler) list(w http.ResponseWriter, r *http.Request) {
	filter := interfaces.JobFilter{
		Type:  h.jobType,
		Limit: defaultListLimit,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.JobStatus(status)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(h.jobType)).Msg("Job list failed")
		writeError(w, r, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
