package handlers

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// Entries returned by the log view when the client does not ask for a limit
const defaultLogLimit = 100

// LogsHandler serves a job's event log: a filterable JSON view and the raw
// JSONL download.
type LogsHandler struct {
	cfg    *common.Config
	bus    interfaces.EventBus
	logger arbor.ILogger
}

// NewLogsHandler creates the log endpoints handler
func NewLogsHandler(cfg *common.Config, bus interfaces.EventBus, logger arbor.ILogger) *LogsHandler {
	return &LogsHandler{cfg: cfg, bus: bus, logger: logger}
}

// Serve dispatches /api/jobs/{id}/logs (raw JSONL download) and
// /api/jobs/{id}/logs/view (filtered JSON view).
func (h *LogsHandler) Serve(w http.ResponseWriter, r *http.Request, job *models.Job, tail string) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch tail {
	case "":
		h.raw(w, r, job)
	case "view":
		h.view(w, r, job)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

// view returns filtered entries with the total count of matches, so clients
// can page. level filters exactly; event matches as a substring.
func (h *LogsHandler) view(w http.ResponseWriter, r *http.Request, job *models.Job) {
	query := r.URL.Query()

	limit := defaultLogLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	entries, err := h.bus.History(job.ID, 0)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Event log read failed")
		writeError(w, r, http.StatusInternalServerError, "failed to read job log")
		return
	}

	level := strings.ToUpper(query.Get("level"))
	event := query.Get("event")

	filtered := make([]*models.JobLogEntry, 0, len(entries))
	for _, entry := range entries {
		if level != "" && entry.Level != level {
			continue
		}
		if event != "" && !strings.Contains(entry.Event, event) {
			continue
		}
		filtered = append(filtered, entry)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	filtered = filtered[offset:]
	if limit < len(filtered) {
		// limit=0 still reports total so clients can probe the match count
		filtered = filtered[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": filtered,
		"total":   total,
	})
}

// raw streams the events.jsonl file verbatim as a download
func (h *LogsHandler) raw(w http.ResponseWriter, r *http.Request, job *models.Job) {
	path := h.cfg.EventsPath(job.ID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, r, http.StatusNotFound, "no event log for job")
			return
		}
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Event log open failed")
		writeError(w, r, http.StatusInternalServerError, "failed to open job log")
		return
	}
	f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.jsonl"`)
	http.ServeFile(w, r, path)
}
