package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

const (
	// Comment frames keep idle proxies from reaping quiet streams
	sseHeartbeatInterval = 15 * time.Second

	// Events replayed to a late subscriber before going live
	sseHistoryLimit = 50
)

// StreamHandler serves GET /api/jobs/{id}/stream as Server-Sent Events: a
// snapshot frame, recent history, then live progress until a terminal frame.
type StreamHandler struct {
	bus      interfaces.EventBus
	shutdown <-chan struct{}
	logger   arbor.ILogger
}

// NewStreamHandler creates the SSE handler. shutdown closes when the server
// begins draining; open streams end with an error frame instead of a cut.
func NewStreamHandler(bus interfaces.EventBus, shutdown <-chan struct{}, logger arbor.ILogger) *StreamHandler {
	return &StreamHandler{bus: bus, shutdown: shutdown, logger: logger}
}

// Serve streams one job's events to the client
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request, job *models.Job) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, flusher, models.SSESnapshot, models.SnapshotEvent(job)); err != nil {
		return
	}

	// Subscribe before replaying history so no event falls between the two;
	// a frame landing in both is harmless.
	live, unsubscribe := h.bus.Subscribe(job.ID)
	defer unsubscribe()

	history, err := h.bus.History(job.ID, sseHistoryLimit)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Stream history read failed")
	}
	for _, entry := range history {
		if err := writeFrame(w, flusher, entry.SSEName(), entry.ToProgressEvent()); err != nil {
			return
		}
		if entry.IsTerminalFrame() {
			return
		}
	}

	// Terminal job whose log predates the terminal frame format, or whose
	// history was truncated: synthesize the closing frame from the record.
	if job.IsTerminal() {
		name := models.SSEError
		if job.Status == models.JobStatusCompleted {
			name = models.SSEComplete
		}
		writeFrame(w, flusher, name, models.SnapshotEvent(job))
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case entry, ok := <-live:
			if !ok {
				return
			}
			if err := writeFrame(w, flusher, entry.SSEName(), entry.ToProgressEvent()); err != nil {
				return
			}
			if entry.IsTerminalFrame() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-h.shutdown:
			writeFrame(w, flusher, models.SSEError, &models.ProgressEvent{
				JobID:     job.ID,
				Timestamp: models.Now(),
				Status:    job.Status,
				Error:     "server.shutdown",
			})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
