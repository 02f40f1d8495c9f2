package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/redact"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local tooling connects from file:// and dev origins
	},
}

const (
	wsPollInterval  = 2 * time.Second
	wsInitialLines  = 100
	wsWriteDeadline = 10 * time.Second
)

// WebSocketHandler streams the service log over /api/logs/ws so the dev UI
// can tail operator logs without shell access. Lines come from arbor's
// in-memory writer; when it is not registered the socket closes immediately.
type WebSocketHandler struct {
	logger arbor.ILogger
}

// NewWebSocketHandler creates the service log tail handler
func NewWebSocketHandler(logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{logger: logger}
}

type wsLogMessage struct {
	Type string `json:"type"`
	Line string `json:"line,omitempty"`
}

// Serve upgrades the connection and tails the in-memory service log
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	if memWriter == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "memory log writer not enabled"),
			time.Now().Add(wsWriteDeadline))
		return
	}

	// Reader goroutine drains client frames and signals disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	seen := make(map[string]bool)

	// sendNew pushes memory-writer lines the client has not seen yet, in key
	// order. limit > 0 caps the initial backlog.
	sendNew := func(limit int) error {
		entries, err := memWriter.GetEntriesWithLimit(0)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to read service log entries")
			return nil
		}

		keys := make([]string, 0, len(entries))
		for key := range entries {
			if !seen[key] {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)

		if limit > 0 && len(keys) > limit {
			for _, key := range keys[:len(keys)-limit] {
				seen[key] = true
			}
			keys = keys[len(keys)-limit:]
		}

		for _, key := range keys {
			seen[key] = true
			msg := wsLogMessage{Type: "log", Line: redact.String(entries[key])}
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}

		return nil
	}

	if err := sendNew(wsInitialLines); err != nil {
		return
	}

	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sendNew(0); err != nil {
				return
			}
		}
	}
}
