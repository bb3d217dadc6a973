package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/obot-platform/sandboxrelay/server/internal/events"
)

// PostLog appends a log event to a sandbox's stream.
// POST /api/log/{sandboxId}
func (h *Handler) PostLog(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")

	var req struct {
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Extra   map[string]any `json:"extra,omitempty"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.sandboxService.AppendLog(sandboxID, events.ParseLevel(req.Level), req.Message, req.Extra)
	h.JSON(w, http.StatusCreated, map[string]any{"sandbox_id": sandboxID})
}

// GetLogs returns the most recent log events of a sandbox.
// GET /api/log/{sandboxId}?limit=N
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	logs := h.sandboxService.Logs(sandboxID, limit)
	if logs == nil {
		logs = []events.LogEvent{}
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox_id": sandboxID,
		"logs":       logs,
	})
}

// LogWebSocket streams a sandbox's log events, buffered history first.
// GET /ws/log/{sandboxId}
//
// Anything the client sends is treated as a heartbeat and ignored.
func (h *Handler) LogWebSocket(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("log websocket upgrade failed", "sandbox_id", sandboxID, "error", err)
		return
	}
	defer conn.Close()

	hello := events.LogEvent{
		Subject:   sandboxID,
		Level:     events.LevelInfo,
		Message:   fmt.Sprintf("Log WebSocket connected (Sandbox: %s)", sandboxID),
		Timestamp: time.Now(),
	}
	if err := writeJSON(conn, hello); err != nil {
		return
	}

	sub := h.sandboxService.Subscribe(sandboxID)
	defer h.sandboxService.Unsubscribe(sub)

	h.logger.Debug("log websocket connected", "sandbox_id", sandboxID)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				// Purged or shut down.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				return
			}
		case <-readerDone:
			h.logger.Debug("log websocket disconnected", "sandbox_id", sandboxID)
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
