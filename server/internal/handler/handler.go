// Package handler exposes the relay's HTTP and WebSocket surface.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/service"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	defaultLogLimit = 100
)

// Handler contains all HTTP handlers
type Handler struct {
	chatService    *service.ChatService
	sandboxService *service.SandboxService
	chatHub        *events.ChatHub
	logger         *logger.Logger
	upgrader       websocket.Upgrader
}

// Options configures a Handler.
type Options struct {
	ChatService    *service.ChatService
	SandboxService *service.SandboxService
	ChatHub        *events.ChatHub
	Logger         *logger.Logger
}

// New creates a new Handler.
func New(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		chatService:    opts.ChatService,
		sandboxService: opts.SandboxService,
		chatHub:        opts.ChatHub,
		logger:         log.Named("handler"),
		upgrader: websocket.Upgrader{
			// Viewers are served from other origins; CORS governs the REST API.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// Health reports liveness and a few counters.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chatService.CountSessions(r.Context())
	if err != nil {
		h.logger.Warn("failed to count sessions", "error", err)
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"sessions":         sessions,
		"websockets":       h.chatHub.Count(),
		"sandboxes":        h.sandboxService.Count(),
		"active_sandboxes": h.sandboxService.ActiveCount(),
		"active_logs":      h.sandboxService.ActiveLogs(),
	})
}
