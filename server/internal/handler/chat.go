package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/model"
	"github.com/obot-platform/sandboxrelay/server/internal/service"
)

// sessionResponse is the shape of session-level endpoints.
type sessionResponse struct {
	SessionID    string   `json:"session_id"`
	SandboxID    *string  `json:"sandbox_id"`
	BaseURL      *string  `json:"base_url,omitempty"`
	CDPURL       *string  `json:"cdp_url"`
	VNCURL       *string  `json:"vnc_url"`
	CreatedAt    float64  `json:"created_at"`
	LastActivity *float64 `json:"last_activity,omitempty"`
	MessageCount *int64   `json:"message_count,omitempty"`
	Status       string   `json:"status,omitempty"`
}

type historyResponse struct {
	sessionResponse
	Messages []*model.ChatMessage `json:"messages"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newSessionResponse(s *model.ChatSession) sessionResponse {
	return sessionResponse{
		SessionID: s.ID,
		SandboxID: optional(s.SandboxID),
		BaseURL:   optional(s.BaseURL),
		CDPURL:    optional(s.CDPURL),
		VNCURL:    optional(s.VNCURL),
		CreatedAt: model.EpochSeconds(s.CreatedAt),
	}
}

// SendMessage handles one chat turn.
// POST /api/chat/send
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		h.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	reply, err := h.chatService.SendMessage(r.Context(), req.SessionID, req.Message)
	if errors.Is(err, service.ErrEmptyMessage) {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("chat turn failed", "session_id", req.SessionID, "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, reply)
}

// ExecuteCode starts running a message's code, or ad-hoc code, in the
// session's sandbox.
// POST /api/chat/execute
func (h *Handler) ExecuteCode(w http.ResponseWriter, r *http.Request) {
	var req service.ExecuteRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		h.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	exec, err := h.chatService.Execute(r.Context(), req)
	if errors.Is(err, service.ErrMessageNotFound) {
		h.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, service.ErrClosed) {
		h.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to start execution", "session_id", req.SessionID, "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, exec)
}

// ChatHistory returns a session's messages and bound sandbox.
// GET /api/chat/history/{sessionId}
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	session, messages, err := h.chatService.History(r.Context(), sessionID)
	if errors.Is(err, service.ErrSessionNotFound) {
		h.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := newSessionResponse(session)
	resp.BaseURL = nil
	last := model.EpochSeconds(session.LastActivity)
	resp.LastActivity = &last
	if messages == nil {
		messages = []*model.ChatMessage{}
	}
	h.JSON(w, http.StatusOK, historyResponse{sessionResponse: resp, Messages: messages})
}

// GlobalSession returns the shared session.
// GET /api/session/global
func (h *Handler) GlobalSession(w http.ResponseWriter, r *http.Request) {
	session, count, err := h.chatService.GlobalSession(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := newSessionResponse(session)
	resp.MessageCount = &count
	h.JSON(w, http.StatusOK, resp)
}

// RebuildSession resets a session's sandbox and history.
// POST /api/session/rebuild
func (h *Handler) RebuildSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	// The body is optional; it defaults to the global session.
	if r.ContentLength != 0 {
		if err := h.DecodeJSON(r, &req); err != nil {
			h.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = model.GlobalSessionID
	}

	session, err := h.chatService.Rebuild(r.Context(), req.SessionID)
	if err != nil {
		h.logger.Error("failed to rebuild session", "session_id", req.SessionID, "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := newSessionResponse(session)
	resp.Status = "rebuilt"
	h.JSON(w, http.StatusOK, resp)
}

// CreateSandbox creates or returns the session's sandbox.
// POST /api/sandbox/create
func (h *Handler) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.SessionID == "" {
		h.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	handle, err := h.chatService.EnsureSandbox(r.Context(), req.SessionID, false)
	if err != nil {
		h.logger.Error("failed to create sandbox", "session_id", req.SessionID, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to create sandbox: "+err.Error())
		return
	}
	info := h.sandboxService.Get(handle.ID)
	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox_id":     handle.ID,
		"base_url":       handle.DataURL,
		"cdp_url":        handle.AutomationURL,
		"vnc_url":        optional(handle.LiveViewURL),
		"last_access_at": info.LastAccessAt,
		"log_count":      h.sandboxService.LogCount(handle.ID),
	})
}

// ChatWebSocket streams a session's chat events and accepts new messages.
// GET /ws/chat/{sessionId}
//
// The connection first receives the stored history as message events.
// Clients send {"type":"message","content":"..."}; each one runs as a chat
// turn in the background and its results arrive as events.
func (h *Handler) ChatWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("chat websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before loading history so nothing falls between the two.
	sub := h.chatHub.Subscribe(sessionID)
	defer h.chatHub.Unsubscribe(sub)

	_, history, err := h.chatService.History(r.Context(), sessionID)
	if err != nil && !errors.Is(err, service.ErrSessionNotFound) {
		h.logger.Warn("failed to load chat history", "session_id", sessionID, "error", err)
	}

	h.logger.Debug("chat websocket connected", "session_id", sessionID, "viewers", h.chatHub.Count())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeChatEvents(conn, sub, history)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var in struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if in.Type == events.ChatMessage && strings.TrimSpace(in.Content) != "" {
			if err := h.chatService.SubmitMessage(sessionID, in.Content); err != nil {
				h.logger.Debug("chat message dropped", "session_id", sessionID, "error", err)
				break
			}
		}
	}

	h.chatHub.Unsubscribe(sub)
	<-done
	h.logger.Debug("chat websocket disconnected", "session_id", sessionID)
}

// writeChatEvents is the connection's only writer.
func (h *Handler) writeChatEvents(conn *websocket.Conn, sub *events.ChatSubscriber, history []*model.ChatMessage) {
	replayed := make(map[string]bool, len(history))
	for _, msg := range history {
		replayed[msg.MessageID] = true
		if err := writeJSON(conn, events.ChatEvent{Type: events.ChatMessage, Data: msg}); err != nil {
			return
		}
	}

	for ev := range sub.Events {
		if msg, ok := ev.Data.(*model.ChatMessage); ok && ev.Type == events.ChatMessage && replayed[msg.MessageID] {
			continue
		}
		if err := writeJSON(conn, ev); err != nil {
			return
		}
	}
	// Closed by the hub: tell the peer we are done.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
