package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/sandboxrelay/server/internal/service"
)

// ListSandboxes returns every sandbox in the endpoint directory.
// GET /api/sandboxes
func (h *Handler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]any{
		"sandboxes": h.sandboxService.List(),
	})
}

// GetSandbox returns a sandbox's endpoints.
// GET /api/sandboxes/{sandboxId}
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.sandboxService.Get(chi.URLParam(r, "sandboxId")))
}

// GetCDP returns a sandbox's automation endpoint.
// GET /api/sandboxes/{sandboxId}/cdp
func (h *Handler) GetCDP(w http.ResponseWriter, r *http.Request) {
	info := h.sandboxService.Get(chi.URLParam(r, "sandboxId"))
	h.JSON(w, http.StatusOK, map[string]any{"cdp_url": info.CDPURL})
}

// SetCDP registers a sandbox's automation endpoint.
// POST /api/sandboxes/{sandboxId}/cdp
func (h *Handler) SetCDP(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")

	var req struct {
		CDPURL string `json:"cdp_url"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.CDPURL == "" {
		h.Error(w, http.StatusBadRequest, "cdp_url is required")
		return
	}

	info := h.sandboxService.SetCDP(sandboxID, req.CDPURL)
	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox_id": info.SandboxID,
		"cdp_url":    info.CDPURL,
	})
}

// GetVNC returns a sandbox's live-view endpoint.
// GET /api/sandboxes/{sandboxId}/vnc
func (h *Handler) GetVNC(w http.ResponseWriter, r *http.Request) {
	info := h.sandboxService.Get(chi.URLParam(r, "sandboxId"))
	h.JSON(w, http.StatusOK, map[string]any{"vnc_url": info.VNCURL})
}

// SetVNC registers a sandbox's live-view endpoint.
// POST /api/sandboxes/{sandboxId}/vnc
func (h *Handler) SetVNC(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")

	var req struct {
		VNCURL string `json:"vnc_url"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.VNCURL == "" {
		h.Error(w, http.StatusBadRequest, "vnc_url is required")
		return
	}

	info := h.sandboxService.SetVNC(sandboxID, req.VNCURL)
	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox_id": info.SandboxID,
		"vnc_url":    info.VNCURL,
	})
}

// DeleteSandbox destroys a sandbox and drops everything held for it.
// DELETE /api/sandbox/{sandboxId}
func (h *Handler) DeleteSandbox(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")

	h.sandboxService.Delete(r.Context(), sandboxID)

	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox_id": sandboxID,
		"status":     "deleted",
	})
}

// ReadFile returns the content of a file inside a sandbox.
// GET /api/sandboxes/{sandboxId}/files?path=...
func (h *Handler) ReadFile(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")
	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, http.StatusBadRequest, "path is required")
		return
	}

	content, err := h.sandboxService.ReadFile(r.Context(), sandboxID, path)
	if errors.Is(err, service.ErrSandboxNotFound) {
		h.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Warn("failed to read sandbox file", "sandbox_id", sandboxID, "path", path, "error", err)
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox_id": sandboxID,
		"path":       path,
		"content":    content,
	})
}

// Confirm releases an automation waiting on the viewer.
// POST /api/sandboxes/{sandboxId}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")

	status := "no_wait"
	if h.sandboxService.Confirm(sandboxID) {
		status = "confirmed"
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox_id": sandboxID,
		"status":     status,
	})
}

// maxConfirmWait caps how long a wait-status request may block.
const maxConfirmWait = 2 * time.Minute

// WaitStatus reports whether an automation is waiting on the viewer. With
// ?timeout=30s it blocks until an open wait is confirmed or the timeout
// passes.
// GET /api/sandboxes/{sandboxId}/wait-status
func (h *Handler) WaitStatus(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			h.Error(w, http.StatusBadRequest, "timeout must be a non-negative duration")
			return
		}
		timeout = min(d, maxConfirmWait)
	}

	waiting, confirmed := h.sandboxService.AwaitConfirmation(r.Context(), chi.URLParam(r, "sandboxId"), timeout)
	h.JSON(w, http.StatusOK, map[string]any{
		"waiting":   waiting,
		"confirmed": confirmed,
	})
}
