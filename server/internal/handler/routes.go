package handler

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// apiTimeout bounds REST calls. Chat turns wait on provisioning and the LLM.
const apiTimeout = 5 * time.Minute

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	// WebSockets are long-lived and stay outside the request timeout.
	r.Get("/ws/chat/{sessionId}", h.ChatWebSocket)
	r.Get("/ws/log/{sandboxId}", h.LogWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(apiTimeout))

		// Chat
		r.Post("/chat/send", h.SendMessage)
		r.Post("/chat/execute", h.ExecuteCode)
		r.Get("/chat/history/{sessionId}", h.ChatHistory)

		// Sessions
		r.Get("/session/global", h.GlobalSession)
		r.Post("/session/rebuild", h.RebuildSession)
		r.Post("/sandbox/create", h.CreateSandbox)
		r.Delete("/sandbox/{sandboxId}", h.DeleteSandbox)

		// Sandbox endpoint directory
		r.Get("/sandboxes", h.ListSandboxes)
		r.Route("/sandboxes/{sandboxId}", func(r chi.Router) {
			r.Get("/", h.GetSandbox)
			r.Get("/cdp", h.GetCDP)
			r.Post("/cdp", h.SetCDP)
			r.Get("/vnc", h.GetVNC)
			r.Post("/vnc", h.SetVNC)
			r.Get("/files", h.ReadFile)
			r.Post("/confirm", h.Confirm)
			r.Get("/wait-status", h.WaitStatus)
		})

		// Logs
		r.Post("/log/{sandboxId}", h.PostLog)
		r.Get("/log/{sandboxId}", h.GetLogs)
	})
}
