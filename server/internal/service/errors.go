package service

import "errors"

var (
	// ErrSessionNotFound indicates an unknown chat session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound indicates an execute request for a message that does
	// not exist or carries no code.
	ErrMessageNotFound = errors.New("message not found or has no code")

	// ErrSandboxNotFound indicates a sandbox id with no known data endpoint.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrEmptyMessage indicates a chat message without content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrClosed indicates work submitted after the chat service shut down.
	ErrClosed = errors.New("chat service is closed")
)
