// Package sandbox provides an abstraction for remote browser sandboxes.
// It supports multiple backends (a remote control plane, local Docker and an
// in-memory mock) and keeps at most one live sandbox per session key.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider abstracts sandbox backends (remote control plane, Docker, etc.)
// Providers return raw records; Normalize turns them into Handles.
type Provider interface {
	// Create provisions a new sandbox from the given template.
	// The sandbox may be reclaimed by the backend after IdleTimeoutSeconds
	// without activity.
	Create(ctx context.Context, opts CreateOptions) (*Sandbox, error)

	// Probe returns the backend's raw status string for a sandbox.
	// Returns ErrNotFound if the backend no longer knows the sandbox.
	Probe(ctx context.Context, id string) (string, error)

	// Destroy tears down a sandbox and its resources.
	Destroy(ctx context.Context, id string) error
}

// CreateOptions configures sandbox creation.
type CreateOptions struct {
	Template           string            // Template name or image hint
	IdleTimeoutSeconds int               // Backend-enforced idle reclaim
	Labels             map[string]string // Sandbox labels/tags for identification
}

// Sandbox is the raw record a provider returns. Endpoint fields may be empty
// when the backend does not report them.
type Sandbox struct {
	ID            string            // Provider-assigned sandbox ID
	Status        string            // Raw backend status
	AutomationURL string            // CDP websocket endpoint
	LiveViewURL   string            // VNC/livestream websocket endpoint
	DataURL       string            // HTTP base URL of the execution API
	CreatedAt     time.Time         // When the sandbox was created
	Metadata      map[string]string // Runtime-specific metadata
}

// Status represents the liveness of a Handle.
type Status string

const (
	StatusPending   Status = "PENDING"   // Provisioning in flight
	StatusRunning   Status = "RUNNING"   // Last probe reported alive
	StatusStale     Status = "STALE"     // Probe reported gone or not running
	StatusDestroyed Status = "DESTROYED" // Torn down explicitly
)

// IsAlive reports whether a raw backend status means the sandbox is usable.
func IsAlive(raw string) bool {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "RUNNING", "READY":
		return true
	}
	return false
}

// Handle is the normalized view of one provisioned sandbox.
type Handle struct {
	ID            string    `json:"sandbox_id"`
	AutomationURL string    `json:"cdp_url"`
	LiveViewURL   string    `json:"vnc_url,omitempty"`
	DataURL       string    `json:"base_url"`
	Status        Status    `json:"status"`
	Template      string    `json:"template,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *Handle) clone() *Handle {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// Key identifies the owner of a sandbox. All parts must be non-empty.
type Key struct {
	User    string
	Session string
	Thread  string
}

// NewKey builds a Key and validates it.
func NewKey(user, session, thread string) (Key, error) {
	k := Key{User: user, Session: session, Thread: thread}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate returns ErrInvalidKey if any component is empty.
func (k Key) Validate() error {
	if k.User == "" || k.Session == "" || k.Thread == "" {
		return fmt.Errorf("%w: user=%q session=%q thread=%q", ErrInvalidKey, k.User, k.Session, k.Thread)
	}
	return nil
}

func (k Key) String() string {
	return k.User + "/" + k.Session + "/" + k.Thread
}
