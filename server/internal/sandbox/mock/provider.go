// Package mock provides a mock implementation of sandbox.Provider for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
)

// DefaultBaseURL is the data-plane host the mock sandboxes report.
const DefaultBaseURL = "ws://mock.sandbox.local"

// Provider is a mock sandbox provider for testing.
type Provider struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	destroyed map[string]bool
	nextID    int
	baseURL   string

	// Calls counts invocations per method name.
	callsMu sync.Mutex
	calls   map[string]int

	// Configurable behaviors for testing
	CreateFunc  func(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Sandbox, error)
	ProbeFunc   func(ctx context.Context, id string) (string, error)
	DestroyFunc func(ctx context.Context, id string) error
}

// NewProvider creates a new mock provider with default behavior.
func NewProvider() *Provider {
	return NewProviderWithBaseURL(DefaultBaseURL)
}

// NewProviderWithBaseURL creates a mock provider whose sandboxes report
// endpoints under baseURL (a ws:// or wss:// URL).
func NewProviderWithBaseURL(baseURL string) *Provider {
	return &Provider{
		sandboxes: make(map[string]*sandbox.Sandbox),
		destroyed: make(map[string]bool),
		calls:     make(map[string]int),
		baseURL:   baseURL,
	}
}

// Create creates a mock sandbox that reports RUNNING.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	p.record("Create")
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := fmt.Sprintf("mock-%d", p.nextID)
	s := &sandbox.Sandbox{
		ID:            id,
		Status:        "RUNNING",
		AutomationURL: fmt.Sprintf("%s/sandboxes/%s/ws/automation", p.baseURL, id),
		LiveViewURL:   fmt.Sprintf("%s/sandboxes/%s/ws/liveview", p.baseURL, id),
		CreatedAt:     time.Now(),
		Metadata:      map[string]string{"mock": "true", "template": opts.Template},
	}
	p.sandboxes[id] = s

	c := *s
	return &c, nil
}

// Probe returns the sandbox's current status.
func (p *Provider) Probe(ctx context.Context, id string) (string, error) {
	p.record("Probe")
	if p.ProbeFunc != nil {
		return p.ProbeFunc(ctx, id)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	s, exists := p.sandboxes[id]
	if !exists {
		return "", sandbox.ErrNotFound
	}
	return s.Status, nil
}

// Destroy removes a mock sandbox.
func (p *Provider) Destroy(ctx context.Context, id string) error {
	p.record("Destroy")
	if p.DestroyFunc != nil {
		return p.DestroyFunc(ctx, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sandboxes[id]; !exists {
		return sandbox.ErrNotFound
	}
	delete(p.sandboxes, id)
	p.destroyed[id] = true
	return nil
}

// SetStatus changes the raw status reported for a sandbox, e.g. to simulate
// the backend reclaiming it.
func (p *Provider) SetStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sandboxes[id]; ok {
		s.Status = status
	}
}

// Forget drops a sandbox without marking it destroyed, simulating an idle
// reclaim on the backend side.
func (p *Provider) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, id)
}

// Exists reports whether the sandbox is still held.
func (p *Provider) Exists(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sandboxes[id]
	return ok
}

// WasDestroyed reports whether Destroy removed the sandbox.
func (p *Provider) WasDestroyed(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destroyed[id]
}

// Count returns the number of live mock sandboxes.
func (p *Provider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sandboxes)
}

// Calls returns how often the named method was invoked.
func (p *Provider) Calls(method string) int {
	p.callsMu.Lock()
	defer p.callsMu.Unlock()
	return p.calls[method]
}

func (p *Provider) record(method string) {
	p.callsMu.Lock()
	p.calls[method]++
	p.callsMu.Unlock()
}
