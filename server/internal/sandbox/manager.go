package sandbox

import (
	"fmt"
	"sort"
)

// Manager holds the registered sandbox providers and picks one by name.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string // Default provider name
}

// NewManager creates a new sandbox provider manager.
func NewManager() *Manager {
	return &Manager{
		providers:       make(map[string]Provider),
		defaultProvider: "agentrun",
	}
}

// RegisterProvider registers a provider with the given name.
func (m *Manager) RegisterProvider(name string, provider Provider) {
	m.providers[name] = provider
}

// SetDefault sets the default provider name.
func (m *Manager) SetDefault(name string) {
	m.defaultProvider = name
}

// GetProvider returns the provider with the given name.
// An empty name selects the default provider.
func (m *Manager) GetProvider(name string) (Provider, error) {
	if name == "" {
		name = m.defaultProvider
	}

	provider, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}

	return provider, nil
}

// ListProviders returns the names of all registered providers.
func (m *Manager) ListProviders() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
