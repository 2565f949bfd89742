package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSecretNotFound is returned when a provider has no secret at the
// requested path/version.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves secret material from a backend store.
type Provider interface {
	// Name returns the provider identifier (e.g. "memory", "awssm").
	Name() string

	// Resolve retrieves a single secret by reference.
	Resolve(ctx context.Context, ref Ref) (*Secret, error)

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}

// Manager maintains a registry of providers and routes binding
// resolution to the right one. It is safe for concurrent use.
type Manager struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
}

// NewManager creates an empty provider registry. The first registered
// provider becomes the default unless SetDefault overrides it.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name. Registering a duplicate
// name is an error.
func (m *Manager) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	m.providers[name] = provider
	if m.defaultProvider == "" {
		m.defaultProvider = name
	}
	return nil
}

// SetDefault selects the provider used for bindings that do not name one.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[name]; !exists {
		return fmt.Errorf("provider %q not registered", name)
	}
	m.defaultProvider = name
	return nil
}

// Resolve fetches the secret for a binding from the named provider, or
// the default provider when the binding does not name one.
func (m *Manager) Resolve(ctx context.Context, providerName string, ref Ref) (*Secret, error) {
	m.mu.RLock()
	if providerName == "" {
		providerName = m.defaultProvider
	}
	provider, exists := m.providers[providerName]
	m.mu.RUnlock()

	if providerName == "" {
		return nil, fmt.Errorf("no credential providers registered")
	}
	if !exists {
		return nil, fmt.Errorf("provider %q not registered", providerName)
	}

	secret, err := provider.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("provider %q: resolving %s: %w", providerName, ref.Path, err)
	}
	return secret, nil
}

// Close shuts down all registered providers. The first error is
// returned; remaining providers are still closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, provider := range m.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing provider %q: %w", name, err)
		}
		delete(m.providers, name)
	}
	return firstErr
}
