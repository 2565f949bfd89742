// Package memory provides an in-memory credential provider for tests
// and for inline credentials seeded from configuration. It is
// thread-safe and has no persistence.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conveyorcd/conveyor/credential"
)

const latestVersion = "latest"

// Provider implements credential.Provider backed by a map.
type Provider struct {
	mu    sync.RWMutex
	store map[string]map[string]*credential.Secret
}

// New creates an empty memory provider.
func New() *Provider {
	return &Provider{store: make(map[string]map[string]*credential.Secret)}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "memory"
}

// HealthCheck always succeeds for the memory provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

// Store saves a secret value under the given reference. An empty
// version stores as the latest version.
func (p *Provider) Store(ctx context.Context, ref credential.Ref, value []byte) error {
	version := ref.Version
	if version == "" {
		version = latestVersion
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	versions, exists := p.store[ref.Path]
	if !exists {
		versions = make(map[string]*credential.Secret)
		p.store[ref.Path] = versions
	}
	versions[version] = &credential.Secret{
		Value:     append([]byte(nil), value...),
		Version:   version,
		CreatedAt: time.Now(),
	}
	return nil
}

// Resolve retrieves a secret copy by reference.
func (p *Provider) Resolve(ctx context.Context, ref credential.Ref) (*credential.Secret, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("resolve cancelled: %w", ctx.Err())
	default:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	versions, exists := p.store[ref.Path]
	if !exists {
		return nil, fmt.Errorf("%w: %s", credential.ErrSecretNotFound, ref.Path)
	}

	version := ref.Version
	if version == "" {
		version = latestVersion
	}
	secret, exists := versions[version]
	if !exists {
		return nil, fmt.Errorf("%w: %s@%s", credential.ErrSecretNotFound, ref.Path, version)
	}

	// Copy so callers clearing their secret cannot corrupt the store.
	return &credential.Secret{
		Value:     append([]byte(nil), secret.Value...),
		Version:   secret.Version,
		CreatedAt: secret.CreatedAt,
	}, nil
}

// Close clears all stored secrets.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for path, versions := range p.store {
		for version, secret := range versions {
			secret.Clear()
			delete(versions, version)
		}
		delete(p.store, path)
	}
	return nil
}
