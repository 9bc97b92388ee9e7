// Package credentials resolves API keys and tokens from pluggable sources
// (the one implemented source is the process environment) for bootstrap
// use, e.g. seeding the encrypted
// secrets store from an operator's shell environment on first start.
package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/relay/internal/common/logger"
	"go.uber.org/zap"
)

// Credential represents a stored credential
type Credential struct {
	Key         string // Environment variable name (e.g., ANTHROPIC_API_KEY)
	Value       string // The secret value (never logged)
	Source      string // Where it came from (env, vault, file)
	Description string
}

// CredentialProvider interface for different secret sources
type CredentialProvider interface {
	// GetCredential retrieves a credential by key
	GetCredential(ctx context.Context, key string) (*Credential, error)

	// ListAvailable returns list of available credential keys
	ListAvailable(ctx context.Context) ([]string, error)

	// Name returns the provider name
	Name() string
}

// Manager resolves and caches credentials across a set of providers.
type Manager struct {
	providers []CredentialProvider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager creates a new credentials manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		providers: make([]CredentialProvider, 0),
		cache:     make(map[string]*Credential),
		logger:    log.WithFields(zap.String("component", "credentials-manager")),
	}
}

// AddProvider adds a credential provider
func (m *Manager) AddProvider(provider CredentialProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = append(m.providers, provider)
	m.logger.Info("added credential provider", zap.String("provider", provider.Name()))
}

// GetCredential retrieves a credential from providers
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	// Check cache first
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	m.mu.RUnlock()

	// Try each provider
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, provider := range m.providers {
		cred, err := provider.GetCredential(ctx, key)
		if err == nil {
			m.cache[key] = cred
			m.logger.Debug("credential retrieved",
				zap.String("key", key),
				zap.String("source", cred.Source))
			return cred, nil
		}
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable lists all available credentials (keys only, not values)
func (m *Manager) ListAvailable(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keySet := make(map[string]struct{})

	for _, provider := range m.providers {
		keys, err := provider.ListAvailable(ctx)
		if err != nil {
			m.logger.Warn("failed to list credentials from provider",
				zap.String("provider", provider.Name()),
				zap.Error(err))
			continue
		}
		for _, key := range keys {
			keySet[key] = struct{}{}
		}
	}

	result := make([]string, 0, len(keySet))
	for key := range keySet {
		result = append(result, key)
	}

	return result
}
