package environment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kandev/relay/internal/sandbox"
)

// DefaultConfigs returns the environment configs a fresh deployment seeds
// its store with.
func DefaultConfigs() []*Config {
	return []*Config{
		{
			ID:          "augment-agent",
			Name:        "Augment Coding Agent",
			Description: "Auggie CLI-powered autonomous coding agent. Requires AUGMENT_SESSION_AUTH for authentication.",
			SandboxType: string(sandbox.ProviderContainer),
			Image:       "kandev/augment-agent",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{"AUGMENT_SESSION_AUTH"},
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
				{Source: "{augment_sessions}", Target: "/root/.augment/sessions", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       4096,
				CPUCores:       2.0,
				TimeoutSeconds: 3600,
			},
			Capabilities: []string{"code_generation", "code_review", "refactoring", "testing", "shell_execution"},
			Default:      true,
			Enabled:      true,
		},
		{
			ID:          "chat-mock",
			Name:        "Chat (in-process mock)",
			Description: "No sandbox process is launched; used for chat-mode sessions that only need the echo loop.",
			SandboxType: string(sandbox.ProviderMock),
			Enabled:     true,
		},
	}
}

// Registry is the read path over the environment-config store, used by
// session creation to resolve a named (or default) config into the
// sandbox.EnvironmentConfig the manager needs.
type Registry struct {
	store Store
}

// NewRegistry wraps a store. Callers normally call Seed once at startup.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Seed inserts DefaultConfigs for any ID not already present. It is safe
// to call on every startup: existing rows are left untouched.
func (r *Registry) Seed(ctx context.Context) error {
	existing, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("seed environment configs: list existing: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, cfg := range existing {
		have[cfg.ID] = true
	}

	for _, cfg := range DefaultConfigs() {
		if have[cfg.ID] {
			continue
		}
		if err := r.store.Create(ctx, cfg); err != nil {
			return fmt.Errorf("seed environment config %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// Resolve looks up id, or the deployment's default config if id is empty.
func (r *Registry) Resolve(ctx context.Context, id string) (*Config, error) {
	if id == "" {
		return r.store.Default(ctx)
	}
	return r.store.Get(ctx, id)
}

// ToSandboxConfig builds the sandbox manager's EnvironmentConfig from a
// resolved environment config plus the per-session repository binding.
func ToSandboxConfig(cfg *Config, repositoryURL, branch string) sandbox.EnvironmentConfig {
	return sandbox.EnvironmentConfig{
		ID:            cfg.ID,
		SandboxType:   sandbox.ProviderType(cfg.SandboxType),
		RepositoryURL: repositoryURL,
		Branch:        branch,
		Resources: sandbox.ResourceHints{
			MemoryMB: cfg.ResourceLimits.MemoryMB,
			CPUShare: int(cfg.ResourceLimits.CPUCores * 1000),
		},
	}
}

// NewID mints an environment config id for an operator-defined config
// that doesn't reuse one of the seeded default ids.
func NewID() string {
	return uuid.New().String()
}
