package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Store persists encrypted secrets and projects them to environment
// variables. Implementations handle encryption/decryption internally;
// plaintext is never the at-rest representation.
type Store interface {
	// List returns non-sensitive metadata for every secret.
	List(ctx context.Context) ([]Summary, error)

	// Upsert encrypts plaintext with the crypto service and writes the row,
	// creating it if id is new or replacing its value/enabled flag if not.
	Upsert(ctx context.Context, kind Kind, id string, plaintext string, enabled bool) error

	// Delete permanently removes a secret.
	Delete(ctx context.Context, id string) error

	// GetAllAsEnv decrypts every enabled row and projects it to an
	// environment-variable mapping. This is the only call that
	// materializes plaintext; callers must not retain the returned map
	// beyond the moment of sandbox construction. A decrypt failure for one
	// row does not block the others — that row is skipped and logged.
	GetAllAsEnv(ctx context.Context) (map[string]string, error)

	// Close releases resources.
	Close() error
}

// EnvKeyFor derives the environment-variable name a secret is projected
// to when materialized by GetAllAsEnv. Every id is upper-cased with '-'
// turned into '_'. envVar secrets use that form unsuffixed
// (my-custom-var -> MY_CUSTOM_VAR); aiProvider and sandboxProvider secrets
// are also suffixed, e.g.
// kind=aiProvider,id=anthropic -> ANTHROPIC_API_KEY,
// kind=sandboxProvider,id=docker_registry -> DOCKER_REGISTRY_TOKEN.
func EnvKeyFor(kind Kind, id string) string {
	upperID := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	switch kind {
	case KindEnvVar:
		return upperID
	case KindAIProvider:
		return fmt.Sprintf("%s_API_KEY", upperID)
	case KindSandboxProvider:
		return fmt.Sprintf("%s_TOKEN", upperID)
	default:
		return upperID
	}
}
