package secrets

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// Service validates requests before delegating to the Store.
type Service struct {
	store  Store
	logger *logger.Logger
}

// NewService creates a secrets service over store.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

var idRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func validateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 100 {
		return fmt.Errorf("id must be 1-100 characters")
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("id must be lowercase letters, digits, underscores, and hyphens, starting with a letter")
	}
	return nil
}

func validateValue(value string) error {
	if value == "" || len(value) > 10000 {
		return fmt.Errorf("value must be 1-10000 characters")
	}
	return nil
}

// Upsert validates kind, id, and value before storing.
func (s *Service) Upsert(ctx context.Context, kind Kind, id string, value string, enabled bool) error {
	if !ValidKind(kind) {
		return fmt.Errorf("invalid kind: %s", kind)
	}
	if err := validateID(id); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if err := validateValue(value); err != nil {
		return fmt.Errorf("validation: %w", err)
	}

	if err := s.store.Upsert(ctx, kind, id, value, enabled); err != nil {
		return err
	}
	s.logger.Info("secret upserted", zap.String("secret_id", id), zap.String("kind", string(kind)))
	return nil
}

// Delete removes a secret by id.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// List returns non-sensitive metadata for every secret.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	return s.store.List(ctx)
}

// BuildEnvVars decrypts enabled secrets and projects them into an
// environment-variable map for sandbox construction.
func (s *Service) BuildEnvVars(ctx context.Context) (map[string]string, error) {
	return s.store.GetAllAsEnv(ctx)
}
