package sandbox

import (
	"context"
	"time"
)

// ProviderType identifies a sandbox provider variant.
type ProviderType string

const (
	ProviderMock      ProviderType = "mock"
	ProviderContainer ProviderType = "container"
	ProviderMicroVM   ProviderType = "microvm"
	ProviderRemote    ProviderType = "remote"
)

// ResourceHints are optional, best-effort sizing inputs. A provider that
// cannot honor a hint ignores it rather than failing.
type ResourceHints struct {
	CPUShare int
	MemoryMB int
}

// CreateOptions are the inputs common to every provider's Create call.
type CreateOptions struct {
	SessionID      string
	Env            map[string]string
	SecretsEnv     map[string]string
	RepositoryURL  string
	Branch         string
	Resources      ResourceHints
	StartupTimeout time.Duration
}

// DescribeResult is the snapshot a handle's Describe returns.
type DescribeResult struct {
	Status       string
	ResourceTier string
	Capabilities []string
}

// Handle is the live, in-memory binding from a session to a running
// sandbox. It always belongs to exactly one session.
type Handle interface {
	ProviderType() ProviderType
	ProviderID() string

	// Attach opens (or re-opens) the RPC channel to the sandbox.
	Attach(ctx context.Context) (Channel, error)

	// Detach releases the in-process channel reference without affecting
	// the remote/underlying sandbox's running state.
	Detach() error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Terminate(ctx context.Context) error
	Describe(ctx context.Context) (DescribeResult, error)
}

// Provider is the polymorphic capability set every backend implements.
// Every method must be idempotent with respect to its target state:
// pausing an already-paused sandbox succeeds without error.
type Provider interface {
	Type() ProviderType
	Create(ctx context.Context, opts CreateOptions) (Handle, error)

	// Resume rebuilds a handle from a persisted provider id, used on
	// relay restart or after an idle-pause that did not terminate the
	// underlying sandbox.
	Resume(ctx context.Context, providerID string, opts CreateOptions) (Handle, error)
}

// StderrSink receives stderr/debug lines drained from a sandbox's separate
// error stream, line-delimited. No provider in this package calls one: the
// container provider writes drained stderr to the process logger, and the
// manager's log ring is not fed from sandbox stderr.
type StderrSink func(line string)
