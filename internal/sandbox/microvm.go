package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// VMRuntime is the host's virtual machine SDK surface this provider needs.
// No concrete SDK for this appears anywhere in the reference corpus this
// codebase draws its other providers from, so the provider is written
// against this narrow interface and left without a production
// implementation — see NewUnavailableVMRuntime.
type VMRuntime interface {
	StartVM(ctx context.Context, opts VMStartOptions) (vmID string, err error)
	StopVM(ctx context.Context, vmID string) error
	ResumeVM(ctx context.Context, vmID string) error
	DescribeVM(ctx context.Context, vmID string) (status string, err error)
	TerminateVM(ctx context.Context, vmID string) error

	// ExecChannel opens the agent's stdio as a byte stream over the VM's
	// file-system/exec interface.
	ExecChannel(ctx context.Context, vmID string) (Channel, error)
}

// VMStartOptions mirrors CreateOptions with the directory mounts already
// resolved to VM-visible paths.
type VMStartOptions struct {
	SessionID    string
	Env          map[string]string
	MountSources map[string]string // VM target path -> host source path
	MemoryMB     int
	CPUShare     int
}

// Extension describes one extension to pre-install on the host before a
// memory-constrained microVM starts, since the VM's RAM budget is too
// small to run a general package installer that pulls in native-compile
// dependencies.
type Extension struct {
	Name      string
	SourceURL string
	Ref       string
}

// ExtensionResolver resolves the set of extensions configured for a
// session, backing the pre-installation step this provider alone needs.
type ExtensionResolver interface {
	ResolveForSession(ctx context.Context, sessionID string) ([]Extension, error)
}

type microVMProvider struct {
	runtime    VMRuntime
	extensions ExtensionResolver
	agentState string
	logger     *logger.Logger
}

// NewMicroVMProvider builds the microVM sandbox provider. agentStateRoot
// is the host directory extensions are pre-installed into before VM start.
func NewMicroVMProvider(runtime VMRuntime, extensions ExtensionResolver, agentStateRoot string, log *logger.Logger) Provider {
	return &microVMProvider{
		runtime:    runtime,
		extensions: extensions,
		agentState: agentStateRoot,
		logger:     log.WithFields(zap.String("component", "microvm_provider")),
	}
}

func (p *microVMProvider) Type() ProviderType { return ProviderMicroVM }

func (p *microVMProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	if err := p.preinstallExtensions(ctx, opts.SessionID); err != nil {
		return nil, fmt.Errorf("sandbox: pre-install extensions for session %s: %w", opts.SessionID, err)
	}

	env := make(map[string]string, len(opts.Env)+len(opts.SecretsEnv))
	for k, v := range opts.Env {
		env[k] = v
	}
	for k, v := range opts.SecretsEnv {
		env[k] = v
	}

	vmID, err := p.runtime.StartVM(ctx, VMStartOptions{
		SessionID: opts.SessionID,
		Env:       env,
		MemoryMB:  opts.Resources.MemoryMB,
		CPUShare:  opts.Resources.CPUShare,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: start microvm: %w", err)
	}

	p.logger.Info("microvm sandbox created", zap.String("session_id", opts.SessionID), zap.String("vm_id", vmID))
	return newMicroVMHandle(vmID, p.runtime, p.logger), nil
}

func (p *microVMProvider) Resume(ctx context.Context, providerID string, opts CreateOptions) (Handle, error) {
	if err := p.runtime.ResumeVM(ctx, providerID); err != nil {
		return nil, fmt.Errorf("sandbox: resume microvm %s: %w", providerID, err)
	}
	return newMicroVMHandle(providerID, p.runtime, p.logger), nil
}

// preinstallExtensions clones or pulls each configured extension into the
// session's agent-state directory in no-peer dependency mode, then writes
// a settings file referencing each extension as a local directory path.
// Every other provider variant leaves extension installation to the agent
// itself at startup.
func (p *microVMProvider) preinstallExtensions(ctx context.Context, sessionID string) error {
	if p.extensions == nil {
		return nil
	}

	exts, err := p.extensions.ResolveForSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("resolve extensions: %w", err)
	}
	if len(exts) == 0 {
		return nil
	}

	extDir := filepath.Join(p.agentState, sessionID, "extensions")
	if err := os.MkdirAll(extDir, 0o755); err != nil {
		return fmt.Errorf("create extension dir: %w", err)
	}

	localPaths := make(map[string]string, len(exts))
	for _, ext := range exts {
		dest := filepath.Join(extDir, ext.Name)
		if err := cloneOrPull(ctx, ext, dest); err != nil {
			return fmt.Errorf("install extension %s: %w", ext.Name, err)
		}
		if err := installNoPeerDeps(ctx, dest); err != nil {
			return fmt.Errorf("install dependencies for extension %s: %w", ext.Name, err)
		}
		localPaths[ext.Name] = dest
	}

	return writeExtensionSettings(filepath.Join(extDir, "settings.json"), localPaths)
}

func cloneOrPull(ctx context.Context, ext Extension, dest string) error {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		cmd := exec.CommandContext(ctx, "git", "-C", dest, "pull", "--ff-only")
		return cmd.Run()
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", ext.Ref, ext.SourceURL, dest)
	return cmd.Run()
}

func installNoPeerDeps(ctx context.Context, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "npm", "install", "--omit=peer")
	cmd.Dir = dir
	return cmd.Run()
}

func writeExtensionSettings(path string, localPaths map[string]string) error {
	lines := make([]byte, 0, 256)
	lines = append(lines, '{', '\n')
	i := 0
	for name, path := range localPaths {
		if i > 0 {
			lines = append(lines, ',', '\n')
		}
		lines = append(lines, []byte(fmt.Sprintf("  %q: %q", name, path))...)
		i++
	}
	lines = append(lines, '\n', '}', '\n')
	return os.WriteFile(path, lines, 0o644)
}

type microVMHandle struct {
	vmID    string
	runtime VMRuntime
	logger  *logger.Logger
}

func newMicroVMHandle(vmID string, runtime VMRuntime, log *logger.Logger) *microVMHandle {
	return &microVMHandle{vmID: vmID, runtime: runtime, logger: log}
}

func (h *microVMHandle) ProviderType() ProviderType { return ProviderMicroVM }
func (h *microVMHandle) ProviderID() string         { return h.vmID }

func (h *microVMHandle) Attach(ctx context.Context) (Channel, error) {
	return h.runtime.ExecChannel(ctx, h.vmID)
}

func (h *microVMHandle) Detach() error {
	return nil
}

func (h *microVMHandle) Pause(ctx context.Context) error {
	return h.runtime.StopVM(ctx, h.vmID)
}

func (h *microVMHandle) Resume(ctx context.Context) error {
	return h.runtime.ResumeVM(ctx, h.vmID)
}

func (h *microVMHandle) Terminate(ctx context.Context) error {
	return h.runtime.TerminateVM(ctx, h.vmID)
}

func (h *microVMHandle) Describe(ctx context.Context) (DescribeResult, error) {
	status, err := h.runtime.DescribeVM(ctx, h.vmID)
	if err != nil {
		return DescribeResult{}, err
	}
	return DescribeResult{Status: status, Capabilities: []string{"pause", "resume", "terminate"}}, nil
}

// unavailableVMRuntime is the VMRuntime used when no microVM host SDK is
// configured. Every call returns an error rather than
// silently falling back to another provider, so a misconfigured
// environment surfaces immediately instead of masquerading as a working
// microVM.
type unavailableVMRuntime struct{}

// NewUnavailableVMRuntime returns a VMRuntime that always fails. Use it to
// wire a microVM-typed environment config in a deployment that has not
// integrated a real VM host SDK yet.
func NewUnavailableVMRuntime() VMRuntime {
	return unavailableVMRuntime{}
}

func (unavailableVMRuntime) StartVM(ctx context.Context, opts VMStartOptions) (string, error) {
	return "", fmt.Errorf("sandbox: no microvm runtime configured")
}

func (unavailableVMRuntime) StopVM(ctx context.Context, vmID string) error {
	return fmt.Errorf("sandbox: no microvm runtime configured")
}

func (unavailableVMRuntime) ResumeVM(ctx context.Context, vmID string) error {
	return fmt.Errorf("sandbox: no microvm runtime configured")
}

func (unavailableVMRuntime) DescribeVM(ctx context.Context, vmID string) (string, error) {
	return "", fmt.Errorf("sandbox: no microvm runtime configured")
}

func (unavailableVMRuntime) TerminateVM(ctx context.Context, vmID string) error {
	return fmt.Errorf("sandbox: no microvm runtime configured")
}

func (unavailableVMRuntime) ExecChannel(ctx context.Context, vmID string) (Channel, error) {
	return nil, fmt.Errorf("sandbox: no microvm runtime configured")
}
