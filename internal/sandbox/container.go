package sandbox

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// ContainerHostDirs names the three host directories bind-mounted into
// every container sandbox: the workspace checkout, the agent's persisted
// state, and a helper directory used for git credential delegation.
type ContainerHostDirs struct {
	Workspace   string
	AgentState  string
	GitHelper   string
}

type containerProvider struct {
	cli      *dockerclient.Client
	image    string
	logger   *logger.Logger
	stateDir string
}

// NewContainerProvider builds the container-engine sandbox provider. image
// is the default agent image reference; stateDir is the host root under
// which per-session host directories are created.
func NewContainerProvider(cli *dockerclient.Client, image string, stateDir string, log *logger.Logger) Provider {
	return &containerProvider{
		cli:      cli,
		image:    image,
		stateDir: stateDir,
		logger:   log.WithFields(zap.String("component", "container_provider")),
	}
}

func (p *containerProvider) Type() ProviderType { return ProviderContainer }

func (p *containerProvider) hostDirsFor(sessionID string) ContainerHostDirs {
	root := filepath.Join(p.stateDir, sessionID)
	return ContainerHostDirs{
		Workspace:  filepath.Join(root, "workspace"),
		AgentState: filepath.Join(root, "agent-state"),
		GitHelper:  filepath.Join(root, "git-helper"),
	}
}

func (p *containerProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	dirs := p.hostDirsFor(opts.SessionID)

	env := make([]string, 0, len(opts.Env)+len(opts.SecretsEnv)+2)
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range opts.SecretsEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, fmt.Sprintf("RELAY_SESSION_ID=%s", opts.SessionID))
	if opts.RepositoryURL != "" {
		env = append(env, fmt.Sprintf("RELAY_REPOSITORY_URL=%s", opts.RepositoryURL))
	}
	if opts.Branch != "" {
		env = append(env, fmt.Sprintf("RELAY_BRANCH=%s", opts.Branch))
	}

	containerCfg := &dockercontainer.Config{
		Image:        p.image,
		Env:          env,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels: map[string]string{
			"relay.managed":    "true",
			"relay.session_id": opts.SessionID,
		},
	}

	hostCfg := &dockercontainer.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: dirs.Workspace, Target: "/workspace"},
			{Type: mount.TypeBind, Source: dirs.AgentState, Target: "/home/agent/.agent-state"},
			{Type: mount.TypeBind, Source: dirs.GitHelper, Target: "/home/agent/.git-helper"},
		},
	}
	if opts.Resources.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(opts.Resources.MemoryMB) * 1024 * 1024
	}
	if opts.Resources.CPUShare > 0 {
		hostCfg.Resources.CPUQuota = int64(opts.Resources.CPUShare) * 1000
	}

	createCtx := ctx
	var cancel context.CancelFunc
	if opts.StartupTimeout > 0 {
		createCtx, cancel = context.WithTimeout(ctx, opts.StartupTimeout)
		defer cancel()
	}

	resp, err := p.cli.ContainerCreate(createCtx, containerCfg, hostCfg, nil, nil, "relay-"+opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	if err := p.cli.ContainerStart(createCtx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	p.logger.Info("container sandbox created", zap.String("session_id", opts.SessionID), zap.String("container_id", resp.ID))
	return newContainerHandle(resp.ID, p.cli, p.logger), nil
}

func (p *containerProvider) Resume(ctx context.Context, providerID string, opts CreateOptions) (Handle, error) {
	if err := p.cli.ContainerStart(ctx, providerID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: resume container %s: %w", providerID, err)
	}
	return newContainerHandle(providerID, p.cli, p.logger), nil
}

type containerHandle struct {
	containerID string
	cli         *dockerclient.Client
	logger      *logger.Logger

	mu     sync.Mutex
	attach *containerAttachment
}

type containerAttachment struct {
	hijacked io.Closer
	stdin    io.WriteCloser
}

func newContainerHandle(containerID string, cli *dockerclient.Client, log *logger.Logger) *containerHandle {
	return &containerHandle{containerID: containerID, cli: cli, logger: log}
}

func (h *containerHandle) ProviderType() ProviderType { return ProviderContainer }
func (h *containerHandle) ProviderID() string         { return h.containerID }

func (h *containerHandle) Attach(ctx context.Context) (Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp, err := h.cli.ContainerAttach(ctx, h.containerID, dockercontainer.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: attach container %s: %w", h.containerID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, resp.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	go h.drainStderr(stderrR)

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, _ = io.Copy(resp.Conn, stdinReader)
	}()

	h.attach = &containerAttachment{hijacked: resp.Conn, stdin: stdinWriter}
	return NewLineChannel(stdoutR, stdinWriter, containerCloser{resp.Conn, stdinWriter}), nil
}

func (h *containerHandle) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.logger.Debug("sandbox stderr", zap.String("container_id", h.containerID), zap.ByteString("line", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

type containerCloser struct {
	conn  io.Closer
	stdin io.Closer
}

func (c containerCloser) Close() error {
	_ = c.stdin.Close()
	return c.conn.Close()
}

func (h *containerHandle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attach != nil {
		_ = h.attach.hijacked.Close()
		h.attach = nil
	}
	return nil
}

func (h *containerHandle) Pause(ctx context.Context) error {
	timeout := 30 * time.Second
	timeoutSeconds := int(timeout.Seconds())
	err := h.cli.ContainerStop(ctx, h.containerID, dockercontainer.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !isNotRunning(err) {
		return fmt.Errorf("sandbox: pause container %s: %w", h.containerID, err)
	}
	return nil
}

func (h *containerHandle) Resume(ctx context.Context) error {
	err := h.cli.ContainerStart(ctx, h.containerID, dockercontainer.StartOptions{})
	if err != nil && !isAlreadyRunning(err) {
		return fmt.Errorf("sandbox: resume container %s: %w", h.containerID, err)
	}
	return nil
}

func (h *containerHandle) Terminate(ctx context.Context) error {
	err := h.cli.ContainerRemove(ctx, h.containerID, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("sandbox: terminate container %s: %w", h.containerID, err)
	}
	return nil
}

func (h *containerHandle) Describe(ctx context.Context) (DescribeResult, error) {
	inspect, err := h.cli.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return DescribeResult{}, fmt.Errorf("sandbox: describe container %s: %w", h.containerID, err)
	}
	return DescribeResult{
		Status:       inspect.State.Status,
		Capabilities: []string{"pause", "resume", "terminate"},
	}, nil
}

// Docker returns idempotency-breaking errors for no-op state transitions
// (stopping an already-stopped container, etc). These helpers let the
// provider treat them as success, matching the uniform idempotency
// contract every provider operation must honor.
func isNotRunning(err error) bool {
	return dockerclient.IsErrNotFound(err) || containsAny(err, "is not running", "already stopped")
}

func isAlreadyRunning(err error) bool {
	return containsAny(err, "already started")
}

func isNotFound(err error) bool {
	return dockerclient.IsErrNotFound(err)
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
