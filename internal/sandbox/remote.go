package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// remoteProvider allocates containers on a remote host over HTTP, then
// opens the RPC channel as an outbound WebSocket dial to that host's exec
// endpoint — the mirror image of the inbound client connections the
// session hub itself accepts.
type remoteProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewRemoteProvider builds the remote-container-via-WebSocket provider.
// baseURL is the remote host's API root, e.g. https://sandboxes.internal.
func NewRemoteProvider(baseURL string, log *logger.Logger) Provider {
	return &remoteProvider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithFields(zap.String("component", "remote_provider")),
	}
}

type remoteCreateRequest struct {
	SessionID     string            `json:"sessionId"`
	Env           map[string]string `json:"env,omitempty"`
	RepositoryURL string            `json:"repositoryUrl,omitempty"`
	Branch        string            `json:"branch,omitempty"`
}

type remoteCreateResponse struct {
	ContainerID string `json:"containerId"`
}

func (p *remoteProvider) Type() ProviderType { return ProviderRemote }

func (p *remoteProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	env := make(map[string]string, len(opts.Env)+len(opts.SecretsEnv))
	for k, v := range opts.Env {
		env[k] = v
	}
	for k, v := range opts.SecretsEnv {
		env[k] = v
	}

	reqBody, err := json.Marshal(remoteCreateRequest{
		SessionID:     opts.SessionID,
		Env:           env,
		RepositoryURL: opts.RepositoryURL,
		Branch:        opts.Branch,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal remote create request: %w", err)
	}

	var created remoteCreateResponse
	if err := p.postJSON(ctx, "/containers", reqBody, &created); err != nil {
		return nil, fmt.Errorf("sandbox: create remote container: %w", err)
	}

	p.logger.Info("remote sandbox created", zap.String("session_id", opts.SessionID), zap.String("container_id", created.ContainerID))
	return newRemoteHandle(created.ContainerID, p.baseURL, p.httpClient, p.logger), nil
}

func (p *remoteProvider) Resume(ctx context.Context, providerID string, opts CreateOptions) (Handle, error) {
	if err := p.postJSON(ctx, fmt.Sprintf("/containers/%s/start", providerID), nil, nil); err != nil {
		return nil, fmt.Errorf("sandbox: resume remote container %s: %w", providerID, err)
	}
	return newRemoteHandle(providerID, p.baseURL, p.httpClient, p.logger), nil
}

func (p *remoteProvider) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote host returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type remoteHandle struct {
	containerID string
	baseURL     string
	httpClient  *http.Client
	logger      *logger.Logger
}

func newRemoteHandle(containerID, baseURL string, httpClient *http.Client, log *logger.Logger) *remoteHandle {
	return &remoteHandle{containerID: containerID, baseURL: baseURL, httpClient: httpClient, logger: log}
}

func (h *remoteHandle) ProviderType() ProviderType { return ProviderRemote }
func (h *remoteHandle) ProviderID() string         { return h.containerID }

func (h *remoteHandle) wsURL() string {
	url := h.baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return fmt.Sprintf("%s/containers/%s/exec", url, h.containerID)
}

func (h *remoteHandle) Attach(ctx context.Context) (Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, h.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: dial remote exec websocket: %w", err)
	}
	return newWebSocketChannel(conn), nil
}

func (h *remoteHandle) Detach() error {
	return nil
}

func (h *remoteHandle) Pause(ctx context.Context) error {
	return h.post(ctx, "pause")
}

func (h *remoteHandle) Resume(ctx context.Context) error {
	return h.post(ctx, "start")
}

func (h *remoteHandle) Terminate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/containers/%s", h.baseURL, h.containerID), nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: terminate remote container %s: %w", h.containerID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("remote host returned %d terminating container", resp.StatusCode)
	}
	return nil
}

func (h *remoteHandle) post(ctx context.Context, action string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/containers/%s/%s", h.baseURL, h.containerID, action), nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: %s remote container %s: %w", action, h.containerID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote host returned %d for %s", resp.StatusCode, action)
	}
	return nil
}

func (h *remoteHandle) Describe(ctx context.Context) (DescribeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/containers/%s", h.baseURL, h.containerID), nil)
	if err != nil {
		return DescribeResult{}, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return DescribeResult{}, fmt.Errorf("sandbox: describe remote container %s: %w", h.containerID, err)
	}
	defer resp.Body.Close()

	var info struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return DescribeResult{}, err
	}
	return DescribeResult{Status: info.Status, Capabilities: []string{"pause", "resume", "terminate"}}, nil
}

// webSocketChannel implements Channel over a gorilla/websocket connection,
// using one text frame per JSON line instead of newline-delimited framing
// since the WebSocket transport already delimits messages.
type webSocketChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes; the connection allows one writer at a time
}

func newWebSocketChannel(conn *websocket.Conn) Channel {
	return &webSocketChannel{conn: conn}
}

func (c *webSocketChannel) Send(obj interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(obj)
}

func (c *webSocketChannel) Receive() (json.RawMessage, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			return nil, fmt.Errorf("sandbox: websocket read: %w", err)
		}
		return nil, ErrEndOfStream
	}

	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Line: string(data), Err: err}
	}
	return raw, nil
}

func (c *webSocketChannel) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}
