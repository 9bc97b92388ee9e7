// Package docker wraps the Docker SDK client construction the sandbox
// container provider needs. It does not wrap container lifecycle calls
// itself — the provider talks to the raw SDK client directly (see Raw)
// so it can use the exact container/image/mount types it needs without
// a second layer of structs to keep in sync.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"go.uber.org/zap"
)

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Raw returns the underlying SDK client, for callers such as the sandbox
// container provider that need the raw type rather than this wrapper's
// higher-level operations.
func (c *Client) Raw() *client.Client {
	return c.cli
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	c.logger.Debug("Pinging Docker daemon")

	_, err := c.cli.Ping(ctx)
	if err != nil {
		c.logger.Error("Docker ping failed", zap.Error(err))
		return fmt.Errorf("docker ping failed: %w", err)
	}

	c.logger.Debug("Docker daemon is available")
	return nil
}
