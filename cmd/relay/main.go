package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/agent/credentials"
	"github.com/kandev/relay/internal/agent/docker"
	"github.com/kandev/relay/internal/api"
	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/crypto"
	"github.com/kandev/relay/internal/environment"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/hub"
	"github.com/kandev/relay/internal/journal"
	"github.com/kandev/relay/internal/reaper"
	"github.com/kandev/relay/internal/sandbox"
	"github.com/kandev/relay/internal/secrets"
	"github.com/kandev/relay/internal/session"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting relay service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the ambient lifecycle event bus. An empty NATS URL
	// falls back to the in-memory bus rather than refusing to start: the
	// event bus is optional, unlike the crypto master key.
	eventBus, err := newEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Open the relational store. The journal, session, secrets, and
	// environment stores all share one sqlite file behind a single-writer/
	// multi-reader pair of handles.
	writerDB, readerDB, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer writerDB.Close()
	defer readerDB.Close()

	// 6. Initialize the crypto service. The master key is mandatory;
	// config.Load already refused to start without one.
	cryptoSvc, err := newCryptoService(cfg.Crypto)
	if err != nil {
		log.Fatal("Failed to initialize crypto service", zap.Error(err))
	}

	// 7. Initialize the encrypted secrets store and service.
	secretsStore, err := secrets.Provide(writerDB, readerDB, cryptoSvc, log)
	if err != nil {
		log.Fatal("Failed to provide secrets store", zap.Error(err))
	}
	defer secretsStore.Close()
	secretsSvc := secrets.NewService(secretsStore, log)

	if err := seedSecretsFromEnv(ctx, secretsSvc, log); err != nil {
		log.Warn("Failed to seed secrets from environment", zap.Error(err))
	}

	// 8. Initialize the event journal.
	eventJournal, err := journal.Provide(writerDB, readerDB)
	if err != nil {
		log.Fatal("Failed to provide event journal", zap.Error(err))
	}
	defer eventJournal.Close()

	// 9. Initialize the session store and its debounced activity tracker.
	sessionStore, err := session.Provide(writerDB, readerDB)
	if err != nil {
		log.Fatal("Failed to provide session store", zap.Error(err))
	}
	defer sessionStore.Close()
	activityTracker := session.NewActivityTracker(sessionStore, log)
	activityTracker.Start()

	// 10. Initialize the environment registry and seed its built-in
	// defaults.
	envStore, err := environment.Provide(writerDB, readerDB)
	if err != nil {
		log.Fatal("Failed to provide environment store", zap.Error(err))
	}
	defer envStore.Close()
	envRegistry := environment.NewRegistry(envStore)
	if err := envRegistry.Seed(ctx); err != nil {
		log.Fatal("Failed to seed environment registry", zap.Error(err))
	}

	// 11. Initialize Docker client for the Container sandbox provider.
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("Docker daemon unreachable, container sandboxes will fail to create", zap.Error(err))
	} else {
		log.Info("Connected to Docker daemon")
	}

	// 12. Wire the sandbox providers and manager. Every deployment gets
	// the Mock provider (chat-mode sessions and local development); the
	// Container provider is always wired against the configured Docker
	// host, even when the daemon did not answer the ping above. MicroVM
	// and Remote are left unwired here: neither has a configuration
	// section, and a deployment only ever constructs the providers it
	// has credentials and config for.
	providers := map[sandbox.ProviderType]sandbox.Provider{
		sandbox.ProviderMock:      sandbox.NewMockProvider(log),
		sandbox.ProviderContainer: sandbox.NewContainerProvider(dockerClient.Raw(), cfg.Docker.AgentImage, cfg.State.Dir, log),
	}
	sandboxManager := sandbox.NewManager(providers, secretsSvc, log)

	// 13. Wire the per-session hub registry and the idle reaper.
	hubRegistry := hub.NewRegistry(sandboxManager, eventJournal, activityTracker, log)
	idleReaper := reaper.New(sessionStore, sandboxManager, reaper.Thresholds{
		ActiveIdleAfter:    cfg.Reaper.IdleAfter(),
		IdleTerminateAfter: cfg.Reaper.TerminateAfter(),
	}, cfg.Reaper.TickInterval(), log)
	idleReaper.Start()

	// 14. Setup HTTP server with Gin.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log), api.RequestLogger(log), api.CORS(), api.ErrorHandler(log))
	if cfg.Server.RateLimitPerSecond > 0 {
		router.Use(api.RateLimit(cfg.Server.RateLimitPerSecond))
	}

	handler := api.NewHandler(sessionStore, envRegistry, sandboxManager, hubRegistry, eventJournal, eventBus, log)
	wsHandler := api.NewWSHandler(hubRegistry, log)

	apiGroup := router.Group("/api")
	api.SetupRoutes(apiGroup, handler)
	api.SetupWebSocketRoutes(router, wsHandler)
	router.GET("/health", handler.HealthCheck)

	// 15. Create HTTP server.
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 16. Start server in goroutine.
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 17. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relay service...")

	// 18. Graceful shutdown.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	idleReaper.Stop()
	activityTracker.Stop()

	log.Info("Relay service stopped")
}

// newEventBus connects to NATS when a URL is configured, otherwise falls
// back to the in-memory bus so a single-process deployment never needs a
// broker.
func newEventBus(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		log.Info("No NATS URL configured, using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	b, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("Connected to NATS event bus", zap.String("url", cfg.URL))
	return b, nil
}

// newCryptoService builds the crypto service from the master key and any
// previous key versions kept around for decrypting secrets written before
// a key rotation. previousKeys is "version:base64key,version:base64key".
func newCryptoService(cfg config.CryptoConfig) (*crypto.Service, error) {
	currentKey, err := crypto.DecodeKey(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}

	previousKeys := make(map[int][]byte)
	if strings.TrimSpace(cfg.PreviousKeys) != "" {
		for _, entry := range strings.Split(cfg.PreviousKeys, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("malformed previous key entry %q", entry)
			}
			version, err := strconv.Atoi(strings.TrimSpace(parts[0]))
			if err != nil {
				return nil, fmt.Errorf("malformed previous key version in %q: %w", entry, err)
			}
			key, err := crypto.DecodeKey(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("decode previous key %q: %w", entry, err)
			}
			previousKeys[version] = key
		}
	}

	return crypto.NewService(cfg.KeyVersion, currentKey, previousKeys)
}

// seedSecretsFromEnv registers every environment variable whose name ends
// in _API_KEY as an aiProvider secret, its id being the lower-cased name
// without that suffix (ANTHROPIC_API_KEY -> anthropic), so a fresh
// deployment started with ANTHROPIC_API_KEY-style env vars set doesn't
// need a separate provisioning call before its first session can start.
// Ids already present in the store are left untouched.
func seedSecretsFromEnv(ctx context.Context, svc *secrets.Service, log *logger.Logger) error {
	existing, err := svc.List(ctx)
	if err != nil {
		return fmt.Errorf("list existing secrets: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, s := range existing {
		present[s.ID] = true
	}

	creds := credentials.NewManager(log)
	creds.AddProvider(credentials.NewEnvProvider(""))

	for _, key := range creds.ListAvailable(ctx) {
		if !strings.HasSuffix(key, "_API_KEY") {
			continue
		}
		id := strings.ToLower(strings.TrimSuffix(key, "_API_KEY"))
		if present[id] {
			continue
		}
		cred, err := creds.GetCredential(ctx, key)
		if err != nil {
			continue
		}
		if err := svc.Upsert(ctx, secrets.KindAIProvider, id, cred.Value, true); err != nil {
			log.Warn("failed to seed secret from environment", zap.String("env_var", key), zap.Error(err))
			continue
		}
		log.Info("seeded secret from environment", zap.String("secret_id", id), zap.String("env_var", key))
	}

	return nil
}

// openDatabase opens the shared sqlite file behind a single-writer/multi-
// reader pair of handles, the standard way to get safe concurrent access
// out of sqlite's single-writer model without a separate connection pool
// library.
func openDatabase(cfg config.DatabaseConfig) (writer, reader *sqlx.DB, err error) {
	path := cfg.Path
	if path == "" {
		path = "./relay.db"
	}

	writer, err = sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open writer handle: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err = sqlx.Open("sqlite3", path)
	if err != nil {
		writer.Close()
		return nil, nil, fmt.Errorf("open reader handle: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	reader.SetMaxOpenConns(maxConns)

	return writer, reader, nil
}
