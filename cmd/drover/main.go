// Drover control-plane server: serves the HTTP API, runs the job
// scheduler, and supervises the agent fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/approval"
	"github.com/droverhq/drover/pkg/backend"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/dispatch"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/janitor"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/memory"
	"github.com/droverhq/drover/pkg/router"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/secrets"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/sessionbuffer"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/stream"
	"github.com/droverhq/drover/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting drover",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"providers", stats.Providers,
		"workers", stats.Workers,
		"gated_actions", stats.GatedActions)

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.Pool())

	// 3. One-time startup reclaim: requeue jobs this pod's workers held
	// when the previous process died.
	if n, err := st.ReclaimWorkerJobs(ctx, podID); err != nil {
		slog.Error("Failed to reclaim worker jobs", "error", err)
		// Non-fatal; the periodic orphan scan will catch them.
	} else if n > 0 {
		slog.Info("Requeued jobs from previous run", "count", n)
	}

	// 4. Secrets keyring. Without a persistent master key, credentials
	// stored in earlier runs cannot be decrypted.
	masterKeyEnc := os.Getenv("DROVER_MASTER_KEY")
	if masterKeyEnc == "" {
		masterKeyEnc, err = secrets.GenerateMasterKey()
		if err != nil {
			slog.Error("Failed to generate master key", "error", err)
			os.Exit(1)
		}
		slog.Warn("DROVER_MASTER_KEY not set, using an ephemeral key; " +
			"stored credentials will not survive a restart")
	}
	masterKey, err := secrets.DecodeMasterKey(masterKeyEnc)
	if err != nil {
		slog.Error("Invalid DROVER_MASTER_KEY", "error", err)
		os.Exit(1)
	}
	keyring, err := secrets.NewKeyring(masterKey, st)
	if err != nil {
		slog.Error("Failed to initialize keyring", "error", err)
		os.Exit(1)
	}

	// 5. Session buffers
	buffers, err := sessionbuffer.NewManager(cfg.Buffer.Root)
	if err != nil {
		slog.Error("Failed to initialize session buffer root",
			"root", cfg.Buffer.Root, "error", err)
		os.Exit(1)
	}
	defer buffers.CloseAll()

	// 6. Event bus and SSE streams
	bus := events.NewBus()
	pub := events.NewPublisher(bus)

	streams := stream.NewManager(stream.Config{
		RingSize:          cfg.Stream.ReplaySize,
		PendingQueueSize:  cfg.Stream.PendingQueueSize,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		WriteTimeout:      cfg.Stream.WriteTimeout,
	})
	detachStreams := streams.AttachBus(bus)
	defer detachStreams()

	// 7. Agent lifecycle
	lc := lifecycle.New(lifecycle.Config{
		HeartbeatInterval: cfg.Lifecycle.HeartbeatInterval,
		MissedHeartbeats:  cfg.Lifecycle.MissedHeartbeats,
		IdleTimeout:       cfg.Lifecycle.IdleTimeout,
		CooldownBase:      cfg.Lifecycle.CooldownBase,
		CooldownMax:       cfg.Lifecycle.CooldownMax,
		CrashWindow:       cfg.Lifecycle.CrashWindow,
		SteerBuffer:       cfg.Lifecycle.SteerBuffer,
		MonitorInterval:   cfg.Lifecycle.MonitorInterval,
		MemoryContextSize: cfg.Lifecycle.MemoryContextSize,
	}, lifecycle.Sources{
		Jobs:    st,
		Agents:  st,
		Skills:  lifecycle.StaticSkills{},
		Memory:  memory.NewSearcher(st),
		Buffers: buffers,
	}, pub, slog.Default())
	lc.Start()

	// 8. Execution providers and router
	providers, err := buildProviders(cfg.Providers, st, keyring)
	if err != nil {
		slog.Error("Failed to build providers", "error", err)
		os.Exit(1)
	}
	for _, p := range providers {
		if err := p.Backend.Start(ctx); err != nil {
			slog.Error("Failed to start provider backend", "provider_id", p.ID, "error", err)
			os.Exit(1)
		}
	}
	rt, err := router.New(providers, pub)
	if err != nil {
		slog.Error("Failed to build router", "error", err)
		os.Exit(1)
	}
	slog.Info("Provider router initialized", "providers", len(providers))

	// 9. Approval gate and dispatcher. The two reference each other: the
	// gate notifies chats through the dispatcher, button callbacks decide
	// through the gate.
	dispatcher := dispatch.New(st, dispatch.Config{
		MaxHistoryMessages: cfg.Dispatch.MaxHistoryMessages,
		JobMaxAttempts:     cfg.Dispatch.JobMaxAttempts,
		JobTimeout:         cfg.Dispatch.JobTimeout,
		PollInterval:       cfg.Dispatch.PollInterval,
		WatchTimeout:       cfg.Dispatch.WatchTimeout,
		GoalType:           cfg.Dispatch.GoalType,
	}, slog.Default())

	gate := approval.New(st, keyring, pub, dispatcher, approval.Config{
		GatedActions: cfg.Approval.GatedActions,
		RiskLevels:   cfg.Approval.RiskLevels,
		DefaultTTL:   cfg.Approval.DefaultTTL,
		SweepLimit:   cfg.Approval.SweepLimit,
	}, slog.Default())
	dispatcher.SetApprovals(gate)

	chatWS := dispatch.NewWebSocketAdapter(cfg.Server.AllowedWSOrigins, slog.Default())
	dispatcher.Register(chatWS)
	if err := chatWS.Start(ctx); err != nil {
		slog.Error("Failed to start WebSocket chat adapter", "error", err)
		os.Exit(1)
	}

	// 10. Worker pool
	executor := scheduler.NewExecutor(lc, rt, buffers, gate, pub)
	pool := scheduler.NewPool(podID, st, scheduler.Config{
		WorkerCount:        cfg.Scheduler.WorkerCount,
		MaxConcurrentJobs:  cfg.Scheduler.MaxConcurrentJobs,
		PollInterval:       cfg.Scheduler.PollInterval,
		PollIntervalJitter: cfg.Scheduler.PollIntervalJitter,
		HeartbeatInterval:  cfg.Scheduler.HeartbeatInterval,
		OrphanScanInterval: cfg.Scheduler.OrphanScanInterval,
		OrphanThreshold:    cfg.Scheduler.OrphanThreshold,
		DefaultTimeout:     cfg.Scheduler.DefaultTimeout,
		ShutdownGrace:      cfg.Scheduler.ShutdownGrace,
		Retry: scheduler.RetryPolicy{
			Base:       cfg.Scheduler.Retry.Base,
			Multiplier: cfg.Scheduler.Retry.Multiplier,
			MaxDelay:   cfg.Scheduler.Retry.MaxDelay,
		},
	}, executor, pub)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 11. Janitor: approval expiry sweep and retention cleanup
	jan, err := janitor.New(st, buffers, gate, *cfg.Approval, *cfg.Retention, slog.Default())
	if err != nil {
		slog.Error("Failed to create janitor", "error", err)
		os.Exit(1)
	}
	if err := jan.Start(); err != nil {
		slog.Error("Failed to start janitor", "error", err)
		os.Exit(1)
	}

	// 12. Domain services and HTTP server
	agentService := services.NewAgentService(st, lc)
	sessionService := services.NewSessionService(st)
	jobService := services.NewJobService(st)

	httpServer := api.NewServer(cfg.Server, dbClient,
		agentService, sessionService, jobService, gate, streams)
	httpServer.SetWorkerPool(pool)
	httpServer.SetChatAdapter(chatWS)

	// 13. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Drover started successfully",
		"pod_id", podID,
		"workers", cfg.Scheduler.WorkerCount)

	// 14. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 15. Graceful shutdown: stop intake first, then drain the layers
	// beneath it in dependency order.
	if err := jan.Stop(); err != nil {
		slog.Warn("Janitor shutdown error", "error", err)
	}

	poolDone := make(chan struct{})
	go func() {
		pool.Stop()
		close(poolDone)
	}()
	select {
	case <-poolDone:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(cfg.Scheduler.ShutdownGrace + 5*time.Second):
		slog.Warn("Worker pool shutdown grace exceeded")
	}

	dispatcher.Stop()
	if err := chatWS.Stop(ctx); err != nil {
		slog.Warn("Chat adapter shutdown error", "error", err)
	}

	lcCtx, lcCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := lc.Shutdown(lcCtx); err != nil {
		slog.Warn("Lifecycle shutdown error", "error", err)
	}
	lcCancel()

	streams.Shutdown()

	for _, p := range providers {
		if err := p.Backend.Stop(ctx); err != nil {
			slog.Warn("Provider backend shutdown error", "provider_id", p.ID, "error", err)
		}
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("Drover shut down")
}

// buildProviders turns the provider table into routable backends. API keys
// come either straight from config or from a user's encrypted credential,
// resolved per call so rotation takes effect without a restart.
func buildProviders(table []config.ProviderConfig, st *store.Store, keyring *secrets.Keyring) ([]router.Provider, error) {
	providers := make([]router.Provider, 0, len(table))
	for _, pc := range table {
		keys := keySource(pc, st, keyring)

		var be backend.Backend
		var err error
		switch pc.Type {
		case config.ProviderTypeAnthropic:
			be, err = backend.NewAnthropicFromConfig(backend.AnthropicConfig{
				Keys:          keys,
				Model:         pc.Model,
				MaxTokens:     pc.MaxTokens,
				ContextTokens: pc.ContextTokens,
				GoalTypes:     pc.GoalTypes,
			})
		case config.ProviderTypeOpenAI:
			be, err = backend.NewOpenAIFromConfig(backend.OpenAIConfig{
				Keys:          keys,
				Model:         pc.Model,
				MaxTokens:     pc.MaxTokens,
				ContextTokens: pc.ContextTokens,
				GoalTypes:     pc.GoalTypes,
			})
		case config.ProviderTypeEcho:
			be = backend.NewEcho(backend.EchoConfig{})
		default:
			err = fmt.Errorf("unknown provider type %q", pc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}

		providers = append(providers, router.Provider{
			ID:            pc.ID,
			Backend:       be,
			Priority:      pc.Priority,
			MaxConcurrent: pc.MaxConcurrent,
			Breaker: router.BreakerConfig{
				FailureThreshold:        pc.Breaker.FailureThreshold,
				OpenDuration:            pc.Breaker.OpenDuration,
				HalfOpenMaxAttempts:     pc.Breaker.HalfOpenMaxAttempts,
				SuccessThresholdToClose: pc.Breaker.SuccessThresholdToClose,
			},
		})
	}
	return providers, nil
}

func keySource(pc config.ProviderConfig, st *store.Store, keyring *secrets.Keyring) backend.KeySource {
	if pc.CredentialUser == "" {
		return backend.StaticKey(pc.APIKey)
	}
	user, provider := pc.CredentialUser, pc.Type
	return backend.KeySourceFunc(func(ctx context.Context) (string, error) {
		cred, err := st.GetCredential(ctx, user, provider)
		if err != nil {
			return "", fmt.Errorf("failed to load credential for %s/%s: %w", user, provider, err)
		}
		return keyring.DecryptCredential(ctx, user, string(cred.AccessTokenEnc))
	})
}
