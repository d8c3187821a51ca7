// Package e2e boots a complete drover control plane against a real
// PostgreSQL instance and drives it through its public surfaces: the
// HTTP API, the chat adapters, and the SSE streams.
package e2e

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/approval"
	"github.com/droverhq/drover/pkg/backend"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/dispatch"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/memory"
	"github.com/droverhq/drover/pkg/router"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/secrets"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/sessionbuffer"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/stream"
	"github.com/droverhq/drover/test/util"
)

// TestApp is a fully wired drover instance for end-to-end tests.
type TestApp struct {
	Pool    *pgxpool.Pool
	Store   *store.Store
	Buffers *sessionbuffer.Manager

	Bus       *events.Bus
	Publisher *events.Publisher
	Streams   *stream.Manager

	Lifecycle  *lifecycle.Manager
	Router     *router.Router
	Gate       *approval.Gate
	Dispatcher *dispatch.Dispatcher
	WorkerPool *scheduler.Pool
	Server     *api.Server

	// Chat is the in-process channel adapter tests speak through.
	Chat *dispatch.MemoryAdapter

	// ChatWS serves the operator chat WebSocket at /api/v1/chat/ws.
	ChatWS *dispatch.WebSocketAdapter

	// BaseURL points at the HTTP API, e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	providers    []router.Provider
	workerCount  int
	gatedActions []string
	approvalTTL  time.Duration
	stepDelay    time.Duration
	serverCfg    *config.ServerConfig
	watchTimeout time.Duration
	cooldownBase time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithProviders replaces the default single-echo provider table.
func WithProviders(providers ...router.Provider) TestAppOption {
	return func(c *testAppConfig) { c.providers = providers }
}

// WithWorkerCount sets the number of scheduler claim loops.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithGatedActions gates the named tool calls behind the approval gate.
func WithGatedActions(actions ...string) TestAppOption {
	return func(c *testAppConfig) { c.gatedActions = actions }
}

// WithApprovalTTL sets the default approval deadline.
func WithApprovalTTL(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.approvalTTL = d }
}

// WithStepDelay paces the echo backend's per-line processing, keeping
// tasks open long enough for steer messages to land.
func WithStepDelay(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.stepDelay = d }
}

// WithCooldownBase sets the crash-loop cooldown base delay.
func WithCooldownBase(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.cooldownBase = d }
}

// WithServerConfig sets a custom API server config (e.g. auth tokens).
func WithServerConfig(cfg *config.ServerConfig) TestAppOption {
	return func(c *testAppConfig) { c.serverCfg = cfg }
}

// NewTestApp creates and starts a full drover instance on a dedicated
// database schema. Shutdown is registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workerCount:  2,
		approvalTTL:  time.Hour,
		watchTimeout: 15 * time.Second,
		cooldownBase: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(tc)
	}

	ctx := context.Background()
	logger := slog.Default()

	pool := util.SetupTestPool(t)
	st := store.New(pool)

	buffers, err := sessionbuffer.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(buffers.CloseAll)

	bus := events.NewBus()
	pub := events.NewPublisher(bus)

	streams := stream.NewManager(stream.Config{
		RingSize:          64,
		PendingQueueSize:  64,
		HeartbeatInterval: 15 * time.Second,
		WriteTimeout:      5 * time.Second,
	})
	detach := streams.AttachBus(bus)
	t.Cleanup(func() {
		detach()
		streams.Shutdown()
	})

	lc := lifecycle.New(lifecycle.Config{
		HeartbeatInterval: time.Second,
		MissedHeartbeats:  3,
		CooldownBase:      tc.cooldownBase,
		CooldownMax:       20 * tc.cooldownBase,
		MonitorInterval:   25 * time.Millisecond,
	}, lifecycle.Sources{
		Jobs:    st,
		Agents:  st,
		Skills:  lifecycle.StaticSkills{},
		Memory:  memory.NewSearcher(st),
		Buffers: buffers,
	}, pub, logger)
	lc.Start()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lc.Shutdown(shutdownCtx)
	})

	if len(tc.providers) == 0 {
		tc.providers = []router.Provider{{
			ID:       "echo",
			Backend:  backend.NewEcho(backend.EchoConfig{StepDelay: tc.stepDelay}),
			Priority: 100,
		}}
	}
	for _, p := range tc.providers {
		require.NoError(t, p.Backend.Start(ctx))
	}
	t.Cleanup(func() {
		for _, p := range tc.providers {
			_ = p.Backend.Stop(context.Background())
		}
	})

	rt, err := router.New(tc.providers, pub)
	require.NoError(t, err)

	keyring, err := secrets.NewKeyring(bytes.Repeat([]byte{0x42}, secrets.KeySize), secrets.NewMemoryKeyStore())
	require.NoError(t, err)

	dispatcher := dispatch.New(st, dispatch.Config{
		JobTimeout:   10 * time.Second,
		PollInterval: 25 * time.Millisecond,
		WatchTimeout: tc.watchTimeout,
	}, logger)
	t.Cleanup(dispatcher.Stop)

	gate := approval.New(st, keyring, pub, dispatcher, approval.Config{
		GatedActions: tc.gatedActions,
		DefaultTTL:   tc.approvalTTL,
	}, logger)
	dispatcher.SetApprovals(gate)

	chat := dispatch.NewMemoryAdapter("")
	dispatcher.Register(chat)
	require.NoError(t, chat.Start(ctx))

	chatWS := dispatch.NewWebSocketAdapter(nil, logger)
	dispatcher.Register(chatWS)
	require.NoError(t, chatWS.Start(ctx))
	t.Cleanup(func() { _ = chatWS.Stop(context.Background()) })

	executor := scheduler.NewExecutor(lc, rt, buffers, gate, pub)
	workerPool := scheduler.NewPool("e2e-"+t.Name(), st, scheduler.Config{
		WorkerCount:        tc.workerCount,
		PollInterval:       25 * time.Millisecond,
		PollIntervalJitter: 5 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		OrphanScanInterval: time.Minute,
		OrphanThreshold:    time.Minute,
		DefaultTimeout:     10 * time.Second,
		ShutdownGrace:      5 * time.Second,
		Retry:              scheduler.RetryPolicy{Base: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
	}, executor, pub)
	require.NoError(t, workerPool.Start(ctx))
	t.Cleanup(workerPool.Stop)

	serverCfg := tc.serverCfg
	if serverCfg == nil {
		serverCfg = config.DefaultServerConfig()
	}
	server := api.NewServer(serverCfg, database.NewClientFromPool(pool),
		services.NewAgentService(st, lc),
		services.NewSessionService(st),
		services.NewJobService(st),
		gate, streams)
	server.SetWorkerPool(workerPool)
	server.SetChatAdapter(chatWS)

	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	return &TestApp{
		Pool:       pool,
		Store:      st,
		Buffers:    buffers,
		Bus:        bus,
		Publisher:  pub,
		Streams:    streams,
		Lifecycle:  lc,
		Router:     rt,
		Gate:       gate,
		Dispatcher: dispatcher,
		WorkerPool: workerPool,
		Server:     server,
		Chat:       chat,
		ChatWS:     chatWS,
		BaseURL:    httpSrv.URL,
		t:          t,
	}
}
