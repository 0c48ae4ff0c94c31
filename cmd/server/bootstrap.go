package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/app"
	"github.com/charlesng35/collabhub/internal/app/maintenance"
	iauth "github.com/charlesng35/collabhub/internal/auth"
	"github.com/charlesng35/collabhub/internal/cache"
	"github.com/charlesng35/collabhub/internal/chat"
	"github.com/charlesng35/collabhub/internal/crdt"
	"github.com/charlesng35/collabhub/internal/docsync"
	"github.com/charlesng35/collabhub/internal/gateway"
	"github.com/charlesng35/collabhub/internal/middleware"
	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/internal/monitoring/checks"
	"github.com/charlesng35/collabhub/internal/persistence"
	"github.com/charlesng35/collabhub/internal/realtime"
	"github.com/charlesng35/collabhub/internal/rooms"
	"github.com/charlesng35/collabhub/internal/signaling"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	Store     persistence.Store
	Bridge    *persistence.Bridge
	Registry  *docsync.Registry
	Liveness  *docsync.Monitor
	Tracker   *realtime.Tracker
	Rooms     *rooms.Engine
	Chat      *chat.Server
	Archive   *chat.Archive
	Peers     *signaling.PeerServer
	Redis     *cache.RedisClient
	Scheduler *maintenance.Scheduler
	Monitor   *monitoring.Module
	Router    *gin.Engine

	Connections *gateway.Counter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// bootstrapRuntime opens the store and backplane, starts the background workers and builds
// the router. A malformed store URI and router construction errors are fatal; an unreachable
// store is retried and an unreachable redis leaves the gateway running without it.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{
		Tracker:     realtime.NewTracker(),
		Rooms:       rooms.NewEngine(),
		Connections: &gateway.Counter{},
	}
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mode
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	var err error
	if cfg.Monitoring.Prometheus.Enabled || cfg.Monitoring.Health.Enabled {
		stack.Monitor, err = monitoring.NewModule(monitoring.Options{})
		if err != nil {
			return nil, fmt.Errorf("initialise monitoring: %w", err)
		}
		monitoring.SetModule(stack.Monitor)
	}

	if stack.Store, err = openStore(ctx, cfg, log); err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	stack.Bridge = persistence.NewBridge(stack.Store, cfg.Store.BridgeOptions())
	stack.Registry = docsync.NewRegistry(stack.Bridge, docsync.RegistryOptions{
		GC:           cfg.Sync.GC,
		FlushTimeout: cfg.Store.Timeout,
	})
	stack.Liveness = docsync.NewMonitor(cfg.Sync.PingInterval)
	stack.Liveness.Start()

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; rooms stay local to this instance", zap.Error(err))
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stack.cancel = cancel

	if stack.Redis != nil {
		backplane := rooms.NewRedisBackplane(stack.Redis, cfg.Cache.Redis.Channel)
		stack.goRun(func() {
			if err := stack.Rooms.Run(runCtx, backplane, rooms.RelayOptions{}); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("room backplane stopped", zap.Error(err))
			}
		})
	}

	if cfg.Chat.Archive {
		stack.Archive = openArchive(stack.Store, cfg, log)
	}

	stack.Chat = chat.NewServer(chat.Config{
		Engine:         stack.Rooms,
		Relay:          signaling.NewRelay(stack.Rooms),
		Archive:        stack.Archive,
		Tracker:        stack.Tracker,
		AllowedOrigins: upgradeOrigins(cfg),
		SendBuffer:     cfg.Sync.SendBuffer,
		QueueSize:      cfg.Chat.QueueSize,
	})
	stack.goRun(func() { stack.Chat.Run(runCtx) })

	stack.Peers = signaling.NewPeerServer(signaling.PeerOptions{
		Prefix:         cfg.Signaling.Prefix,
		Key:            cfg.Signaling.Key,
		AllowDiscovery: cfg.Signaling.AllowDiscovery,
		AliveTimeout:   cfg.Signaling.AliveTimeout,
		AllowedOrigins: upgradeOrigins(cfg),
		SendBuffer:     cfg.Sync.SendBuffer,
		Tracker:        stack.Tracker,
	})

	stack.Scheduler = maintenance.NewScheduler(stack.Registry, stack.Peers,
		maintenance.WithFlushSchedule(cfg.Maintenance.FlushSchedule),
		maintenance.WithPeerExpirySchedule(cfg.Maintenance.PeerExpirySchedule),
		maintenance.WithJobTimeout(cfg.Store.Timeout),
	)
	if err := stack.Scheduler.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	var jwtSvc *iauth.JWTService
	if cfg.Auth.Enabled() {
		if jwtSvc, err = iauth.NewJWTService(cfg.Auth.JWTServiceConfig()); err != nil {
			return nil, fmt.Errorf("initialise jwt service: %w", err)
		}
	}

	rateStore := middleware.NewMemoryRateStore()
	if stack.Redis != nil {
		rateStore = middleware.NewSharedRateStore(stack.Redis)
	}

	stack.registerHealthChecks(cfg)

	routerCfg := gateway.Config{
		Production:      cfg.IsProduction(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Documents:       docsync.NewHandler(docsync.HandlerConfig{Registry: stack.Registry, Monitor: stack.Liveness, Tracker: stack.Tracker, SendBuffer: cfg.Sync.SendBuffer}),
		GC:              cfg.Sync.GC,
		PingTimeout:     cfg.Sync.PingInterval,
		ChatPrefix:      cfg.Chat.Prefix,
		Chat:            stack.Chat,
		SignalingPrefix: cfg.Signaling.Prefix,
		Signaling:       stack.Peers,
		JWT:             jwtSvc,
		RateStore:       rateStore,
		UpgradeLimit:    cfg.Server.RateLimit.Upgrades,
		UpgradeWindow:   cfg.Server.RateLimit.Window,
		Monitoring:      stack.Monitor,
		MetricsPath:     cfg.Monitoring.Prometheus.Endpoint,
		DisableMetrics:  !cfg.Monitoring.Prometheus.Enabled,
		Connections:     stack.Connections,
	}

	stack.Router, err = gateway.NewRouter(routerCfg)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	success = true
	return stack, nil
}

// openStore wraps the configured store so that a store unreachable at startup is retried in
// the background of later calls. Only a missing URI disables persistence; a malformed one is
// fatal.
func openStore(ctx context.Context, cfg *app.Config, log *zap.Logger) (persistence.Store, error) {
	if strings.TrimSpace(cfg.Store.URI) == "" {
		log.Info("persistence disabled; documents live in memory only")
		return nil, nil
	}

	opts := cfg.Store.StoreOptions()
	opts.Merge = crdt.MergeUpdates

	store := persistence.NewReconnectingStore(func(ctx context.Context) (persistence.Store, error) {
		opened, err := persistence.Open(ctx, cfg.Store.URI, opts)
		if err != nil {
			return nil, err
		}
		log.Info("document store connected", zap.String("store", fmt.Sprintf("%T", opened)))
		return opened, nil
	}, persistence.ReconnectOptions{})

	err := store.Ping(ctx)
	switch {
	case errors.Is(err, persistence.ErrInvalidURI):
		return nil, err
	case err != nil:
		log.Warn("document store unavailable; retrying in the background", zap.Error(err))
	}
	return store, nil
}

// openArchive writes chat messages to the SQL document store. Other stores have no table for
// chat messages, and a store still unreachable at startup has no connection to hand over, so
// archiving is skipped with a warning.
func openArchive(store persistence.Store, cfg *app.Config, log *zap.Logger) *chat.Archive {
	sqlStore, ok := persistence.Unwrap(store).(*persistence.SQLStore)
	if !ok {
		log.Warn("chat archive requires a SQL store; messages will not be archived")
		return nil
	}
	archive, err := chat.NewArchive(sqlStore.DB(), cfg.Chat.ArchiveQueue)
	if err != nil {
		log.Warn("chat archive unavailable", zap.Error(err))
		return nil
	}
	return archive
}

func (s *runtimeStack) registerHealthChecks(cfg *app.Config) {
	if s.Monitor == nil || !cfg.Monitoring.Health.Enabled {
		return
	}
	health := s.Monitor.Health()

	var redis checks.RedisPinger
	if s.Redis != nil {
		redis = s.Redis
	}
	health.RegisterLiveness(checks.Maintenance(0))
	health.RegisterReadiness(checks.Store(s.Store, cfg.Store.Timeout))
	health.RegisterReadiness(checks.Redis(redis, cfg.Cache.Redis.Enabled, cfg.Cache.Redis.Timeout))
	health.RegisterReadiness(checks.Persistence(0))
}

func (s *runtimeStack) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Shutdown closes live connections, flushes every document session and releases the store
// and redis, all bounded by ctx. It must run after the HTTP server stopped accepting.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var errs error

	if s.Scheduler != nil {
		select {
		case <-s.Scheduler.Stop().Done():
		case <-ctx.Done():
		}
	}
	if s.Liveness != nil {
		s.Liveness.Stop()
	}

	if s.Tracker != nil {
		if closed := s.Tracker.CloseAll(); closed > 0 {
			log.Info("closed live connections", zap.Int("count", closed))
		}
	}

	if s.Registry != nil {
		errs = multierr.Append(errs, s.Registry.Shutdown(ctx))
	}
	if s.Bridge != nil {
		errs = multierr.Append(errs, s.Bridge.Close(ctx))
	}

	if s.cancel != nil {
		s.cancel()
	}
	waitGroup(ctx, &s.wg)

	if s.Archive != nil {
		errs = multierr.Append(errs, s.Archive.Close(ctx))
	}
	if s.Store != nil {
		errs = multierr.Append(errs, s.Store.Close(ctx))
	}
	if s.Redis != nil {
		errs = multierr.Append(errs, s.Redis.Close())
	}

	monitoring.ClearModule()
	return errs
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func upgradeOrigins(cfg *app.Config) []string {
	if !cfg.IsProduction() {
		return nil
	}
	return cfg.Server.AllowedOrigins
}
