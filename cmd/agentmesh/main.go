// Package main is the entry point for the agentmesh orchestration runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	"github.com/agentmesh/agentmesh/internal/persistence"
	"github.com/agentmesh/agentmesh/internal/queue"
	"github.com/agentmesh/agentmesh/internal/ratelimit"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/task"
	"github.com/agentmesh/agentmesh/internal/transport"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting agentmesh runtime...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue backing and state cache share the Redis deployment; without one
	// the runtime degrades to in-process backends.
	queueBackend, cache := provideRedisTiers(ctx, cfg, log)
	msgQueue := queue.New(queueBackend, queue.Config{
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryDelay:      cfg.Queue.RetryDelayDuration(),
		DeadLetterQueue: cfg.Queue.DeadLetterQueue,
		MaxQueueSize:    cfg.Queue.MaxQueueSize,
		MessageTTL:      cfg.Queue.MessageTTLDuration(),
	}, log)

	store, err := persistence.Provide(ctx, &cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to initialize durable store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	persist := persistence.NewManager(cache, store, cfg.Persistence.CacheTTLDuration(), log)

	// Reconcile states left behind by a previous run before serving traffic.
	recov := persistence.NewRecovery(cache, store, cfg.Recovery.MaxRetries,
		cfg.Recovery.RetryDelayDuration(), persistence.NopMonitor{}, log)
	restoreAgentStates(ctx, recov, store, persist, log)

	bus, busCleanup, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	msgRouter := router.New(router.Config{
		MaxSubscriptionsPerAgent: cfg.PubSub.MaxSubscriptionsPerAgent,
		MaxTopicsPerAgent:        cfg.PubSub.MaxTopicsPerAgent,
		WildcardEnabled:          cfg.PubSub.WildcardEnabled,
		DeliveryTimeout:          time.Duration(cfg.PubSub.DeliveryTimeout) * time.Millisecond,
	}, log)

	orch := orchestrator.New(orchestrator.Deps{
		Router:      msgRouter,
		Queue:       msgQueue,
		Persistence: persist,
		Bus:         bus,
		Limiter: ratelimit.NewBucket(ratelimit.Config{
			TokensPerInterval: cfg.RateLimit.TokensPerInterval,
			Interval:          cfg.RateLimit.IntervalDuration(),
			MaxTokens:         cfg.RateLimit.MaxTokens,
		}),
	}, log)
	if err := orch.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	// Built-in worker that handles task assignments locally.
	if err := orch.RegisterAgent(ctx, task.NewExecutor("executor", log)); err != nil {
		log.Fatal("Failed to register task executor", zap.Error(err))
	}

	var wsServer *transport.Server
	wsServer = transport.NewServer(transport.Config{
		Path:              cfg.Transport.Path,
		HeartbeatInterval: cfg.Transport.HeartbeatIntervalDuration(),
		MaxConnections:    cfg.Transport.MaxConnections,
		MaxFramesPerSec:   cfg.Transport.MaxFramesPerSec,
	}, orch.TransportEvents(func(connID string, m *protocol.Message) error {
		return wsServer.Send(connID, m)
	}), log)

	go wsServer.Run(ctx)
	go orch.RunDispatcher(ctx)
	if cfg.Persistence.SyncInterval > 0 {
		go runSyncLoop(ctx, orch, time.Duration(cfg.Persistence.SyncInterval)*time.Second, log)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(httpmw.RequestLogger(log, "agentmesh"))
	engine.Use(httpmw.Recovery(log))
	wsServer.Attach(engine)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"agents":      len(orch.AgentIDs()),
			"connections": wsServer.ConnectionCount(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentmesh runtime...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	wsServer.Shutdown()
	orch.Shutdown(shutdownCtx)

	log.Info("agentmesh runtime stopped")
}

// provideRedisTiers connects the queue backend and state cache to Redis,
// falling back to the in-memory implementations when Redis is unreachable.
func provideRedisTiers(ctx context.Context, cfg *config.Config, log *logger.Logger) (queue.Backend, persistence.Cache) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	backend, err := queue.NewRedisBackend(cfg.Redis.URL)
	if err == nil {
		err = backend.Ping(pingCtx)
	}
	if err != nil {
		log.Warn("Redis unavailable, using in-memory queue and cache",
			zap.String("redis_url", cfg.Redis.URL),
			zap.Error(err))
		return queue.NewMemoryBackend(), persistence.NewMemoryCache()
	}

	cache, err := persistence.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		log.Warn("Failed to create Redis cache, using in-memory cache", zap.Error(err))
		return backend, persistence.NewMemoryCache()
	}

	log.Info("Connected to Redis", zap.String("redis_url", cfg.Redis.URL))
	return backend, cache
}

// runSyncLoop periodically reconciles the cache from the durable store. The
// orchestrator announces each successful pass on the event bus.
func runSyncLoop(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.SyncStates(ctx); err != nil {
				log.Error("State sync failed", zap.Error(err))
			}
		}
	}
}

// restoreAgentStates runs the two-source recovery for every agent the store
// knows about and writes the resolved state back through both tiers.
func restoreAgentStates(ctx context.Context, recov *persistence.Recovery, store persistence.Store, persist *persistence.Manager, log *logger.Logger) {
	ids, err := store.ListAgentIDs(ctx)
	if err != nil {
		log.Warn("Failed to list agents for state recovery", zap.Error(err))
		return
	}

	restored := 0
	for _, id := range ids {
		s, err := recov.RecoverState(ctx, id)
		if err != nil {
			log.Warn("State recovery failed",
				zap.String("agent_id", id),
				zap.Error(err))
			continue
		}
		if s == nil {
			continue
		}
		if err := persist.SaveState(ctx, id, s); err != nil {
			log.Warn("Failed to save recovered state",
				zap.String("agent_id", id),
				zap.Error(err))
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Info("Recovered agent states", zap.Int("count", restored))
	}
}
