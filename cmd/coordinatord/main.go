// Package main is the entry point for coordinatord, the Coordinator's
// HTTP service: session/run/blueprint CRUD, the runner register/heartbeat/
// dispatch protocol, and the session event stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/api"
	"github.com/agentmesh/coordinator/internal/blueprint"
	"github.com/agentmesh/coordinator/internal/common/broadcast"
	"github.com/agentmesh/coordinator/internal/common/config"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/common/tracing"
	"github.com/agentmesh/coordinator/internal/domain"
	"github.com/agentmesh/coordinator/internal/eventbus"
	"github.com/agentmesh/coordinator/internal/queue"
	"github.com/agentmesh/coordinator/internal/registry"
	"github.com/agentmesh/coordinator/internal/sessioncontroller"
	"github.com/agentmesh/coordinator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting coordinatord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, "coordinator")
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	db, err := store.Open(cfg.Store.URL, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()
	log.Info("store opened", zap.String("driver", db.Driver()))

	bps := blueprint.NewBlueprintStore(log, db)
	if cfg.Blueprint.AgentsDir != "" {
		if err := bps.Hydrate(ctx, cfg.Blueprint.AgentsDir); err != nil {
			log.Fatal("failed to hydrate blueprints", zap.Error(err))
		}
	}

	bus := eventbus.New(log, cfg.Events.SubscriberBufferSize)
	wake := broadcast.New()

	reg := registry.New(db, log, wake, cfg.Runner.HeartbeatStaleDuration(), cfg.Runner.HeartbeatTimeoutDuration())

	var sessions *sessioncontroller.Controller
	onTerminal := queue.TerminalHook(func(ctx context.Context, run *domain.Run) {
		if sessions != nil {
			sessions.OnRunTerminal(ctx, run)
		}
	})

	q := queue.New(db, bps, reg, bus, wake, log, cfg.Runner.NoMatchTimeoutDuration(), onTerminal)

	recovery := sessioncontroller.RecoveryMode(cfg.Recovery.Mode)
	sessions = sessioncontroller.New(db, q, bus, wake, log, recovery, cfg.Runner.HeartbeatTimeoutDuration())

	if err := sessions.RecoverySweep(ctx); err != nil {
		log.Error("recovery sweep failed", zap.Error(err))
	}

	go q.RunSweepLoop(ctx, cfg.Runner.SweepIntervalDuration())

	handler := api.New(db, q, reg, bps, sessions, bus, log, cfg.Runner.PollTimeoutDuration(), cfg.Runner.HeartbeatIntervalDuration())

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(handler, log, cfg.Server.CORSOrigins)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down coordinatord")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("coordinatord stopped")
}
