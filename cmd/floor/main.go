package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sgmi/padaria-floor/internal/api"
	"github.com/sgmi/padaria-floor/internal/auth"
	"github.com/sgmi/padaria-floor/internal/config"
	"github.com/sgmi/padaria-floor/internal/observability"
	"github.com/sgmi/padaria-floor/internal/realtime"
	"github.com/sgmi/padaria-floor/internal/session"
	"github.com/sgmi/padaria-floor/internal/snapshot"
	"github.com/sgmi/padaria-floor/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := cfg.Identity(time.Now())
	if err != nil {
		logger.Fatal("invalid session identity", zap.Error(err))
	}
	logger = observability.SessionLogger(logger, identity)

	metrics := observability.NewMetrics()

	var store snapshot.Store
	if cfg.UseRedisSnapshots() {
		store, err = snapshot.NewRedisStore(ctx, cfg.SnapshotRedisURL, 0)
	} else {
		store, err = snapshot.NewBoltStore(cfg.SnapshotPath)
	}
	if err != nil {
		logger.Fatal("snapshot store initialization failed", zap.Error(err))
	}
	defer store.Close()

	client, err := api.NewClient(cfg.APIBaseURL, nil, logger)
	if err != nil {
		logger.Fatal("api client initialization failed", zap.Error(err))
	}
	client.SetMetrics(metrics)

	tokens, err := auth.NewManager(client, store, auth.Credentials{
		Email:    cfg.OperatorEmail,
		Password: cfg.OperatorPassword,
	}, logger)
	if err != nil {
		logger.Fatal("auth manager initialization failed", zap.Error(err))
	}
	client.SetTokenSource(tokens)

	user, err := tokens.Login(ctx)
	if err != nil {
		logger.Fatal("operator login failed", zap.Error(err))
	}
	logger.Info("operator authenticated", zap.String("user_id", user.ID), zap.String("role", user.Role))

	controller, err := session.NewController(session.Config{
		Identity:           identity,
		Backend:            client,
		Store:              store,
		Logger:             logger,
		Metrics:            metrics,
		DefaultEstimatedKg: cfg.DefaultEstimatedKg,
	})
	if err != nil {
		logger.Fatal("controller initialization failed", zap.Error(err))
	}

	channel, err := realtime.NewChannel(cfg.WebsocketURL, tokens, controller.ApplyRealtimeUpdate, logger)
	if err != nil {
		logger.Fatal("realtime channel initialization failed", zap.Error(err))
	}
	channel.SetMetrics(metrics)
	controller.SetMirror(channel)

	if err := controller.Init(ctx); err != nil {
		logger.Fatal("session initialization failed", zap.Error(err))
	}

	timer := session.NewTimer(controller, logger)
	server := transport.NewServer(cfg.StatusPort, controller, channel, metrics, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A dead channel parks in its error state and the health probe
		// reports degraded; the timer and status server keep running.
		if err := channel.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime channel stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return timer.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("padaria-floor started",
		zap.Int("status_port", cfg.StatusPort),
		zap.String("api", cfg.APIBaseURL))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("station stopped", zap.Error(err))
	}
	logger.Info("padaria-floor stopped")
}
