// Package main is the entry point for the chatpulse pipeline service.
//
// One process runs everything: the HTTP control surface with the websocket
// hub, the planning/promotion/reaping tickers, and the queue consumer. The
// broker is allowed to be down at startup; the pipeline then accumulates
// planned messages until connectivity returns and publishing resumes.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatpulse/internal/api"
	"chatpulse/internal/broker"
	"chatpulse/internal/config"
	"chatpulse/internal/consumer"
	"chatpulse/internal/db"
	"chatpulse/internal/fanout"
	"chatpulse/internal/scheduler"
	"chatpulse/internal/search"
	"chatpulse/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("chatpulse starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	userRepo := db.NewUserRepository(pool)
	conversationRepo := db.NewConversationRepository(pool)
	messageRepo := db.NewMessageRepository(pool)
	plannedRepo := db.NewPlannedMessageRepository(pool)

	// Broker. A failed connect is logged, not fatal: Publish and Consume
	// redial lazily once the broker comes back.
	brokerClient := broker.New(cfg.Broker, logger)
	if err := brokerClient.Connect(ctx); err != nil {
		logger.Error("broker unavailable at startup, continuing degraded", "error", err)
	}
	defer brokerClient.Close()

	// Presence and realtime push.
	presence := ws.NewPresence(cfg.Redis, logger)
	hub := ws.NewHub(presence, logger)
	notifier := fanout.NewNotifier(presence, hub, logger)

	// Search indexing is optional.
	var indexer consumer.Indexer
	if cfg.Search.Enabled {
		ix, err := search.NewIndexer(cfg.Search, logger)
		if err != nil {
			logger.Error("search unavailable at startup, indexing disabled", "error", err)
		} else {
			indexer = ix
		}
	}

	// Pipeline services.
	planner := scheduler.NewPlanner(scheduler.PlannerConfig{
		Users:         userRepo,
		Conversations: conversationRepo,
		Planned:       plannedRepo,
		Counts:        plannedRepo,
		Pipeline:      cfg.Pipeline,
		Logger:        logger,
	})
	reaper := scheduler.NewReaper(scheduler.ReaperConfig{
		Store:     plannedRepo,
		Publisher: brokerClient,
		Queue:     cfg.Broker.Queue,
		Pipeline:  cfg.Pipeline,
		Logger:    logger,
	})
	promoter := scheduler.NewPromoter(scheduler.PromoterConfig{
		Store:     plannedRepo,
		Publisher: brokerClient,
		Reaper:    reaper,
		Queue:     cfg.Broker.Queue,
		Pipeline:  cfg.Pipeline,
		Logger:    logger,
	})
	cons := consumer.New(consumer.Config{
		Planned:       plannedRepo,
		Messages:      messageRepo,
		Conversations: conversationRepo,
		Broker:        brokerClient,
		Indexer:       indexer,
		Notifier:      notifier,
		Queue:         cfg.Broker.Queue,
		Logger:        logger,
	})

	server := api.NewServer(api.ServerConfig{
		Planner:   planner,
		Promoter:  promoter,
		Consumer:  cons,
		DB:        pool,
		WSHandler: ws.NewHandler(hub),
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return planner.Start(gctx) })
	g.Go(func() error { return promoter.Start(gctx) })
	g.Go(func() error { return reaper.Start(gctx) })

	g.Go(func() error {
		if err := cons.Start(gctx); err != nil {
			logger.Error("consumer did not start, use the control surface to retry", "error", err)
		}
		<-gctx.Done()
		return cons.Stop()
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("chatpulse stopped cleanly")
	return nil
}

// newLogger creates a structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
