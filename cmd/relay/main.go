package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/acrispino/chat-relay/internal/analytics"
	tracesapi "github.com/acrispino/chat-relay/internal/api/traces"
	"github.com/acrispino/chat-relay/internal/api/webhook"
	"github.com/acrispino/chat-relay/internal/config"
	"github.com/acrispino/chat-relay/internal/relay"
	"github.com/acrispino/chat-relay/internal/server"
	"github.com/acrispino/chat-relay/internal/storage/sqlite"
	"github.com/acrispino/chat-relay/internal/telemetry"
	"github.com/acrispino/chat-relay/internal/tokens"
	"github.com/acrispino/chat-relay/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.Init("chat-relay", logger)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
		}
	}()

	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open trace store: %v", err)
	}
	defer store.Close()

	backendTimeout := time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	pipeline := relay.NewPipeline(relay.Options{
		Store:     store,
		Access:    relay.NewRuleList(cfg.Access.Rules),
		Backend:   relay.NewHTTPBackend(cfg.Backend.URL, cfg.Backend.Model, backendTimeout),
		Sender:    relay.NewHTTPSender(cfg.Outbound.URL, time.Duration(cfg.Outbound.TimeoutSeconds)*time.Second, logger),
		Estimator: tokens.NewEstimator(),
		Logger:    logger,
		Streaming: cfg.Backend.Streaming,
		StreamOpts: tracing.StreamOptions{
			SampleEvery:   cfg.Tracing.ChunkSampleEvery,
			SizeThreshold: cfg.Tracing.ChunkSizeThreshold,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := tracing.NewSweeper(store, logger,
		time.Duration(cfg.Tracing.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Tracing.StaleTimeoutSeconds)*time.Second)
	go sweeper.Run(ctx)

	srv := server.New(cfg.Server.Port, logger)
	webhook.NewHandler(pipeline, logger, backendTimeout).Routes(srv.Router)
	tracesapi.NewServer(store, analytics.New(store)).Routes(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigCh:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
