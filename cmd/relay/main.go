package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gateway-relay/internal/bus"
	"github.com/dgnsrekt/gateway-relay/internal/cache"
	"github.com/dgnsrekt/gateway-relay/internal/config"
	"github.com/dgnsrekt/gateway-relay/internal/server"
	"github.com/dgnsrekt/gateway-relay/internal/shard"
	"github.com/dgnsrekt/gateway-relay/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("gatewayURL", cfg.Gateway.URL),
		zap.Int("shardCount", cfg.Gateway.ShardCount),
		zap.String("externalURL", cfg.ExternalURL),
		zap.String("cacheMode", cfg.Cache.Mode),
		zap.Int("busBuffer", cfg.Bus.Buffer),
		zap.Duration("sampleInterval", cfg.Telemetry.SampleInterval),
	)

	// Pick the cache implementation; each shard gets its own instance.
	var newCache func() cache.Cache
	switch cfg.Cache.Mode {
	case "noop":
		newCache = func() cache.Cache { return cache.NewNoop() }
	case "memory":
		newCache = func() cache.Cache { return cache.NewMemory() }
	default:
		logger.Error("unknown cache mode", zap.String("mode", cfg.Cache.Mode))
		return 1
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start one session per shard
	sessions := make([]*shard.Session, 0, cfg.Gateway.ShardCount)
	for id := 0; id < cfg.Gateway.ShardCount; id++ {
		gw := transport.NewGateway(transport.GatewayConfig{
			URL:        cfg.Gateway.URL,
			Token:      cfg.Gateway.Token,
			Intents:    cfg.Gateway.Intents,
			ShardID:    id,
			ShardCount: cfg.Gateway.ShardCount,
		}, logger)
		go gw.Run(ctx)

		b := bus.New(id, cfg.Bus.Buffer, logger)
		session := shard.NewSession(id, gw, newCache(), b, cfg.ExternalURL, cfg.Telemetry.SampleInterval, logger)
		go session.Run(ctx)

		sessions = append(sessions, session)
	}

	logger.Info("shards started", zap.Int("count", len(sessions)))

	// Create router
	srv := server.NewServer(ctx, sessions, logger)
	router := server.NewRouter(srv, logger)

	// Setup HTTP server
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down relay...")

	// Cancel context to stop shard sessions and subscriber streams
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("relay stopped")
	return 0
}
