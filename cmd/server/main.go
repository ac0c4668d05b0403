package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/niva-ai/niva-voice-service/internal/config"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// getDynamicInstanceID identifies this instance for presence and forwarded stops.
// It uses the hostname (pod name in Kubernetes) and falls back to a timestamp ID.
func getDynamicInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("voice-service-%d", time.Now().UnixNano())
}

func main() {
	// .env is for local development and never overrides the real environment
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(getDynamicInstanceID())
	if err != nil {
		logger.Base().Fatal("Invalid configuration", zap.Error(err))
	}
	logger.Base().Info("Starting Niva Voice Service",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("provider", cfg.Provider),
		zap.String("store", cfg.Store))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		logger.Base().Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Base().Info("Server stopped")
}
