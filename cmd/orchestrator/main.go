package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"smartcabinet/internal/app"
	"smartcabinet/internal/config"
	"smartcabinet/libs/logging"
)

func main() {
	logger, err := logging.NewLogger("orchestrator")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		logger.Error("orchestrator stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("orchestrator stopped")
}
