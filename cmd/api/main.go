package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rewardledger/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("rewardledger is running")
	if err := app.Run(ctx); err != nil {
		slog.Error("application stopped with error", "error", err)
		cleanup()
		os.Exit(1)
	}
	slog.Info("rewardledger stopped")
}
