package worker

import (
	"context"
	"log/slog"
	"time"
)

// loop calls tick every interval until ctx is cancelled. A failed tick is
// logged and retried on the next one.
func loop(ctx context.Context, name string, interval time.Duration, logger *slog.Logger, tick func(ctx context.Context) error) error {
	logger.Info("worker is running", "worker", name, "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker received shutdown signal", "worker", name)
			return nil
		case <-ticker.C:
			if err := tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("worker tick failed", "worker", name, "error", err)
			}
		}
	}
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
