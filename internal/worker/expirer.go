package worker

import (
	"context"
	"log/slog"
	"time"

	"rewardledger/internal/session"
)

const (
	DefaultExpireInterval = time.Minute
	expireBatch           = 500
)

// Expirer closes sessions nobody completed within their lifetime and
// frees their cap slots.
type Expirer struct {
	engine   *session.Engine
	interval time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

func NewExpirer(engine *session.Engine, interval time.Duration, logger *slog.Logger) *Expirer {
	if interval <= 0 {
		interval = DefaultExpireInterval
	}
	return &Expirer{engine: engine, interval: interval, logger: resolveLogger(logger), clock: time.Now}
}

func (e *Expirer) RunOnce(ctx context.Context) (int, error) {
	n, err := e.engine.ExpireStale(ctx, e.clock(), expireBatch)
	if n > 0 {
		e.logger.Info("stale sessions expired", "event", "session.expired", "count", n)
	}
	return n, err
}

// Start implements the infrastructure.Server interface.
func (e *Expirer) Start(ctx context.Context) error {
	return loop(ctx, "session_expirer", e.interval, e.logger, func(ctx context.Context) error {
		_, err := e.RunOnce(ctx)
		return err
	})
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (e *Expirer) Stop(ctx context.Context) error {
	return nil
}
