package infrastructure

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// Server is anything App runs: listeners, subscribers and background workers.
// Start blocks until ctx is cancelled or the server fails.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type App struct {
	servers []Server
	logger  *slog.Logger
}

func NewApp(servers []Server, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{servers: servers, logger: logger}
}

// Run starts every server and waits. The first failure, or cancellation of
// ctx, stops them all.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range a.servers {
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	<-ctx.Done()
	a.logger.Info("shutting down", "servers", len(a.servers))

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range a.servers {
		if err := srv.Stop(stopCtx); err != nil {
			a.logger.Warn("server stop failed", "error", err)
		}
	}

	return g.Wait()
}
