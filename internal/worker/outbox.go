package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rewardledger/internal/repository"
)

const (
	DefaultOutboxInterval = 2 * time.Second
	DefaultOutboxBatch    = 100
)

// OutboxRelay drains pending outbox messages to the message bus in
// enqueue order. A message is marked published only after the bus accepts
// it, so delivery is at least once.
type OutboxRelay struct {
	store    repository.Store
	bus      repository.MessageBus
	interval time.Duration
	batch    int
	logger   *slog.Logger
	clock    func() time.Time
}

func NewOutboxRelay(store repository.Store, bus repository.MessageBus, interval time.Duration, batch int, logger *slog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = DefaultOutboxInterval
	}
	if batch <= 0 {
		batch = DefaultOutboxBatch
	}
	return &OutboxRelay{
		store:    store,
		bus:      bus,
		interval: interval,
		batch:    batch,
		logger:   resolveLogger(logger),
		clock:    time.Now,
	}
}

// RunOnce publishes one batch and reports how many messages went out. It
// stops at the first bus failure so later messages never overtake it.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.store.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}
	sent := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := r.bus.Publish(msg.Topic, msg.Payload); err != nil {
			return sent, fmt.Errorf("publish %s (%s): %w", msg.ID, msg.Topic, err)
		}
		if err := r.store.MarkOutboxPublished(ctx, msg.ID, r.clock().UTC()); err != nil {
			return sent, fmt.Errorf("mark %s published: %w", msg.ID, err)
		}
		sent++
	}
	if sent > 0 {
		r.logger.Debug("outbox relayed", "count", sent)
	}
	return sent, nil
}

// Start implements the infrastructure.Server interface.
func (r *OutboxRelay) Start(ctx context.Context) error {
	return loop(ctx, "outbox_relay", r.interval, r.logger, func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (r *OutboxRelay) Stop(ctx context.Context) error {
	return nil
}
