package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rewardledger/internal/ledger"
	"rewardledger/internal/repository"
)

const DefaultReconcileInterval = time.Hour

// Reconciler periodically recomputes every balance from its log.
// Failures are audited by the ledger itself.
type Reconciler struct {
	store    repository.Reader
	ledger   *ledger.Ledger
	interval time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

func NewReconciler(store repository.Reader, l *ledger.Ledger, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{store: store, ledger: l, interval: interval, logger: resolveLogger(logger), clock: time.Now}
}

// RunOnce checks every user with a balance and reports how many were
// checked and how many failed to reconcile.
func (r *Reconciler) RunOnce(ctx context.Context) (checked, failed int, err error) {
	ids, err := r.store.BalanceUserIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list balances: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return checked, failed, err
		}
		report, err := r.ledger.Reconcile(ctx, id, r.clock())
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
			continue
		}
		checked++
		if !report.OK() {
			failed++
		}
	}
	r.logger.Info("reconciliation pass finished", "event", "ledger.reconciliation_pass", "checked", checked, "failed", failed)
	return checked, failed, errors.Join(errs...)
}

// Start implements the infrastructure.Server interface.
func (r *Reconciler) Start(ctx context.Context) error {
	return loop(ctx, "reconciler", r.interval, r.logger, func(ctx context.Context) error {
		_, _, err := r.RunOnce(ctx)
		return err
	})
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (r *Reconciler) Stop(ctx context.Context) error {
	return nil
}
