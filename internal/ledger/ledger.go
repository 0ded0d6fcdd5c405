// Package ledger is the only writer of transactions and balances.
//
// Every entry is appended under the owning user's lock, extends that user's
// hash chain, and updates the materialized balance in the same atomic unit.
// Entries are never updated or deleted; corrections are new entries.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rewardledger/internal/audit"
	"rewardledger/internal/model"
	"rewardledger/internal/outbox"
	"rewardledger/internal/repository"
)

const amountPlaces = 6

// maxAmount is the first magnitude NUMERIC(20,6) cannot hold.
var maxAmount = decimal.New(1, 14)

type Ledger struct {
	store    repository.Store
	recorder *audit.Recorder
	logger   *slog.Logger
}

func New(store repository.Store, recorder *audit.Recorder, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(logger)
	}
	return &Ledger{store: store, recorder: recorder, logger: logger}
}

// Post appends one transaction through tx, which must hold req.UserID's
// lock. A request whose reference was already posted returns the stored
// entry with Replayed set and changes nothing.
func (l *Ledger) Post(ctx context.Context, tx repository.Tx, req model.PostRequest, now time.Time) (model.PostResult, error) {
	if err := validate(req); err != nil {
		return model.PostResult{}, err
	}

	balance, err := tx.LockBalance(ctx, req.UserID)
	if err != nil {
		return model.PostResult{}, fmt.Errorf("lock balance: %w", err)
	}

	if req.ReferenceID != "" {
		existing, found, err := tx.TransactionByReference(ctx, req.Type, req.Source, req.ReferenceID)
		if err != nil {
			return model.PostResult{}, fmt.Errorf("lookup reference: %w", err)
		}
		if found {
			if existing.UserID != req.UserID || !existing.Amount.Equal(req.Amount) {
				return model.PostResult{}, model.ErrConflict.With("reference %q was posted with different terms", req.ReferenceID)
			}
			return model.PostResult{Transaction: existing, Balance: balance, Replayed: true}, nil
		}
	}

	if balance.Available.Add(req.Amount).IsNegative() {
		return model.PostResult{}, model.ErrInsufficientFunds.With("available %s, change %s",
			balance.Available.StringFixed(amountPlaces), req.Amount.StringFixed(amountPlaces))
	}

	t := model.Transaction{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Type:       req.Type,
		Source:     req.Source,
		Amount:     req.Amount,
		OccurredAt: now.UTC().Truncate(time.Microsecond),
		Seq:        balance.Seq + 1,
		PrevHash:   balance.HeadHash,
	}
	if req.ReferenceID != "" {
		ref := req.ReferenceID
		t.ReferenceID = &ref
	}
	if t.Hash, err = HashTransaction(t); err != nil {
		return model.PostResult{}, err
	}

	next := balance.Apply(t)
	if next.Pending.IsNegative() {
		return model.PostResult{}, model.ErrInvariantViolated.With("pending would become %s for user %s",
			next.Pending.StringFixed(amountPlaces), req.UserID)
	}

	if err := tx.InsertTransaction(ctx, t); err != nil {
		return model.PostResult{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.PutBalance(ctx, next); err != nil {
		return model.PostResult{}, fmt.Errorf("put balance: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, outbox.Event{
		Topic:      model.TopicTransactionCreated,
		EntityType: "transaction",
		EntityID:   t.ID,
		Payload:    t,
	}, now); err != nil {
		return model.PostResult{}, err
	}

	return model.PostResult{Transaction: t, Balance: next}, nil
}

// Adjust posts an admin correction in its own atomic unit and audits it.
// Without a reference every call is a new entry.
func (l *Ledger) Adjust(ctx context.Context, actorID string, req model.AdjustRequest, now time.Time) (model.PostResult, error) {
	if actorID == "" {
		return model.PostResult{}, model.ErrForbidden.With("adjustment requires an actor")
	}
	if req.Reason == "" {
		return model.PostResult{}, model.ErrValidation.With("adjustment reason is required")
	}
	ref := req.ReferenceID
	if ref == "" {
		ref = uuid.NewString()
	}

	var result model.PostResult
	err := l.store.WithinUser(ctx, req.UserID, func(ctx context.Context, tx repository.Tx) error {
		var err error
		result, err = l.Post(ctx, tx, model.PostRequest{
			UserID:      req.UserID,
			Type:        model.TransactionAdjust,
			Source:      model.SourceAdmin,
			Amount:      req.Amount,
			ReferenceID: ref,
		}, now)
		if err != nil || result.Replayed {
			return err
		}
		return l.recorder.Record(ctx, tx, actorID, model.ActionLedgerAdjusted, map[string]any{
			"user_id":        req.UserID,
			"amount":         req.Amount.StringFixed(amountPlaces),
			"reason":         req.Reason,
			"transaction_id": result.Transaction.ID,
		}, now)
	})
	if err != nil {
		return model.PostResult{}, err
	}

	l.logger.Info("balance adjusted",
		"event", model.ActionLedgerAdjusted,
		"user_id", req.UserID,
		"amount", req.Amount.String(),
		"replayed", result.Replayed,
	)
	return result, nil
}

// Reconcile recomputes userID's balance from the full log under the user
// lock and verifies the hash chain. A failed check is audited.
func (l *Ledger) Reconcile(ctx context.Context, userID string, now time.Time) (model.ReconciliationReport, error) {
	if userID == "" {
		return model.ReconciliationReport{}, model.ErrValidation.With("user id is required")
	}

	var report model.ReconciliationReport
	err := l.store.WithinUser(ctx, userID, func(ctx context.Context, tx repository.Tx) error {
		balance, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}
		entries, err := tx.TransactionLog(ctx, userID)
		if err != nil {
			return fmt.Errorf("load log: %w", err)
		}
		report = Verify(userID, entries, balance, now)
		if report.OK() {
			return nil
		}
		return l.recorder.Record(ctx, tx, "", model.ActionReconcileFailed, map[string]any{
			"user_id":              userID,
			"materialized":         balance.Available.StringFixed(amountPlaces),
			"recomputed":           report.Recomputed.Available.StringFixed(amountPlaces),
			"materialized_pending": balance.Pending.StringFixed(amountPlaces),
			"recomputed_pending":   report.Recomputed.Pending.StringFixed(amountPlaces),
			"chain_intact":         report.ChainIntact,
			"broken_at_seq":        report.BrokenAtSeq,
			"entries":              report.Entries,
		}, now)
	})
	if err != nil {
		return model.ReconciliationReport{}, err
	}

	if !report.OK() {
		l.logger.Error("reconciliation failed",
			"event", model.ActionReconcileFailed,
			"user_id", userID,
			"consistent", report.Consistent,
			"chain_intact", report.ChainIntact,
			"broken_at_seq", report.BrokenAtSeq,
		)
	}
	return report, nil
}

// Verify folds entries (ordered by Seq) into a balance, checks each link of
// the chain, and compares the result with materialized.
func Verify(userID string, entries []model.Transaction, materialized model.Balance, now time.Time) model.ReconciliationReport {
	report := model.ReconciliationReport{
		UserID:       userID,
		Materialized: materialized,
		Entries:      len(entries),
		ChainIntact:  true,
		CheckedAt:    now.UTC(),
	}

	recomputed := model.Balance{UserID: userID, HeadHash: model.GenesisHash}
	for i, t := range entries {
		if report.ChainIntact && !linked(t, int64(i+1), recomputed.HeadHash) {
			report.ChainIntact = false
			report.BrokenAtSeq = t.Seq
		}
		recomputed = recomputed.Apply(t)
	}
	if len(entries) == 0 {
		recomputed.UpdatedAt = materialized.UpdatedAt
	}

	report.Recomputed = recomputed
	report.Consistent = recomputed.Available.Equal(materialized.Available) &&
		recomputed.Pending.Equal(materialized.Pending) &&
		recomputed.Seq == materialized.Seq &&
		recomputed.HeadHash == materialized.HeadHash
	return report
}

func linked(t model.Transaction, seq int64, prevHash string) bool {
	if t.Seq != seq || t.PrevHash != prevHash {
		return false
	}
	hash, err := HashTransaction(t)
	return err == nil && hash == t.Hash
}

func validate(req model.PostRequest) error {
	if req.UserID == "" {
		return model.ErrValidation.With("user id is required")
	}
	if !req.Type.Valid() || !req.Source.Valid() {
		return model.ErrValidation.With("unknown transaction kind %s/%s", req.Type, req.Source)
	}
	if !req.Amount.Equal(req.Amount.Round(amountPlaces)) {
		return model.ErrInvalidAmount.With("%s has more than %d decimal places", req.Amount, amountPlaces)
	}
	if req.Amount.Abs().GreaterThanOrEqual(maxAmount) {
		return model.ErrInvalidAmount.With("%s is out of range", req.Amount)
	}

	switch {
	case req.Type == model.TransactionEarn && req.Source == model.SourceAdView:
		if !req.Amount.IsPositive() {
			return model.ErrInvalidAmount.With("earn amount must be positive")
		}
	case req.Type == model.TransactionSpend && req.Source == model.SourceWithdrawal:
		if !req.Amount.IsNegative() {
			return model.ErrInvalidAmount.With("spend amount must be negative")
		}
	case req.Type == model.TransactionAdjust && (req.Source == model.SourceAdmin || req.Source == model.SourceWithdrawal):
		if req.Amount.IsZero() {
			return model.ErrInvalidAmount.With("adjustment must not be zero")
		}
	default:
		return model.ErrValidation.With("%s is not a valid source for %s", req.Source, req.Type)
	}
	return nil
}
