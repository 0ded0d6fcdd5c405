// Package withdrawal drives payout requests through
// pending -> {approved, rejected}, approved -> paid.
//
// Requested funds move from available to pending with a logged
// reservation; rejection releases them and payment turns them into spends.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rewardledger/internal/audit"
	"rewardledger/internal/ledger"
	"rewardledger/internal/model"
	"rewardledger/internal/repository"
	"rewardledger/internal/risk"
)

const (
	MinPayoutDelay = 24 * time.Hour
	MaxPayoutDelay = 72 * time.Hour

	DefaultMaxRiskScore = 0.7
)

var (
	DefaultMinAmount = decimal.NewFromInt(10)
	DefaultFee       = decimal.RequireFromString("0.20")
)

type Config struct {
	MinAmount    decimal.Decimal
	Fee          decimal.Decimal
	MaxRiskScore float64
	PayoutDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinAmount:    DefaultMinAmount,
		Fee:          DefaultFee,
		MaxRiskScore: DefaultMaxRiskScore,
		PayoutDelay:  MinPayoutDelay,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Fee.IsNegative():
		return model.ErrValidation.With("withdrawal fee must not be negative")
	case !c.MinAmount.GreaterThan(c.Fee):
		return model.ErrValidation.With("withdrawal minimum %s must exceed the fee %s", c.MinAmount, c.Fee)
	case c.PayoutDelay < MinPayoutDelay || c.PayoutDelay > MaxPayoutDelay:
		return model.ErrValidation.With("payout delay %s outside %s..%s", c.PayoutDelay, MinPayoutDelay, MaxPayoutDelay)
	case c.MaxRiskScore <= 0:
		return model.ErrValidation.With("withdrawal risk threshold must be positive")
	}
	return nil
}

type Workflow struct {
	store    repository.Store
	ledger   *ledger.Ledger
	recorder *audit.Recorder
	guard    risk.WithdrawalGuard
	cfg      Config
	logger   *slog.Logger
}

func NewWorkflow(store repository.Store, l *ledger.Ledger, recorder *audit.Recorder, guard risk.WithdrawalGuard, cfg Config, logger *slog.Logger) (*Workflow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if guard == nil {
		guard = risk.Static{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: store, ledger: l, recorder: recorder, guard: guard, cfg: cfg, logger: logger}, nil
}

func (w *Workflow) validateRequest(req model.WithdrawalRequest) error {
	switch {
	case !req.Amount.Equal(req.Amount.Round(6)):
		return model.ErrInvalidAmount.With("%s has more than 6 decimal places", req.Amount)
	case strings.TrimSpace(req.PayoutMethod) == "":
		return model.ErrValidation.With("payout_method is required")
	case strings.TrimSpace(req.Destination) == "":
		return model.ErrValidation.With("destination is required")
	case req.Amount.LessThan(w.cfg.MinAmount):
		return model.ErrBelowMinimum.With("minimum is %s", w.cfg.MinAmount.StringFixed(2))
	}
	return nil
}

// Request reserves req.Amount and opens a pending withdrawal.
func (w *Workflow) Request(ctx context.Context, user model.User, req model.WithdrawalRequest, now time.Time) (model.Withdrawal, error) {
	if user.ID == "" {
		return model.Withdrawal{}, model.ErrValidation.With("user id is required")
	}
	if !user.Active() {
		return model.Withdrawal{}, model.ErrUserNotActive.With("user %s is %s", user.ID, user.Status)
	}
	req.PayoutMethod = strings.TrimSpace(req.PayoutMethod)
	req.Destination = strings.TrimSpace(req.Destination)
	if err := w.validateRequest(req); err != nil {
		return model.Withdrawal{}, err
	}

	assessment, err := w.guard.AssessWithdrawal(ctx, user.ID, req)
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("assess withdrawal: %w", err)
	}
	if assessment.WalletReuse {
		w.logger.Warn("withdrawal denied", "user_id", user.ID, "reason", model.ErrWalletReuseDetected.Code)
		return model.Withdrawal{}, model.ErrWalletReuseDetected
	}

	now = now.UTC()
	wd := model.Withdrawal{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Amount:       req.Amount,
		Fee:          w.cfg.Fee,
		PayoutMethod: req.PayoutMethod,
		Destination:  req.Destination,
		Status:       model.WithdrawalPending,
		CreatedAt:    now,
	}

	err = w.store.WithinUser(ctx, user.ID, func(ctx context.Context, tx repository.Tx) error {
		reused, err := tx.DestinationInUse(ctx, wd.PayoutMethod, wd.Destination, user.ID)
		if err != nil {
			return fmt.Errorf("check destination: %w", err)
		}
		if reused {
			return model.ErrWalletReuseDetected
		}

		previous, err := tx.CountWithdrawals(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("count withdrawals: %w", err)
		}
		if previous == 0 {
			wd.ReviewReasons = append(wd.ReviewReasons, model.ReviewReasonFirstWithdrawal)
		}
		if risk.Threshold(w.cfg.MaxRiskScore).Exceeded(assessment.Score) {
			wd.ReviewReasons = append(wd.ReviewReasons, model.ReviewReasonRiskScore)
		}
		wd.RequiresManualReview = len(wd.ReviewReasons) > 0

		if _, err := w.ledger.Post(ctx, tx, model.PostRequest{
			UserID:      user.ID,
			Type:        model.TransactionAdjust,
			Source:      model.SourceWithdrawal,
			Amount:      wd.Amount.Neg(),
			ReferenceID: wd.ReserveRef(),
		}, now); err != nil {
			return err
		}
		if err := tx.InsertWithdrawal(ctx, wd); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		return w.recorder.Record(ctx, tx, user.ID, model.ActionWithdrawalRequested, map[string]any{
			"withdrawal_id":          wd.ID,
			"amount":                 wd.Amount.String(),
			"fee":                    wd.Fee.String(),
			"payout_method":          wd.PayoutMethod,
			"requires_manual_review": wd.RequiresManualReview,
			"review_reasons":         wd.ReviewReasons,
			"risk_score":             assessment.Score,
		}, now)
	})
	if err != nil {
		if errors.Is(err, model.ErrWalletReuseDetected) {
			w.logger.Warn("withdrawal denied", "user_id", user.ID, "reason", model.ErrWalletReuseDetected.Code)
		}
		return model.Withdrawal{}, err
	}

	w.logger.Info("withdrawal requested",
		"event", model.ActionWithdrawalRequested,
		"user_id", user.ID,
		"withdrawal_id", wd.ID,
		"amount", wd.Amount.String(),
		"requires_manual_review", wd.RequiresManualReview,
	)
	return wd, nil
}

// Review approves or rejects a pending withdrawal. Rejection releases the
// reservation in the same atomic unit.
func (w *Workflow) Review(ctx context.Context, id string, decision model.ReviewDecision, reviewerID, notes string, now time.Time) (model.Withdrawal, error) {
	if reviewerID == "" {
		return model.Withdrawal{}, model.ErrForbidden.With("review requires a reviewer")
	}
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return model.Withdrawal{}, model.ErrValidation.With("decision must be %q or %q", model.DecisionApprove, model.DecisionReject)
	}
	now = now.UTC()

	var out model.Withdrawal
	err := w.withinWithdrawal(ctx, id, func(ctx context.Context, tx repository.Tx, wd model.Withdrawal) error {
		if wd.Status != model.WithdrawalPending {
			return model.ErrInvalidTransition.With("withdrawal %s is %s", wd.ID, wd.Status)
		}
		wd.ReviewedAt = &now
		wd.ReviewerID = &reviewerID
		if notes != "" {
			wd.ReviewNotes = &notes
		}

		action := model.ActionWithdrawalApproved
		if decision == model.DecisionApprove {
			wd.Status = model.WithdrawalApproved
			wd.ApprovedAt = &now
		} else {
			action = model.ActionWithdrawalRejected
			wd.Status = model.WithdrawalRejected
			if _, err := w.ledger.Post(ctx, tx, model.PostRequest{
				UserID:      wd.UserID,
				Type:        model.TransactionAdjust,
				Source:      model.SourceWithdrawal,
				Amount:      wd.Amount,
				ReferenceID: wd.ReleaseRef(),
			}, now); err != nil {
				return err
			}
		}

		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		out = wd
		return w.recorder.Record(ctx, tx, reviewerID, action, map[string]any{
			"withdrawal_id": wd.ID,
			"user_id":       wd.UserID,
			"amount":        wd.Amount.String(),
			"notes":         notes,
		}, now)
	})
	if err != nil {
		return model.Withdrawal{}, err
	}

	w.logger.Info("withdrawal reviewed",
		"event", "withdrawal."+string(out.Status),
		"withdrawal_id", out.ID,
		"user_id", out.UserID,
		"reviewer_id", reviewerID,
	)
	return out, nil
}

// MarkPaid settles an approved withdrawal once the payout delay has passed
// since approval. A non-empty overrideNote skips the delay and is kept.
func (w *Workflow) MarkPaid(ctx context.Context, id, adminID, overrideNote string, now time.Time) (model.Withdrawal, error) {
	if adminID == "" {
		return model.Withdrawal{}, model.ErrForbidden.With("payout requires an admin")
	}
	overrideNote = strings.TrimSpace(overrideNote)
	now = now.UTC()

	var out model.Withdrawal
	err := w.withinWithdrawal(ctx, id, func(ctx context.Context, tx repository.Tx, wd model.Withdrawal) error {
		if wd.Status != model.WithdrawalApproved {
			return model.ErrInvalidTransition.With("withdrawal %s is %s", wd.ID, wd.Status)
		}
		if wd.ApprovedAt == nil {
			return model.ErrInvariantViolated.With("approved withdrawal %s has no approval time", wd.ID)
		}
		eligibleAt := wd.ApprovedAt.Add(w.cfg.PayoutDelay)
		if now.Before(eligibleAt) && overrideNote == "" {
			return model.ErrPayoutDelayActive.With("eligible at %s", eligibleAt.Format(time.RFC3339))
		}

		posts := []model.PostRequest{
			{UserID: wd.UserID, Type: model.TransactionAdjust, Source: model.SourceWithdrawal, Amount: wd.Amount, ReferenceID: wd.ReleaseRef()},
			{UserID: wd.UserID, Type: model.TransactionSpend, Source: model.SourceWithdrawal, Amount: wd.NetAmount().Neg(), ReferenceID: wd.PayoutRef()},
		}
		if wd.Fee.IsPositive() {
			posts = append(posts, model.PostRequest{UserID: wd.UserID, Type: model.TransactionSpend, Source: model.SourceWithdrawal, Amount: wd.Fee.Neg(), ReferenceID: wd.FeeRef()})
		}
		for _, p := range posts {
			if _, err := w.ledger.Post(ctx, tx, p, now); err != nil {
				return err
			}
		}

		wd.Status = model.WithdrawalPaid
		wd.PaidAt = &now
		if overrideNote != "" {
			note := "payout override: " + overrideNote
			if wd.ReviewNotes != nil && *wd.ReviewNotes != "" {
				note = *wd.ReviewNotes + "\n" + note
			}
			wd.ReviewNotes = &note
		}
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		out = wd
		return w.recorder.Record(ctx, tx, adminID, model.ActionWithdrawalPaid, map[string]any{
			"withdrawal_id": wd.ID,
			"user_id":       wd.UserID,
			"amount":        wd.Amount.String(),
			"fee":           wd.Fee.String(),
			"net_amount":    wd.NetAmount().String(),
			"delay_skipped": now.Before(eligibleAt),
			"override_note": overrideNote,
		}, now)
	})
	if err != nil {
		return model.Withdrawal{}, err
	}

	w.logger.Info("withdrawal paid",
		"event", model.ActionWithdrawalPaid,
		"withdrawal_id", out.ID,
		"user_id", out.UserID,
		"admin_id", adminID,
	)
	return out, nil
}

// withinWithdrawal locks the owner of id and hands fn the locked row.
func (w *Workflow) withinWithdrawal(ctx context.Context, id string, fn func(ctx context.Context, tx repository.Tx, wd model.Withdrawal) error) error {
	if id == "" {
		return model.ErrValidation.With("withdrawal id is required")
	}
	current, err := w.store.GetWithdrawal(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrWithdrawalNotFound.With("%s", id)
	}
	if err != nil {
		return fmt.Errorf("load withdrawal: %w", err)
	}
	return w.store.WithinUser(ctx, current.UserID, func(ctx context.Context, tx repository.Tx) error {
		wd, err := tx.LockWithdrawal(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			return model.ErrWithdrawalNotFound.With("%s", id)
		}
		if err != nil {
			return fmt.Errorf("lock withdrawal: %w", err)
		}
		return fn(ctx, tx, wd)
	})
}

func (w *Workflow) Get(ctx context.Context, id string) (model.Withdrawal, error) {
	wd, err := w.store.GetWithdrawal(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.Withdrawal{}, model.ErrWithdrawalNotFound.With("%s", id)
	}
	return wd, err
}

// List returns withdrawals newest first.
func (w *Workflow) List(ctx context.Context, filter model.WithdrawalFilter) ([]model.Withdrawal, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.ErrValidation.With("unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return w.store.ListWithdrawals(ctx, filter)
}
