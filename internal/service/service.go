package service

import (
	"context"
	"log/slog"
	"time"

	"rewardledger/internal/adnetwork"
	"rewardledger/internal/ledger"
	"rewardledger/internal/model"
	"rewardledger/internal/repository"
	"rewardledger/internal/session"
	"rewardledger/internal/withdrawal"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
	DefaultAuditLimit   = 100
	MaxAuditLimit       = 1000
	DefaultUsersLimit   = 100
	MaxUsersLimit       = 1000
)

// RewardService is the application surface.
// All transport layers (HTTP, gRPC, NATS) depend on this interface.
type RewardService interface {
	StartSession(ctx context.Context, user model.User, adUnitID string) (model.StartedSession, error)
	CompleteSession(ctx context.Context, user model.User, proof adnetwork.Callback) (model.CompletedSession, error)
	HandleCallback(ctx context.Context, cb adnetwork.Callback) (model.CompletedSession, error)
	GetBalance(ctx context.Context, userID string) (model.Balance, error)
	History(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	RequestWithdrawal(ctx context.Context, user model.User, req model.WithdrawalRequest) (model.Withdrawal, error)
	ListMyWithdrawals(ctx context.Context, userID string) ([]model.Withdrawal, error)

	ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error)
	ReviewWithdrawal(ctx context.Context, adminID, id string, decision model.ReviewDecision, notes string) (model.Withdrawal, error)
	MarkPaid(ctx context.Context, adminID, id, overrideNote string) (model.Withdrawal, error)
	AdjustBalance(ctx context.Context, adminID string, req model.AdjustRequest) (model.PostResult, error)
	Reconcile(ctx context.Context, userID string) (model.ReconciliationReport, error)
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
	ListBalances(ctx context.Context, limit int) ([]model.Balance, error)
}

// Rewards composes the engine, workflow and ledger behind RewardService.
type Rewards struct {
	store    repository.Reader
	engine   *session.Engine
	workflow *withdrawal.Workflow
	ledger   *ledger.Ledger
	verifier *adnetwork.Verifier
	logger   *slog.Logger
	clock    func() time.Time
}

var _ RewardService = (*Rewards)(nil)

type Option func(*Rewards)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Rewards) { r.clock = clock }
}

func New(store repository.Reader, engine *session.Engine, workflow *withdrawal.Workflow, l *ledger.Ledger, verifier *adnetwork.Verifier, logger *slog.Logger, opts ...Option) *Rewards {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = adnetwork.NewVerifier("")
	}
	r := &Rewards{
		store:    store,
		engine:   engine,
		workflow: workflow,
		ledger:   l,
		verifier: verifier,
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rewards) now() time.Time { return r.clock().UTC() }

func (r *Rewards) StartSession(ctx context.Context, user model.User, adUnitID string) (model.StartedSession, error) {
	return r.engine.StartSession(ctx, user, adUnitID, r.now())
}

// CompleteSession finalizes a session on behalf of its owner. The client
// relays the ad network's signed proof; only the signature makes the view
// count, so an unsigned or tampered proof rejects the session.
func (r *Rewards) CompleteSession(ctx context.Context, user model.User, proof adnetwork.Callback) (model.CompletedSession, error) {
	return r.complete(ctx, &user, proof)
}

// HandleCallback finalizes a session from a signed ad-network callback.
// A bad signature still finalizes the session, as rejected.
func (r *Rewards) HandleCallback(ctx context.Context, cb adnetwork.Callback) (model.CompletedSession, error) {
	return r.complete(ctx, nil, cb)
}

func (r *Rewards) complete(ctx context.Context, user *model.User, cb adnetwork.Callback) (model.CompletedSession, error) {
	if cb.SessionToken == "" {
		return model.CompletedSession{}, model.ErrValidation.With("session_token is required")
	}
	proof := r.verifier.Verify(cb)
	if !proof.Verified {
		attrs := []any{"event", "proof_unverified", "network", cb.Network}
		if user != nil {
			attrs = append(attrs, "user_id", user.ID)
		}
		r.logger.Warn("ad network proof failed verification", attrs...)
	}
	return r.engine.CompleteSession(ctx, model.CompleteRequest{Token: cb.SessionToken, Proof: proof, User: user}, r.now())
}

func (r *Rewards) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	if userID == "" {
		return model.Balance{}, model.ErrValidation.With("user id is required")
	}
	return r.store.GetBalance(ctx, userID)
}

// History returns the user's latest transactions, newest first.
func (r *Rewards) History(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if userID == "" {
		return nil, model.ErrValidation.With("user id is required")
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return r.store.RecentTransactions(ctx, userID, limit)
}

func (r *Rewards) RequestWithdrawal(ctx context.Context, user model.User, req model.WithdrawalRequest) (model.Withdrawal, error) {
	return r.workflow.Request(ctx, user, req, r.now())
}

func (r *Rewards) ListMyWithdrawals(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	if userID == "" {
		return nil, model.ErrValidation.With("user id is required")
	}
	return r.workflow.List(ctx, model.WithdrawalFilter{UserID: userID})
}

func (r *Rewards) ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	return r.workflow.List(ctx, model.WithdrawalFilter{Status: status})
}

func (r *Rewards) ReviewWithdrawal(ctx context.Context, adminID, id string, decision model.ReviewDecision, notes string) (model.Withdrawal, error) {
	return r.workflow.Review(ctx, id, decision, adminID, notes, r.now())
}

func (r *Rewards) MarkPaid(ctx context.Context, adminID, id, overrideNote string) (model.Withdrawal, error) {
	return r.workflow.MarkPaid(ctx, id, adminID, overrideNote, r.now())
}

func (r *Rewards) AdjustBalance(ctx context.Context, adminID string, req model.AdjustRequest) (model.PostResult, error) {
	return r.ledger.Adjust(ctx, adminID, req, r.now())
}

func (r *Rewards) Reconcile(ctx context.Context, userID string) (model.ReconciliationReport, error) {
	if userID == "" {
		return model.ReconciliationReport{}, model.ErrValidation.With("user id is required")
	}
	return r.ledger.Reconcile(ctx, userID, r.now())
}

func (r *Rewards) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultAuditLimit
	case limit > MaxAuditLimit:
		limit = MaxAuditLimit
	}
	return r.store.ListAudit(ctx, limit)
}

// ListBalances returns per-user balances for the admin overview.
func (r *Rewards) ListBalances(ctx context.Context, limit int) ([]model.Balance, error) {
	switch {
	case limit <= 0:
		limit = DefaultUsersLimit
	case limit > MaxUsersLimit:
		limit = MaxUsersLimit
	}
	return r.store.ListBalances(ctx, limit)
}
