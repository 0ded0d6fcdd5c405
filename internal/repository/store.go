package repository

import (
	"context"
	"time"

	"rewardledger/internal/model"
)

// Reader serves non-locking reads. Results may be stale by the time the
// caller acts on them; anything that feeds a write is re-read through Tx.
type Reader interface {
	GetAdUnit(ctx context.Context, id string) (model.AdUnit, error)
	ListAdUnits(ctx context.Context) ([]model.AdUnit, error)
	SessionByToken(ctx context.Context, tokenHash string) (model.AdViewSession, error)
	StaleSessions(ctx context.Context, startedBefore time.Time, limit int) ([]model.AdViewSession, error)
	GetBalance(ctx context.Context, userID string) (model.Balance, error)
	BalanceUserIDs(ctx context.Context) ([]string, error)
	// ListBalances returns materialized balances ordered by user id.
	ListBalances(ctx context.Context, limit int) ([]model.Balance, error)
	RecentTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	GetWithdrawal(ctx context.Context, id string) (model.Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter model.WithdrawalFilter) ([]model.Withdrawal, error)
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
}

// Store is the abstract transactional store.
//
// WithinUser runs fn in a single atomic unit that holds userID's lock, so
// every balance-affecting operation for one user is serialized while
// different users proceed concurrently. If fn returns an error nothing it
// wrote is kept.
type Store interface {
	Reader
	WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
}

// Tx is the write side of one atomic unit. Lock* methods read a row and
// hold it until the unit ends.
//
// Missing rows yield model.ErrNotFound; unique-constraint violations yield
// model.ErrConflict.
type Tx interface {
	GetAdUnit(ctx context.Context, id string) (model.AdUnit, error)
	UpsertAdUnit(ctx context.Context, unit model.AdUnit) error

	InsertSession(ctx context.Context, s model.AdViewSession) error
	LockSession(ctx context.Context, tokenHash string) (model.AdViewSession, error)
	UpdateSession(ctx context.Context, s model.AdViewSession) error

	// LockBalance returns a zero balance anchored at the genesis hash when
	// the user has none yet.
	LockBalance(ctx context.Context, userID string) (model.Balance, error)
	PutBalance(ctx context.Context, b model.Balance) error
	TransactionByReference(ctx context.Context, typ model.TransactionType, src model.TransactionSource, ref string) (model.Transaction, bool, error)
	InsertTransaction(ctx context.Context, t model.Transaction) error
	TransactionLog(ctx context.Context, userID string) ([]model.Transaction, error)

	InsertWithdrawal(ctx context.Context, w model.Withdrawal) error
	LockWithdrawal(ctx context.Context, id string) (model.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w model.Withdrawal) error
	CountWithdrawals(ctx context.Context, userID string) (int, error)
	// DestinationInUse locks the destination until the unit ends, then
	// reports whether another user has withdrawn to it.
	DestinationInUse(ctx context.Context, payoutMethod, destination, exceptUserID string) (bool, error)

	InsertAudit(ctx context.Context, e model.AuditEntry) error
	EnqueueOutbox(ctx context.Context, m model.OutboxMessage) error
}
