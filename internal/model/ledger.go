package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionEarn   TransactionType = "earn"
	TransactionSpend  TransactionType = "spend"
	TransactionAdjust TransactionType = "adjust"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionEarn, TransactionSpend, TransactionAdjust:
		return true
	}
	return false
}

type TransactionSource string

const (
	SourceAdView     TransactionSource = "ad_view"
	SourceWithdrawal TransactionSource = "withdrawal"
	SourceAdmin      TransactionSource = "admin"
)

func (s TransactionSource) Valid() bool {
	switch s {
	case SourceAdView, SourceWithdrawal, SourceAdmin:
		return true
	}
	return false
}

// GenesisHash is the PrevHash of the first transaction in every user's log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Transaction is an immutable ledger entry. Amount is signed.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        TransactionType   `json:"type"`
	Source      TransactionSource `json:"source"`
	Amount      decimal.Decimal   `json:"amount"`
	OccurredAt  time.Time         `json:"occurred_at"`
	ReferenceID *string           `json:"reference_id,omitempty"`

	Seq      int64  `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Reference returns the idempotency key or "".
func (t Transaction) Reference() string {
	if t.ReferenceID == nil {
		return ""
	}
	return *t.ReferenceID
}

// MovesPending reports whether the entry shifts funds between available and pending.
func (t Transaction) MovesPending() bool {
	return t.Type == TransactionAdjust && t.Source == SourceWithdrawal
}

// Balance is the materialized view over a user's transaction log.
type Balance struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Chain head: position and hash of the last appended transaction.
	Seq      int64  `json:"-"`
	HeadHash string `json:"-"`
}

// Apply returns the balance after t.
func (b Balance) Apply(t Transaction) Balance {
	b.Available = b.Available.Add(t.Amount)
	if t.MovesPending() {
		b.Pending = b.Pending.Sub(t.Amount)
	}
	b.Seq = t.Seq
	b.HeadHash = t.Hash
	b.UpdatedAt = t.OccurredAt
	return b
}

// PostRequest asks the ledger to append one transaction.
type PostRequest struct {
	UserID      string
	Type        TransactionType
	Source      TransactionSource
	Amount      decimal.Decimal
	ReferenceID string
}

type PostResult struct {
	Transaction Transaction `json:"transaction"`
	Balance     Balance     `json:"balance"`
	Replayed    bool        `json:"replayed"`
}

// AdjustRequest is an admin balance correction.
type AdjustRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"reference_id"`
}

// ReconciliationReport compares the materialized balance against a full-log recomputation.
type ReconciliationReport struct {
	UserID       string    `json:"user_id"`
	Materialized Balance   `json:"materialized"`
	Recomputed   Balance   `json:"recomputed"`
	Entries      int       `json:"entries"`
	ChainIntact  bool      `json:"chain_intact"`
	BrokenAtSeq  int64     `json:"broken_at_seq,omitempty"`
	Consistent   bool      `json:"consistent"`
	CheckedAt    time.Time `json:"checked_at"`
}

// OK reports whether the balance reconciles and the chain verifies.
func (r ReconciliationReport) OK() bool {
	return r.Consistent && r.ChainIntact
}
