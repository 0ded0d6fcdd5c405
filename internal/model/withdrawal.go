package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
	WithdrawalPaid     WithdrawalStatus = "paid"
)

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalPending, WithdrawalApproved, WithdrawalRejected, WithdrawalPaid:
		return true
	}
	return false
}

const (
	ReviewReasonFirstWithdrawal = "first_withdrawal"
	ReviewReasonRiskScore       = "risk_score"
)

type Withdrawal struct {
	ID                   string           `json:"withdrawal_id"`
	UserID               string           `json:"user_id"`
	Amount               decimal.Decimal  `json:"amount"`
	Fee                  decimal.Decimal  `json:"fee"`
	PayoutMethod         string           `json:"payout_method"`
	Destination          string           `json:"destination"`
	Status               WithdrawalStatus `json:"status"`
	RequiresManualReview bool             `json:"requires_manual_review"`
	ReviewReasons        []string         `json:"review_reasons,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	ReviewedAt           *time.Time       `json:"reviewed_at,omitempty"`
	ReviewerID           *string          `json:"reviewer_id,omitempty"`
	ReviewNotes          *string          `json:"review_notes,omitempty"`
	ApprovedAt           *time.Time       `json:"approved_at,omitempty"`
	PaidAt               *time.Time       `json:"paid_at,omitempty"`
}

// NetAmount is what reaches the payout destination.
func (w Withdrawal) NetAmount() decimal.Decimal {
	return w.Amount.Sub(w.Fee)
}

// Ledger references derived from the withdrawal id.
func (w Withdrawal) ReserveRef() string { return w.ID + ":reserve" }
func (w Withdrawal) ReleaseRef() string { return w.ID + ":release" }
func (w Withdrawal) PayoutRef() string  { return w.ID }
func (w Withdrawal) FeeRef() string     { return w.ID + ":fee" }

type WithdrawalRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	PayoutMethod string          `json:"payout_method"`
	Destination  string          `json:"destination"`
}

type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approved"
	DecisionReject  ReviewDecision = "rejected"
)

type WithdrawalFilter struct {
	UserID string
	Status WithdrawalStatus
	Limit  int
}
