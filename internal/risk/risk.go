// Package risk holds the injected fraud predicates. Scoring itself lives
// outside this service; only the decisions taken on a score live here.
package risk

import (
	"context"

	"rewardledger/internal/model"
)

// Assessment is an external verdict on a withdrawal request.
type Assessment struct {
	Score       float64
	WalletReuse bool
}

// WithdrawalGuard assesses a withdrawal before any funds are reserved.
type WithdrawalGuard interface {
	AssessWithdrawal(ctx context.Context, userID string, req model.WithdrawalRequest) (Assessment, error)
}

// GuardFunc adapts a function to WithdrawalGuard.
type GuardFunc func(ctx context.Context, userID string, req model.WithdrawalRequest) (Assessment, error)

func (f GuardFunc) AssessWithdrawal(ctx context.Context, userID string, req model.WithdrawalRequest) (Assessment, error) {
	return f(ctx, userID, req)
}

// Static returns the same assessment for every request. The zero value
// passes everything.
type Static struct {
	Result Assessment
}

func (s Static) AssessWithdrawal(context.Context, string, model.WithdrawalRequest) (Assessment, error) {
	return s.Result, nil
}

// Threshold is the highest acceptable score; anything strictly above it
// trips the policy.
type Threshold float64

func (t Threshold) Exceeded(score float64) bool {
	return score > float64(t)
}
