package risk

import (
	"context"
	"testing"

	"rewardledger/internal/model"
)

func TestThreshold(t *testing.T) {
	th := Threshold(0.7)
	if th.Exceeded(0.7) {
		t.Errorf("score equal to the threshold must pass")
	}
	if !th.Exceeded(0.71) {
		t.Errorf("score above the threshold must trip")
	}
}

func TestGuards(t *testing.T) {
	var g WithdrawalGuard = Static{Result: Assessment{Score: 0.9}}
	a, err := g.AssessWithdrawal(context.Background(), "u1", model.WithdrawalRequest{})
	if err != nil || a.Score != 0.9 {
		t.Errorf("static = %+v, %v", a, err)
	}

	g = GuardFunc(func(_ context.Context, userID string, _ model.WithdrawalRequest) (Assessment, error) {
		return Assessment{WalletReuse: userID == "fraud"}, nil
	})
	if a, _ := g.AssessWithdrawal(context.Background(), "fraud", model.WithdrawalRequest{}); !a.WalletReuse {
		t.Errorf("func guard not called")
	}
}
