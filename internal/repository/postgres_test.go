package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"rewardledger/internal/model"
)

// newTestPostgres connects to REWARD_TEST_POSTGRES_DSN and applies the
// migrations; the test is skipped when the variable is unset.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("REWARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REWARD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	if err := RunMigrations(ctx, dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewPostgres(pool)
}

func TestPostgresTransactionRoundTrip(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	user := uuid.NewString()
	ref := uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)

	tr := model.Transaction{
		ID: uuid.NewString(), UserID: user, Type: model.TransactionEarn, Source: model.SourceAdView,
		Amount: decimal.RequireFromString("0.05"), OccurredAt: at, ReferenceID: &ref,
		Seq: 1, PrevHash: model.GenesisHash, Hash: "h1",
	}
	err := p.WithinUser(ctx, user, func(ctx context.Context, tx Tx) error {
		b, err := tx.LockBalance(ctx, user)
		if err != nil {
			return err
		}
		if b.Seq != 0 || b.HeadHash != model.GenesisHash {
			t.Errorf("fresh balance = %+v", b)
		}
		if err := tx.InsertTransaction(ctx, tr); err != nil {
			return err
		}
		return tx.PutBalance(ctx, b.Apply(tr))
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}

	got, err := p.RecentTransactions(ctx, user, 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("recent = %v, %v", got, err)
	}
	if !got[0].Amount.Equal(tr.Amount) || !got[0].OccurredAt.Equal(at) || got[0].Reference() != ref {
		t.Errorf("round trip = %+v, want %+v", got[0], tr)
	}
	bal, _ := p.GetBalance(ctx, user)
	if !bal.Available.Equal(tr.Amount) || bal.HeadHash != "h1" {
		t.Errorf("balance = %+v", bal)
	}

	err = p.WithinUser(ctx, user, func(ctx context.Context, tx Tx) error {
		dup := tr
		dup.ID, dup.Seq = uuid.NewString(), 2
		return tx.InsertTransaction(ctx, dup)
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("duplicate reference err = %v, want conflict", err)
	}
}

func TestPostgresRollback(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	user := uuid.NewString()
	boom := errors.New("boom")

	err := p.WithinUser(ctx, user, func(ctx context.Context, tx Tx) error {
		if err := tx.PutBalance(ctx, model.Balance{UserID: user, Available: decimal.NewFromInt(5), HeadHash: model.GenesisHash}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if b, _ := p.GetBalance(ctx, user); !b.Available.IsZero() {
		t.Errorf("balance survived rollback: %+v", b)
	}
}

func TestPostgresSessionAndWithdrawal(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	user := uuid.NewString()
	unitID := "unit-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := model.AdViewSession{
		ID: uuid.NewString(), UserID: user, AdUnitID: unitID, TokenHash: uuid.NewString(),
		StartedAt: now, Status: model.SessionStarted,
		RewardMin: decimal.RequireFromString("0.05"), RewardMax: decimal.RequireFromString("0.10"),
	}
	w := model.Withdrawal{
		ID: uuid.NewString(), UserID: user, Amount: decimal.NewFromInt(10), Fee: decimal.RequireFromString("0.2"),
		PayoutMethod: "paypal", Destination: user + "@example.com", Status: model.WithdrawalPending,
		RequiresManualReview: true, ReviewReasons: []string{model.ReviewReasonFirstWithdrawal}, CreatedAt: now,
	}
	err := p.WithinUser(ctx, user, func(ctx context.Context, tx Tx) error {
		if err := tx.UpsertAdUnit(ctx, model.AdUnit{ID: unitID, Name: "t", RewardMin: s.RewardMin, RewardMax: s.RewardMax, CooldownSeconds: 60, DailyCap: 5, Enabled: true}); err != nil {
			return err
		}
		if err := tx.InsertSession(ctx, s); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = p.WithinUser(ctx, user, func(ctx context.Context, tx Tx) error {
		locked, err := tx.LockSession(ctx, s.TokenHash)
		if err != nil {
			return err
		}
		reward := decimal.RequireFromString("0.07")
		locked.Status, locked.CompletedAt, locked.RewardedAmount = model.SessionCompleted, &now, &reward
		if err := tx.UpdateSession(ctx, locked); err != nil {
			return err
		}
		if n, _ := tx.CountWithdrawals(ctx, user); n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
		if used, _ := tx.DestinationInUse(ctx, w.PayoutMethod, w.Destination, "someone-else"); !used {
			t.Errorf("destination not reported as used")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := p.SessionByToken(ctx, s.TokenHash)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Status != model.SessionCompleted || got.RewardedAmount == nil || !got.RewardMax.Equal(s.RewardMax) {
		t.Errorf("session = %+v", got)
	}
	gw, err := p.GetWithdrawal(ctx, w.ID)
	if err != nil || len(gw.ReviewReasons) != 1 || !gw.Fee.Equal(w.Fee) {
		t.Errorf("withdrawal = %+v, %v", gw, err)
	}
	if _, err := p.GetWithdrawal(ctx, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing withdrawal err = %v", err)
	}
}

func TestPostgresDestinationLock(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	first, second := uuid.NewString(), uuid.NewString()
	dest := uuid.NewString() + "@example.com"
	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- p.WithinUser(ctx, first, func(ctx context.Context, tx Tx) error {
			if _, err := tx.DestinationInUse(ctx, "paypal", dest, first); err != nil {
				return err
			}
			close(holding)
			<-release
			return tx.InsertWithdrawal(ctx, model.Withdrawal{
				ID: uuid.NewString(), UserID: first, Amount: decimal.NewFromInt(10), Fee: decimal.Zero,
				PayoutMethod: "paypal", Destination: dest, Status: model.WithdrawalPending, CreatedAt: time.Now().UTC(),
			})
		})
	}()
	<-holding

	result := make(chan bool, 1)
	go func() {
		_ = p.WithinUser(ctx, second, func(ctx context.Context, tx Tx) error {
			used, err := tx.DestinationInUse(ctx, "paypal", dest, second)
			result <- used
			return err
		})
	}()
	select {
	case <-result:
		t.Fatal("second check ran while the first transaction held the destination")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first: %v", err)
	}
	select {
	case used := <-result:
		if !used {
			t.Error("second check missed the committed withdrawal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second check never ran")
	}
}

func TestPostgresListBalances(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	user := uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)

	err := p.WithinUser(ctx, user, func(ctx context.Context, tx Tx) error {
		return tx.PutBalance(ctx, model.Balance{UserID: user, Available: decimal.RequireFromString("4.5"), Pending: decimal.NewFromInt(10), Seq: 2, HeadHash: "h", UpdatedAt: at})
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	all, err := p.ListBalances(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].UserID > all[i].UserID {
			t.Fatalf("not ordered at %d: %s > %s", i, all[i-1].UserID, all[i].UserID)
		}
	}
	for _, b := range all {
		if b.UserID == user {
			if !b.Available.Equal(decimal.RequireFromString("4.5")) || !b.Pending.Equal(decimal.NewFromInt(10)) {
				t.Errorf("balance = %+v", b)
			}
			return
		}
	}
	t.Errorf("user %s missing from %d balances", user, len(all))
}
