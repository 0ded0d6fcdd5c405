package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rewardledger/internal/model"
)

func TestMemoryRollbackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")
	ref := "s1"

	err := m.WithinUser(ctx, "u1", func(ctx context.Context, tx Tx) error {
		if err := tx.InsertSession(ctx, model.AdViewSession{ID: "s1", UserID: "u1", TokenHash: "h1", Status: model.SessionStarted}); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, model.Transaction{ID: "t1", UserID: "u1", Type: model.TransactionEarn, Source: model.SourceAdView, Amount: decimal.NewFromInt(1), Seq: 1, ReferenceID: &ref}); err != nil {
			return err
		}
		if err := tx.PutBalance(ctx, model.Balance{UserID: "u1", Available: decimal.NewFromInt(1), Seq: 1}); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, model.AuditEntry{ID: "a1", Action: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if _, err := m.SessionByToken(ctx, "h1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("session survived rollback")
	}
	if b, _ := m.GetBalance(ctx, "u1"); !b.Available.IsZero() || b.HeadHash != model.GenesisHash {
		t.Errorf("balance survived rollback: %+v", b)
	}
	if ids, _ := m.BalanceUserIDs(ctx); len(ids) != 0 {
		t.Errorf("balance row survived rollback")
	}
	if a, _ := m.ListAudit(ctx, 0); len(a) != 0 {
		t.Errorf("audit survived rollback")
	}
	_ = m.WithinUser(ctx, "u1", func(ctx context.Context, tx Tx) error {
		if _, found, _ := tx.TransactionByReference(ctx, model.TransactionEarn, model.SourceAdView, ref); found {
			t.Errorf("reference survived rollback")
		}
		return nil
	})
}

func TestMemoryUniqueConstraints(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ref := "w1"

	err := m.Within(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertSession(ctx, model.AdViewSession{ID: "s1", TokenHash: "h"}); err != nil {
			return err
		}
		if err := tx.InsertSession(ctx, model.AdViewSession{ID: "s2", TokenHash: "h"}); !errors.Is(err, model.ErrConflict) {
			t.Errorf("duplicate token err = %v, want conflict", err)
		}
		tr := model.Transaction{ID: "t1", UserID: "u1", Type: model.TransactionSpend, Source: model.SourceWithdrawal, Seq: 1, ReferenceID: &ref}
		if err := tx.InsertTransaction(ctx, tr); err != nil {
			return err
		}
		tr.ID, tr.Seq = "t2", 2
		if err := tx.InsertTransaction(ctx, tr); !errors.Is(err, model.ErrConflict) {
			t.Errorf("duplicate reference err = %v, want conflict", err)
		}
		tr.ID, tr.ReferenceID, tr.Seq = "t3", nil, 1
		if err := tx.InsertTransaction(ctx, tr); !errors.Is(err, model.ErrConflict) {
			t.Errorf("duplicate seq err = %v, want conflict", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}
}

func TestMemoryRollbackKeepsOtherUsersWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.WithinUser(ctx, "u1", func(ctx context.Context, tx Tx) error {
			_ = tx.InsertTransaction(ctx, model.Transaction{ID: "t1", UserID: "u1", Seq: 1})
			close(started)
			<-release
			return errors.New("abort")
		})
	}()

	<-started
	err := m.WithinUser(ctx, "u2", func(ctx context.Context, tx Tx) error {
		return tx.InsertTransaction(ctx, model.Transaction{ID: "t2", UserID: "u2", Seq: 1})
	})
	if err != nil {
		t.Fatalf("u2 insert: %v", err)
	}
	close(release)
	wg.Wait()

	if got, _ := m.RecentTransactions(ctx, "u2", 0); len(got) != 1 {
		t.Errorf("u2 entries = %d, want 1", len(got))
	}
	if got, _ := m.RecentTransactions(ctx, "u1", 0); len(got) != 0 {
		t.Errorf("u1 entries = %d, want 0", len(got))
	}
}

func TestMemoryWithdrawalQueries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = m.Within(ctx, func(ctx context.Context, tx Tx) error {
		_ = tx.InsertWithdrawal(ctx, model.Withdrawal{ID: "w1", UserID: "u1", PayoutMethod: "paypal", Destination: "a@x", Status: model.WithdrawalPending, CreatedAt: base})
		_ = tx.InsertWithdrawal(ctx, model.Withdrawal{ID: "w2", UserID: "u1", PayoutMethod: "paypal", Destination: "a@x", Status: model.WithdrawalPaid, CreatedAt: base.Add(time.Hour)})
		_ = tx.InsertWithdrawal(ctx, model.Withdrawal{ID: "w3", UserID: "u2", PayoutMethod: "paypal", Destination: "b@x", Status: model.WithdrawalPending, CreatedAt: base.Add(2 * time.Hour)})

		if n, _ := tx.CountWithdrawals(ctx, "u1"); n != 2 {
			t.Errorf("count = %d, want 2", n)
		}
		if used, _ := tx.DestinationInUse(ctx, "paypal", "a@x", "u1"); used {
			t.Errorf("own destination reported as reused")
		}
		if used, _ := tx.DestinationInUse(ctx, "paypal", "a@x", "u2"); !used {
			t.Errorf("foreign destination not reported")
		}
		return nil
	})

	pending, _ := m.ListWithdrawals(ctx, model.WithdrawalFilter{Status: model.WithdrawalPending})
	if len(pending) != 2 || pending[0].ID != "w3" {
		t.Errorf("pending = %+v, want w3 then w1", pending)
	}
	mine, _ := m.ListWithdrawals(ctx, model.WithdrawalFilter{UserID: "u1", Limit: 1})
	if len(mine) != 1 || mine[0].ID != "w2" {
		t.Errorf("latest for u1 = %+v, want w2", mine)
	}
}

func TestMemoryOutbox(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Within(ctx, func(ctx context.Context, tx Tx) error {
		_ = tx.EnqueueOutbox(ctx, model.OutboxMessage{ID: "o1", Topic: "a", Status: model.OutboxPending})
		return tx.EnqueueOutbox(ctx, model.OutboxMessage{ID: "o2", Topic: "b", Status: model.OutboxPending})
	})

	if err := m.MarkOutboxPublished(ctx, "o1", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	pending, _ := m.PendingOutbox(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "o2" {
		t.Errorf("pending = %+v, want o2", pending)
	}
	if err := m.MarkOutboxPublished(ctx, "missing", time.Now()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestMemoryContextCancelled(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := m.WithinUser(ctx, "u1", func(context.Context, Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v called = %v, want canceled before fn", err, called)
	}
}

func TestMemoryDestinationLockHeldUntilUnitEnds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	holding := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.WithinUser(ctx, "u1", func(ctx context.Context, tx Tx) error {
			if _, err := tx.DestinationInUse(ctx, "paypal", "shared", "u1"); err != nil {
				t.Errorf("u1 check: %v", err)
			}
			close(holding)
			<-release
			return tx.InsertWithdrawal(ctx, model.Withdrawal{ID: "w1", UserID: "u1", PayoutMethod: "paypal", Destination: "shared"})
		})
	}()
	<-holding

	// Another destination is not blocked.
	err := m.WithinUser(ctx, "u3", func(ctx context.Context, tx Tx) error {
		_, err := tx.DestinationInUse(ctx, "paypal", "other", "u3")
		return err
	})
	if err != nil {
		t.Fatalf("other destination: %v", err)
	}

	result := make(chan bool, 1)
	go func() {
		_ = m.WithinUser(ctx, "u2", func(ctx context.Context, tx Tx) error {
			used, err := tx.DestinationInUse(ctx, "paypal", "shared", "u2")
			if err != nil {
				t.Errorf("u2 check: %v", err)
			}
			result <- used
			return nil
		})
	}()

	select {
	case <-result:
		t.Fatal("second check ran while the first unit held the destination")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case used := <-result:
		if !used {
			t.Error("second check missed the committed withdrawal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second check never ran")
	}
}
