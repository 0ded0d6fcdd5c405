package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rewardledger/internal/audit"
	"rewardledger/internal/catalog"
	"rewardledger/internal/ledger"
	"rewardledger/internal/model"
	"rewardledger/internal/ratelimit"
	"rewardledger/internal/repository"
	"rewardledger/internal/session"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type mockBus struct {
	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	failAfter int
}

func (b *mockBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAfter > 0 && len(b.topics) >= b.failAfter {
		return errors.New("broker unavailable")
	}
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, data)
	return nil
}

func fund(t *testing.T, l *ledger.Ledger, userID, amount string) {
	t.Helper()
	req := model.AdjustRequest{UserID: userID, Amount: decimal.RequireFromString(amount), Reason: "seed"}
	if _, err := l.Adjust(context.Background(), "ops", req, t0); err != nil {
		t.Fatalf("fund %s: %v", userID, err)
	}
}

func TestOutboxRelay(t *testing.T) {
	store := repository.NewMemory()
	l := ledger.New(store, audit.NewRecorder(nil), nil)
	fund(t, l, "alice", "5")
	fund(t, l, "bob", "7")

	bus := &mockBus{}
	relay := NewOutboxRelay(store, bus, 0, 0, nil)
	sent, err := relay.RunOnce(context.Background())
	if err != nil || sent != 4 {
		t.Fatalf("sent = %d, err = %v", sent, err)
	}
	want := []string{model.TopicTransactionCreated, "audit." + model.ActionLedgerAdjusted, model.TopicTransactionCreated, "audit." + model.ActionLedgerAdjusted}
	for i, topic := range want {
		if bus.topics[i] != topic {
			t.Errorf("topic[%d] = %s, want %s", i, bus.topics[i], topic)
		}
	}
	var env model.Envelope
	if err := json.Unmarshal(bus.payloads[0], &env); err != nil || env.EntityType != "transaction" || env.SourceService != model.ServiceName {
		t.Errorf("envelope = %+v, %v", env, err)
	}

	if pending, _ := store.PendingOutbox(context.Background(), 0); len(pending) != 0 {
		t.Errorf("pending after relay = %d", len(pending))
	}
	if sent, _ := relay.RunOnce(context.Background()); sent != 0 {
		t.Errorf("second pass sent %d", sent)
	}
}

func TestOutboxRelayStopsAtFailure(t *testing.T) {
	store := repository.NewMemory()
	l := ledger.New(store, audit.NewRecorder(nil), nil)
	fund(t, l, "alice", "5")
	fund(t, l, "bob", "7")

	bus := &mockBus{failAfter: 1}
	relay := NewOutboxRelay(store, bus, time.Second, 10, nil)
	sent, err := relay.RunOnce(context.Background())
	if err == nil || sent != 1 {
		t.Fatalf("sent = %d, err = %v", sent, err)
	}
	pending, _ := store.PendingOutbox(context.Background(), 0)
	if len(pending) != 3 || pending[0].Topic != "audit."+model.ActionLedgerAdjusted {
		t.Errorf("pending = %d, head = %+v", len(pending), pending)
	}
}

func TestReconcilerFlagsDrift(t *testing.T) {
	store := repository.NewMemory()
	l := ledger.New(store, audit.NewRecorder(nil), nil)
	fund(t, l, "alice", "5")
	fund(t, l, "bob", "7")

	err := store.Within(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		b, err := tx.LockBalance(ctx, "bob")
		if err != nil {
			return err
		}
		b.Available = b.Available.Add(decimal.NewFromInt(100))
		return tx.PutBalance(ctx, b)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	rec := NewReconciler(store, l, 0, nil)
	checked, failed, err := rec.RunOnce(context.Background())
	if err != nil || checked != 2 || failed != 1 {
		t.Fatalf("checked = %d, failed = %d, err = %v", checked, failed, err)
	}
	entries, _ := store.ListAudit(context.Background(), 1)
	if len(entries) != 1 || entries[0].Action != model.ActionReconcileFailed || entries[0].Metadata["user_id"] != "bob" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestExpirer(t *testing.T) {
	store := repository.NewMemory()
	recorder := audit.NewRecorder(nil)
	if err := catalog.Seed(context.Background(), store, recorder, catalog.Default(), t0, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := session.NewEngine(store, ratelimit.NewMemory(), ledger.New(store, recorder, nil), recorder, session.Config{}, nil)
	user := model.User{ID: "alice", Status: model.UserActive}
	if _, err := engine.StartSession(context.Background(), user, "rewarded_video", t0); err != nil {
		t.Fatalf("start: %v", err)
	}

	exp := NewExpirer(engine, 0, nil)
	exp.clock = func() time.Time { return t0.Add(10 * time.Minute) }
	if n, err := exp.RunOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("early pass = %d, %v", n, err)
	}
	exp.clock = func() time.Time { return t0.Add(session.DefaultMaxLifetime + time.Second) }
	if n, err := exp.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expired = %d, %v", n, err)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- loop(ctx, "test", time.Millisecond, resolveLogger(nil), func(context.Context) error {
			select {
			case ticks <- struct{}{}:
			default:
			}
			return errors.New("transient")
		})
	}()

	<-ticks
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("loop returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
