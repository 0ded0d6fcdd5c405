package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"rewardledger/internal/model"
)

// Memory is an in-process Store. Writes inside WithinUser are journaled
// and undone when fn fails, so it honours the same atomicity contract as
// Postgres. Used by tests and single-node development.
type Memory struct {
	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	destLocks map[string]*sync.Mutex

	adUnits        map[string]model.AdUnit
	sessions       map[string]model.AdViewSession
	sessionByToken map[string]string
	balances       map[string]model.Balance
	transactions   []model.Transaction
	txByRef        map[string]model.Transaction
	withdrawals    map[string]model.Withdrawal
	withdrawalIDs  []string
	audit          []model.AuditEntry
	outbox         []model.OutboxMessage
}

func NewMemory() *Memory {
	return &Memory{
		userLocks:      make(map[string]*sync.Mutex),
		destLocks:      make(map[string]*sync.Mutex),
		adUnits:        make(map[string]model.AdUnit),
		sessions:       make(map[string]model.AdViewSession),
		sessionByToken: make(map[string]string),
		balances:       make(map[string]model.Balance),
		txByRef:        make(map[string]model.Transaction),
		withdrawals:    make(map[string]model.Withdrawal),
	}
}

func (m *Memory) userLock(userID string) *sync.Mutex {
	return m.keyLock(m.userLocks, userID)
}

func (m *Memory) keyLock(locks map[string]*sync.Mutex, key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := locks[key]
	if !ok {
		l = &sync.Mutex{}
		locks[key] = l
	}
	return l
}

func (m *Memory) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return m.run(ctx, fn)
}

func (m *Memory) Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.run(ctx, fn)
}

func (m *Memory) run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{m: m}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func refKey(typ model.TransactionType, src model.TransactionSource, ref string) string {
	return string(typ) + "|" + string(src) + "|" + ref
}

func zeroBalance(userID string) model.Balance {
	return model.Balance{UserID: userID, HeadHash: model.GenesisHash}
}

// Reader

func (m *Memory) GetAdUnit(_ context.Context, id string) (model.AdUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.adUnits[id]
	if !ok {
		return model.AdUnit{}, model.ErrNotFound
	}
	return u, nil
}

func (m *Memory) ListAdUnits(_ context.Context) ([]model.AdUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AdUnit, 0, len(m.adUnits))
	for _, u := range m.adUnits {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SessionByToken(_ context.Context, tokenHash string) (model.AdViewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionByToken[tokenHash]
	if !ok {
		return model.AdViewSession{}, model.ErrNotFound
	}
	return m.sessions[id], nil
}

func (m *Memory) StaleSessions(_ context.Context, startedBefore time.Time, limit int) ([]model.AdViewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AdViewSession
	for _, s := range m.sessions {
		if s.Status == model.SessionStarted && s.StartedAt.Before(startedBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetBalance(_ context.Context, userID string) (model.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return zeroBalance(userID), nil
	}
	return b, nil
}

func (m *Memory) BalanceUserIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ListBalances(_ context.Context, limit int) ([]model.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecentTransactions(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID != userID {
			continue
		}
		out = append(out, m.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id string) (model.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return model.Withdrawal{}, model.ErrNotFound
	}
	return w, nil
}

func (m *Memory) ListWithdrawals(_ context.Context, filter model.WithdrawalFilter) ([]model.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Withdrawal
	for i := len(m.withdrawalIDs) - 1; i >= 0; i-- {
		w := m.withdrawals[m.withdrawalIDs[i]]
		if filter.UserID != "" && w.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		out = append(out, w)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		out = append(out, m.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PendingOutbox(_ context.Context, limit int) ([]model.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxMessage
	for _, msg := range m.outbox {
		if msg.Status != model.OutboxPending {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkOutboxPublished(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			m.outbox[i].Status = model.OutboxPublished
			m.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return model.ErrNotFound
}

// memTx applies writes immediately and records how to undo them.
type memTx struct {
	m    *Memory
	undo []func()
	held map[string]*sync.Mutex
}

// release drops locks taken inside the unit, after commit or rollback.
func (t *memTx) release() {
	for _, l := range t.held {
		l.Unlock()
	}
	t.held = nil
}

func (t *memTx) rollback() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetAdUnit(ctx context.Context, id string) (model.AdUnit, error) {
	return t.m.GetAdUnit(ctx, id)
}

func (t *memTx) UpsertAdUnit(_ context.Context, unit model.AdUnit) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.adUnits[unit.ID]
	m.adUnits[unit.ID] = unit
	t.undo = append(t.undo, func() {
		if existed {
			m.adUnits[unit.ID] = prev
		} else {
			delete(m.adUnits, unit.ID)
		}
	})
	return nil
}

func (t *memTx) InsertSession(_ context.Context, s model.AdViewSession) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return model.ErrConflict
	}
	if _, ok := m.sessionByToken[s.TokenHash]; ok {
		return model.ErrConflict
	}
	m.sessions[s.ID] = s
	m.sessionByToken[s.TokenHash] = s.ID
	t.undo = append(t.undo, func() {
		delete(m.sessions, s.ID)
		delete(m.sessionByToken, s.TokenHash)
	})
	return nil
}

func (t *memTx) LockSession(ctx context.Context, tokenHash string) (model.AdViewSession, error) {
	return t.m.SessionByToken(ctx, tokenHash)
}

func (t *memTx) UpdateSession(_ context.Context, s model.AdViewSession) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sessions[s.ID]
	if !ok {
		return model.ErrNotFound
	}
	m.sessions[s.ID] = s
	t.undo = append(t.undo, func() { m.sessions[s.ID] = prev })
	return nil
}

func (t *memTx) LockBalance(ctx context.Context, userID string) (model.Balance, error) {
	return t.m.GetBalance(ctx, userID)
}

func (t *memTx) PutBalance(_ context.Context, b model.Balance) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.balances[b.UserID]
	m.balances[b.UserID] = b
	t.undo = append(t.undo, func() {
		if existed {
			m.balances[b.UserID] = prev
		} else {
			delete(m.balances, b.UserID)
		}
	})
	return nil
}

func (t *memTx) TransactionByReference(_ context.Context, typ model.TransactionType, src model.TransactionSource, ref string) (model.Transaction, bool, error) {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.txByRef[refKey(typ, src, ref)]
	return tr, ok, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr model.Transaction) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ""
	if ref := tr.Reference(); ref != "" {
		key = refKey(tr.Type, tr.Source, ref)
		if _, dup := m.txByRef[key]; dup {
			return model.ErrConflict
		}
	}
	for _, existing := range m.transactions {
		if existing.UserID == tr.UserID && existing.Seq == tr.Seq {
			return model.ErrConflict
		}
	}
	m.transactions = append(m.transactions, tr)
	if key != "" {
		m.txByRef[key] = tr
	}
	t.undo = append(t.undo, func() {
		m.transactions = slices.DeleteFunc(m.transactions, func(x model.Transaction) bool { return x.ID == tr.ID })
		if key != "" {
			delete(m.txByRef, key)
		}
	})
	return nil
}

func (t *memTx) TransactionLog(_ context.Context, userID string) ([]model.Transaction, error) {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for _, tr := range m.transactions {
		if tr.UserID == userID {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w model.Withdrawal) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[w.ID]; ok {
		return model.ErrConflict
	}
	w.ReviewReasons = slices.Clone(w.ReviewReasons)
	m.withdrawals[w.ID] = w
	m.withdrawalIDs = append(m.withdrawalIDs, w.ID)
	t.undo = append(t.undo, func() {
		delete(m.withdrawals, w.ID)
		m.withdrawalIDs = slices.DeleteFunc(m.withdrawalIDs, func(id string) bool { return id == w.ID })
	})
	return nil
}

func (t *memTx) LockWithdrawal(ctx context.Context, id string) (model.Withdrawal, error) {
	return t.m.GetWithdrawal(ctx, id)
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w model.Withdrawal) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.withdrawals[w.ID]
	if !ok {
		return model.ErrNotFound
	}
	w.ReviewReasons = slices.Clone(w.ReviewReasons)
	m.withdrawals[w.ID] = w
	t.undo = append(t.undo, func() { m.withdrawals[w.ID] = prev })
	return nil
}

func (t *memTx) CountWithdrawals(_ context.Context, userID string) (int, error) {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) DestinationInUse(_ context.Context, payoutMethod, destination, exceptUserID string) (bool, error) {
	m := t.m
	key := payoutMethod + "|" + destination
	if _, ok := t.held[key]; !ok {
		l := m.keyLock(m.destLocks, key)
		l.Lock()
		if t.held == nil {
			t.held = make(map[string]*sync.Mutex)
		}
		t.held[key] = l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.withdrawals {
		if w.UserID != exceptUserID && w.PayoutMethod == payoutMethod && w.Destination == destination {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertAudit(_ context.Context, e model.AuditEntry) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	t.undo = append(t.undo, func() {
		m.audit = slices.DeleteFunc(m.audit, func(x model.AuditEntry) bool { return x.ID == e.ID })
	})
	return nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, msg model.OutboxMessage) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, msg)
	t.undo = append(t.undo, func() {
		m.outbox = slices.DeleteFunc(m.outbox, func(x model.OutboxMessage) bool { return x.ID == msg.ID })
	})
	return nil
}
