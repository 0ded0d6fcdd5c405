package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"rewardledger/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store. Per-user serialization uses a
// transaction-scoped advisory lock keyed on the user id; unique constraints
// on session token digests and (type, source, reference_id) back the
// replay guarantees.
type Postgres struct {
	dbPool *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{dbPool: db}
}

func (p *Postgres) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	return p.begin(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
			return fmt.Errorf("acquire user lock: %w", err)
		}
		return fn(ctx, &pgTx{q: tx})
	})
}

func (p *Postgres) Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.begin(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

func (p *Postgres) begin(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, p.dbPool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
	return mapError(err)
}

// mapError translates driver errors into the store contract.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return model.ErrConflict.Because(err)
		}
	}
	return err
}

// Reader

func (p *Postgres) GetAdUnit(ctx context.Context, id string) (model.AdUnit, error) {
	return getAdUnit(ctx, p.dbPool, id)
}

func (p *Postgres) ListAdUnits(ctx context.Context) ([]model.AdUnit, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT `+adUnitColumns+` FROM ad_units ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list ad units: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AdUnit, error) {
		return scanAdUnit(row)
	})
}

func (p *Postgres) SessionByToken(ctx context.Context, tokenHash string) (model.AdViewSession, error) {
	return scanSession(p.dbPool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM ad_view_sessions WHERE token_hash = $1`, tokenHash))
}

func (p *Postgres) StaleSessions(ctx context.Context, startedBefore time.Time, limit int) ([]model.AdViewSession, error) {
	rows, err := p.dbPool.Query(ctx, `
		SELECT `+sessionColumns+` FROM ad_view_sessions
		WHERE status = 'started' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`, startedBefore.UTC(), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AdViewSession, error) {
		return scanSession(row)
	})
}

func (p *Postgres) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	b, err := scanBalance(p.dbPool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`, userID))
	if errors.Is(err, model.ErrNotFound) {
		return zeroBalance(userID), nil
	}
	return b, err
}

func (p *Postgres) BalanceUserIDs(ctx context.Context) ([]string, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT user_id FROM balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list balance owners: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) ListBalances(ctx context.Context, limit int) ([]model.Balance, error) {
	rows, err := p.dbPool.Query(ctx, `
		SELECT `+balanceColumns+` FROM balances
		ORDER BY user_id
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Balance, error) {
		return scanBalance(row)
	})
}

func (p *Postgres) RecentTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	rows, err := p.dbPool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2`, userID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Transaction, error) {
		return scanTransaction(row)
	})
}

func (p *Postgres) GetWithdrawal(ctx context.Context, id string) (model.Withdrawal, error) {
	return scanWithdrawal(p.dbPool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

func (p *Postgres) ListWithdrawals(ctx context.Context, filter model.WithdrawalFilter) ([]model.Withdrawal, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.dbPool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, filter.UserID, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Withdrawal, error) {
		return scanWithdrawal(row)
	})
}

func (p *Postgres) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	rows, err := p.dbPool.Query(ctx, `
		SELECT id, actor_id, action, metadata, created_at FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditEntry, error) {
		var (
			e   model.AuditEntry
			raw []byte
		)
		if err := row.Scan(&e.ID, &e.ActorID, &e.Action, &raw, &e.CreatedAt); err != nil {
			return e, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Metadata); err != nil {
				return e, fmt.Errorf("decode audit metadata %s: %w", e.ID, err)
			}
		}
		return e, nil
	})
}

func (p *Postgres) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	rows, err := p.dbPool.Query(ctx, `
		SELECT id, topic, payload, status, created_at, published_at FROM outbox
		WHERE status = 'pending'
		ORDER BY seq
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.OutboxMessage, error) {
		var msg model.OutboxMessage
		err := row.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.CreatedAt, &msg.PublishedAt)
		return msg, err
	})
}

func (p *Postgres) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	tag, err := p.dbPool.Exec(ctx,
		`UPDATE outbox SET status = 'published', published_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// pgTx implements Tx over one pgx transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) GetAdUnit(ctx context.Context, id string) (model.AdUnit, error) {
	return getAdUnit(ctx, t.q, id)
}

func (t *pgTx) UpsertAdUnit(ctx context.Context, u model.AdUnit) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO ad_units (id, name, reward_min, reward_max, cooldown_seconds, daily_cap, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			reward_min = EXCLUDED.reward_min,
			reward_max = EXCLUDED.reward_max,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			daily_cap = EXCLUDED.daily_cap,
			is_active = EXCLUDED.is_active,
			updated_at = now()`,
		u.ID, u.Name, u.RewardMin, u.RewardMax, u.CooldownSeconds, u.DailyCap, u.Enabled)
	return mapError(err)
}

func (t *pgTx) InsertSession(ctx context.Context, s model.AdViewSession) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO ad_view_sessions
			(id, user_id, ad_unit_id, token_hash, started_at, status, reward_min, reward_max)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.AdUnitID, s.TokenHash, s.StartedAt.UTC(), string(s.Status), s.RewardMin, s.RewardMax)
	return mapError(err)
}

func (t *pgTx) LockSession(ctx context.Context, tokenHash string) (model.AdViewSession, error) {
	return scanSession(t.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM ad_view_sessions WHERE token_hash = $1 FOR UPDATE`, tokenHash))
}

func (t *pgTx) UpdateSession(ctx context.Context, s model.AdViewSession) error {
	var amount decimal.NullDecimal
	if s.RewardedAmount != nil {
		amount = decimal.NewNullDecimal(*s.RewardedAmount)
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE ad_view_sessions
		SET status = $2, completed_at = $3, rewarded_amount = $4
		WHERE id = $1`,
		s.ID, string(s.Status), utcPtr(s.CompletedAt), amount)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (model.Balance, error) {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO balances (user_id, available, pending, seq, head_hash, updated_at)
		VALUES ($1, 0, 0, 0, $2, now())
		ON CONFLICT (user_id) DO NOTHING`, userID, model.GenesisHash); err != nil {
		return model.Balance{}, mapError(err)
	}
	return scanBalance(t.q.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *pgTx) PutBalance(ctx context.Context, b model.Balance) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO balances (user_id, available, pending, seq, head_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			available = EXCLUDED.available,
			pending = EXCLUDED.pending,
			seq = EXCLUDED.seq,
			head_hash = EXCLUDED.head_hash,
			updated_at = EXCLUDED.updated_at`,
		b.UserID, b.Available, b.Pending, b.Seq, b.HeadHash, b.UpdatedAt.UTC())
	return mapError(err)
}

func (t *pgTx) TransactionByReference(ctx context.Context, typ model.TransactionType, src model.TransactionSource, ref string) (model.Transaction, bool, error) {
	tr, err := scanTransaction(t.q.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE type = $1 AND source = $2 AND reference_id = $3`, string(typ), string(src), ref))
	if errors.Is(err, model.ErrNotFound) {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, err
	}
	return tr, true, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr model.Transaction) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO transactions
			(id, user_id, type, source, amount, occurred_at, reference_id, seq, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.UserID, string(tr.Type), string(tr.Source), tr.Amount, tr.OccurredAt.UTC(),
		tr.ReferenceID, tr.Seq, tr.PrevHash, tr.Hash)
	return mapError(err)
}

func (t *pgTx) TransactionLog(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1
		ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("read transaction log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Transaction, error) {
		return scanTransaction(row)
	})
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w model.Withdrawal) error {
	reasons := w.ReviewReasons
	if reasons == nil {
		reasons = []string{}
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO withdrawals
			(id, user_id, amount, fee, payout_method, destination, status,
			 requires_manual_review, review_reasons, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.UserID, w.Amount, w.Fee, w.PayoutMethod, w.Destination, string(w.Status),
		w.RequiresManualReview, reasons, w.CreatedAt.UTC())
	return mapError(err)
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id string) (model.Withdrawal, error) {
	return scanWithdrawal(t.q.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w model.Withdrawal) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE withdrawals SET
			status = $2, reviewed_at = $3, reviewer_id = $4, review_notes = $5,
			approved_at = $6, paid_at = $7
		WHERE id = $1`,
		w.ID, string(w.Status), utcPtr(w.ReviewedAt), w.ReviewerID, w.ReviewNotes,
		utcPtr(w.ApprovedAt), utcPtr(w.PaidAt))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (t *pgTx) CountWithdrawals(ctx context.Context, userID string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT count(*) FROM withdrawals WHERE user_id = $1`, userID).Scan(&n)
	return n, mapError(err)
}

func (t *pgTx) DestinationInUse(ctx context.Context, payoutMethod, destination, exceptUserID string) (bool, error) {
	// Held to commit so two users cannot both claim a fresh destination.
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('destination|' || $1 || '|' || $2, 0))`, payoutMethod, destination); err != nil {
		return false, fmt.Errorf("acquire destination lock: %w", err)
	}
	var used bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM withdrawals
			WHERE payout_method = $1 AND destination = $2 AND user_id <> $3
		)`, payoutMethod, destination, exceptUserID).Scan(&used)
	return used, mapError(err)
}

func (t *pgTx) InsertAudit(ctx context.Context, e model.AuditEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ActorID, e.Action, metadata, e.CreatedAt.UTC())
	return mapError(err)
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, m model.OutboxMessage) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO outbox (id, topic, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Topic, m.Payload, m.Status, m.CreatedAt.UTC())
	return mapError(err)
}

// Row mapping.

const (
	adUnitColumns      = `id, name, reward_min, reward_max, cooldown_seconds, daily_cap, is_active`
	sessionColumns     = `id, user_id, ad_unit_id, token_hash, started_at, completed_at, rewarded_amount, status, reward_min, reward_max`
	balanceColumns     = `user_id, available, pending, seq, head_hash, updated_at`
	transactionColumns = `id, user_id, type, source, amount, occurred_at, reference_id, seq, prev_hash, hash`
	withdrawalColumns  = `id, user_id, amount, fee, payout_method, destination, status, requires_manual_review,
		review_reasons, created_at, reviewed_at, reviewer_id, review_notes, approved_at, paid_at`
)

func getAdUnit(ctx context.Context, q querier, id string) (model.AdUnit, error) {
	return scanAdUnit(q.QueryRow(ctx, `SELECT `+adUnitColumns+` FROM ad_units WHERE id = $1`, id))
}

func scanAdUnit(row pgx.Row) (model.AdUnit, error) {
	var u model.AdUnit
	err := row.Scan(&u.ID, &u.Name, &u.RewardMin, &u.RewardMax, &u.CooldownSeconds, &u.DailyCap, &u.Enabled)
	return u, mapError(err)
}

func scanSession(row pgx.Row) (model.AdViewSession, error) {
	var (
		s      model.AdViewSession
		status string
		amount decimal.NullDecimal
	)
	err := row.Scan(&s.ID, &s.UserID, &s.AdUnitID, &s.TokenHash, &s.StartedAt, &s.CompletedAt,
		&amount, &status, &s.RewardMin, &s.RewardMax)
	if err != nil {
		return s, mapError(err)
	}
	s.Status = model.SessionStatus(status)
	if amount.Valid {
		v := amount.Decimal
		s.RewardedAmount = &v
	}
	return s, nil
}

func scanBalance(row pgx.Row) (model.Balance, error) {
	var b model.Balance
	err := row.Scan(&b.UserID, &b.Available, &b.Pending, &b.Seq, &b.HeadHash, &b.UpdatedAt)
	return b, mapError(err)
}

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var (
		tr       model.Transaction
		typ, src string
	)
	err := row.Scan(&tr.ID, &tr.UserID, &typ, &src, &tr.Amount, &tr.OccurredAt, &tr.ReferenceID,
		&tr.Seq, &tr.PrevHash, &tr.Hash)
	if err != nil {
		return tr, mapError(err)
	}
	tr.Type = model.TransactionType(typ)
	tr.Source = model.TransactionSource(src)
	return tr, nil
}

func scanWithdrawal(row pgx.Row) (model.Withdrawal, error) {
	var (
		w      model.Withdrawal
		status string
	)
	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.PayoutMethod, &w.Destination, &status,
		&w.RequiresManualReview, &w.ReviewReasons, &w.CreatedAt, &w.ReviewedAt, &w.ReviewerID,
		&w.ReviewNotes, &w.ApprovedAt, &w.PaidAt)
	if err != nil {
		return w, mapError(err)
	}
	w.Status = model.WithdrawalStatus(status)
	return w, nil
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
