// Package session issues single-use ad-view sessions and finalizes each
// one exactly once. A verified completion flips the session and posts its
// earn entry in the same atomic unit.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rewardledger/internal/audit"
	"rewardledger/internal/ledger"
	"rewardledger/internal/model"
	"rewardledger/internal/ratelimit"
	"rewardledger/internal/repository"
	"rewardledger/internal/risk"
)

const (
	DefaultMaxLifetime  = 30 * time.Minute
	DefaultMaxRiskScore = 0.8

	tokenBytes = 32
)

type Config struct {
	MaxLifetime  time.Duration
	MaxRiskScore float64
}

func (c Config) withDefaults() Config {
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.MaxRiskScore <= 0 {
		c.MaxRiskScore = DefaultMaxRiskScore
	}
	return c
}

// RewardFunc picks an amount in [lo, hi].
type RewardFunc func(lo, hi decimal.Decimal) decimal.Decimal

// UniformReward draws uniformly from [lo, hi] at micro-unit precision.
func UniformReward(lo, hi decimal.Decimal) decimal.Decimal {
	span := hi.Sub(lo)
	if !span.IsPositive() {
		return lo
	}
	r := lo.Add(span.Mul(decimal.NewFromFloat(mrand.Float64()))).Round(6)
	if r.LessThan(lo) {
		return lo
	}
	if r.GreaterThan(hi) {
		return hi
	}
	return r
}

type Option func(*Engine)

// WithTokenSource replaces crypto/rand as the token entropy source.
func WithTokenSource(r io.Reader) Option {
	return func(e *Engine) { e.entropy = r }
}

func WithRewardFunc(f RewardFunc) Option {
	return func(e *Engine) { e.reward = f }
}

type Engine struct {
	store    repository.Store
	limiter  ratelimit.Limiter
	ledger   *ledger.Ledger
	recorder *audit.Recorder
	cfg      Config
	entropy  io.Reader
	reward   RewardFunc
	logger   *slog.Logger
}

func NewEngine(store repository.Store, limiter ratelimit.Limiter, l *ledger.Ledger, recorder *audit.Recorder, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		limiter:  limiter,
		ledger:   l,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		entropy:  rand.Reader,
		reward:   UniformReward,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(e.entropy, buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// StartSession reserves a rate-limit slot and issues a session token. The
// token is returned once and never stored.
func (e *Engine) StartSession(ctx context.Context, user model.User, adUnitID string, now time.Time) (model.StartedSession, error) {
	if user.ID == "" || adUnitID == "" {
		return model.StartedSession{}, model.ErrValidation.With("user and ad unit are required")
	}
	if !user.Active() {
		return model.StartedSession{}, model.ErrUserNotActive.With("user %s is %s", user.ID, user.Status)
	}

	unit, err := e.store.GetAdUnit(ctx, adUnitID)
	if errors.Is(err, model.ErrNotFound) {
		return model.StartedSession{}, model.ErrAdUnitNotFound.With("%s", adUnitID)
	}
	if err != nil {
		return model.StartedSession{}, fmt.Errorf("load ad unit: %w", err)
	}
	if !unit.Enabled {
		return model.StartedSession{}, model.ErrAdUnitDisabled.With("%s", adUnitID)
	}

	token, err := e.newToken()
	if err != nil {
		return model.StartedSession{}, err
	}
	now = now.UTC()
	s := model.AdViewSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		AdUnitID:  unit.ID,
		TokenHash: ledger.HashToken(token),
		StartedAt: now,
		Status:    model.SessionStarted,
		RewardMin: unit.RewardMin,
		RewardMax: unit.RewardMax,
	}

	reservation := ratelimit.Request{
		UserID:    user.ID,
		AdUnitID:  unit.ID,
		SessionID: s.ID,
		Now:       now,
		Cooldown:  unit.Cooldown(),
		DailyCap:  unit.DailyCap,
	}
	decision, err := e.limiter.CheckAndReserve(ctx, reservation)
	if err != nil {
		return model.StartedSession{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !decision.Allowed {
		e.logger.Info("session start denied",
			"user_id", user.ID,
			"ad_unit_id", unit.ID,
			"reason", decision.Reason,
			"retry_after", decision.RetryAfter,
		)
		return model.StartedSession{}, decision.Err()
	}

	err = e.store.WithinUser(ctx, user.ID, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertSession(ctx, s); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return e.recorder.Record(ctx, tx, user.ID, model.ActionSessionStarted, map[string]any{
			"session_id":   s.ID,
			"ad_unit_id":   unit.ID,
			"window_count": decision.Count,
		}, now)
	})
	if err != nil {
		e.release(reservation)
		return model.StartedSession{}, err
	}

	e.logger.Info("session started", "event", model.ActionSessionStarted, "user_id", user.ID, "session_id", s.ID)
	return model.StartedSession{
		SessionID:       s.ID,
		Token:           token,
		CooldownSeconds: unit.CooldownSeconds,
		ExpiresAt:       now.Add(e.cfg.MaxLifetime),
	}, nil
}

// CompleteSession finalizes the session behind req.Token. Expiry and
// rejection are committed before their error is returned.
func (e *Engine) CompleteSession(ctx context.Context, req model.CompleteRequest, now time.Time) (model.CompletedSession, error) {
	if req.Token == "" {
		return model.CompletedSession{}, model.ErrValidation.With("session token is required")
	}
	hash := ledger.HashToken(req.Token)
	now = now.UTC()

	owner, err := e.store.SessionByToken(ctx, hash)
	if errors.Is(err, model.ErrNotFound) {
		return model.CompletedSession{}, model.ErrSessionNotFound
	}
	if err != nil {
		return model.CompletedSession{}, fmt.Errorf("lookup session: %w", err)
	}
	if req.User != nil && req.User.ID != owner.UserID {
		return model.CompletedSession{}, model.ErrSessionNotFound
	}

	var (
		result  model.CompletedSession
		final   model.AdViewSession
		outcome error
	)
	err = e.store.WithinUser(ctx, owner.UserID, func(ctx context.Context, tx repository.Tx) error {
		s, err := tx.LockSession(ctx, hash)
		if errors.Is(err, model.ErrNotFound) {
			return model.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if s.Status != model.SessionStarted {
			return model.ErrSessionAlreadyFinalized.With("session %s is %s", s.ID, s.Status)
		}

		if age := now.Sub(s.StartedAt); age > e.cfg.MaxLifetime {
			final, outcome = s, model.ErrSessionExpired.With("session %s is %s old", s.ID, age.Round(time.Second))
			return e.finalize(ctx, tx, &final, model.SessionExpired, "max_lifetime", now)
		}
		if req.User != nil && !req.User.Active() {
			final, outcome = s, model.ErrUserNotActive.With("user %s is %s", req.User.ID, req.User.Status)
			return e.finalize(ctx, tx, &final, model.SessionRejected, "user_not_active", now)
		}
		if !req.Proof.Verified {
			final, outcome = s, model.ErrVerificationFailed.With("view not confirmed")
			return e.finalize(ctx, tx, &final, model.SessionRejected, "unverified", now)
		}
		if risk.Threshold(e.cfg.MaxRiskScore).Exceeded(req.Proof.RiskScore) {
			final, outcome = s, model.ErrVerificationFailed.With("risk score %.2f", req.Proof.RiskScore)
			return e.finalize(ctx, tx, &final, model.SessionRejected, "risk_score", now)
		}

		reward := e.reward(s.RewardMin, s.RewardMax)
		s.Status = model.SessionCompleted
		s.CompletedAt = &now
		s.RewardedAmount = &reward
		if err := tx.UpdateSession(ctx, s); err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		posted, err := e.ledger.Post(ctx, tx, model.PostRequest{
			UserID:      s.UserID,
			Type:        model.TransactionEarn,
			Source:      model.SourceAdView,
			Amount:      reward,
			ReferenceID: s.ID,
		}, now)
		if err != nil {
			return err
		}
		if posted.Replayed {
			return model.ErrInvariantViolated.With("session %s already credited", s.ID)
		}

		if err := e.recorder.Record(ctx, tx, s.UserID, model.ActionSessionCompleted, map[string]any{
			"session_id":     s.ID,
			"ad_unit_id":     s.AdUnitID,
			"reward":         reward.String(),
			"transaction_id": posted.Transaction.ID,
			"risk_score":     req.Proof.RiskScore,
			"network":        req.Proof.Network,
		}, now); err != nil {
			return err
		}

		final = s
		result = model.CompletedSession{SessionID: s.ID, Reward: reward, NewBalance: posted.Balance.Available}
		return nil
	})
	if err != nil {
		return model.CompletedSession{}, err
	}

	if outcome != nil {
		e.release(ratelimit.Request{UserID: final.UserID, AdUnitID: final.AdUnitID, SessionID: final.ID})
		e.logger.Info("session closed without reward",
			"event", "session."+string(final.Status),
			"user_id", final.UserID,
			"session_id", final.ID,
			"error", outcome,
		)
		return model.CompletedSession{}, outcome
	}

	e.logger.Info("session completed",
		"event", model.ActionSessionCompleted,
		"user_id", final.UserID,
		"session_id", final.ID,
		"reward", result.Reward.String(),
	)
	return result, nil
}

// finalize moves s to a terminal status without a ledger effect.
func (e *Engine) finalize(ctx context.Context, tx repository.Tx, s *model.AdViewSession, status model.SessionStatus, reason string, now time.Time) error {
	s.Status = status
	if err := tx.UpdateSession(ctx, *s); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	action := model.ActionSessionRejected
	if status == model.SessionExpired {
		action = model.ActionSessionExpired
	}
	return e.recorder.Record(ctx, tx, "", action, map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"ad_unit_id": s.AdUnitID,
		"reason":     reason,
	}, now)
}

// ExpireStale expires up to limit sessions that outlived MaxLifetime and
// returns how many it moved.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	stale, err := e.store.StaleSessions(ctx, now.Add(-e.cfg.MaxLifetime), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	expired := 0
	var errs []error
	for _, candidate := range stale {
		moved := false
		err := e.store.WithinUser(ctx, candidate.UserID, func(ctx context.Context, tx repository.Tx) error {
			s, err := tx.LockSession(ctx, candidate.TokenHash)
			if err != nil {
				return fmt.Errorf("lock session: %w", err)
			}
			if s.Status != model.SessionStarted {
				return nil
			}
			moved = true
			return e.finalize(ctx, tx, &s, model.SessionExpired, "sweeper", now)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire session %s: %w", candidate.ID, err))
			continue
		}
		if moved {
			expired++
			e.release(ratelimit.Request{UserID: candidate.UserID, AdUnitID: candidate.AdUnitID, SessionID: candidate.ID})
		}
	}
	return expired, errors.Join(errs...)
}

// release gives back a cap slot. Failures are logged; the slot ages out
// with the window.
func (e *Engine) release(req ratelimit.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.limiter.Release(ctx, req); err != nil {
		e.logger.Warn("failed to release rate limit reservation",
			"user_id", req.UserID,
			"session_id", req.SessionID,
			"error", err,
		)
	}
}
