// Package ratelimit enforces per (user, ad unit) cooldowns and trailing
// 24h caps. A successful check reserves a slot for the session in the same
// step, so two concurrent starts can never both take the last slot.
package ratelimit

import (
	"context"
	"time"

	"rewardledger/internal/model"
)

// Window is the span over which DailyCap is counted.
const Window = 24 * time.Hour

type Reason string

const (
	ReasonCooldown Reason = "cooldown_active"
	ReasonDailyCap Reason = "daily_cap_reached"
)

// Request identifies one reservation. DailyCap <= 0 means no cap.
type Request struct {
	UserID    string
	AdUnitID  string
	SessionID string
	Now       time.Time
	Cooldown  time.Duration
	DailyCap  int
}

type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	// Count is the number of reservations in the window, including this one.
	Count int
}

// Err maps a denial to its typed error; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	retry := d.RetryAfter.Round(time.Second)
	if d.Reason == ReasonCooldown {
		return model.ErrCooldownActive.With("retry in %s", retry)
	}
	return model.ErrDailyCapReached.With("retry in %s", retry)
}

type Limiter interface {
	// CheckAndReserve atomically checks cooldown and cap and, when allowed,
	// records req.SessionID as started at req.Now.
	CheckAndReserve(ctx context.Context, req Request) (Decision, error)
	// Release gives back the cap slot held by req.SessionID. The cooldown
	// stays in force.
	Release(ctx context.Context, req Request) error
}

func validate(req Request) error {
	if req.UserID == "" || req.AdUnitID == "" || req.SessionID == "" {
		return model.ErrValidation.With("rate limit request needs user, ad unit and session")
	}
	return nil
}
