package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserBanned    UserStatus = "banned"
)

// User is supplied by the identity provider and trusted as given.
type User struct {
	ID     string     `json:"id"`
	Status UserStatus `json:"status"`
}

func (u User) Active() bool { return u.Status == UserActive }

type AdUnit struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	RewardMin       decimal.Decimal `json:"reward_min"`
	RewardMax       decimal.Decimal `json:"reward_max"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	DailyCap        int             `json:"daily_cap"`
	Enabled         bool            `json:"is_active"`
}

func (u AdUnit) Cooldown() time.Duration {
	return time.Duration(u.CooldownSeconds) * time.Second
}

func (u AdUnit) Validate() error {
	switch {
	case u.ID == "":
		return ErrValidation.With("ad unit id is required")
	case !u.RewardMin.IsPositive():
		return ErrValidation.With("ad unit %s: reward_min must be positive", u.ID)
	case !u.RewardMin.Equal(u.RewardMin.Round(6)) || !u.RewardMax.Equal(u.RewardMax.Round(6)):
		return ErrValidation.With("ad unit %s: rewards carry at most 6 decimal places", u.ID)
	case u.RewardMax.LessThan(u.RewardMin):
		return ErrValidation.With("ad unit %s: reward_max must be >= reward_min", u.ID)
	case u.CooldownSeconds < 0:
		return ErrValidation.With("ad unit %s: cooldown_seconds must not be negative", u.ID)
	case u.DailyCap < 1:
		return ErrValidation.With("ad unit %s: daily_cap must be at least 1", u.ID)
	}
	return nil
}

type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionCompleted SessionStatus = "completed"
	SessionRejected  SessionStatus = "rejected"
	SessionExpired   SessionStatus = "expired"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionRejected || s == SessionExpired
}

// AdViewSession is one reward attempt. Only the digest of the session
// token is persisted; the token itself is handed to the client once.
type AdViewSession struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	AdUnitID       string           `json:"ad_unit_id"`
	TokenHash      string           `json:"-"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	RewardedAmount *decimal.Decimal `json:"rewarded_amount,omitempty"`
	Status         SessionStatus    `json:"status"`

	// Reward range captured at issuance.
	RewardMin decimal.Decimal `json:"-"`
	RewardMax decimal.Decimal `json:"-"`
}

// VerificationProof is what the ad-network callback contract yields.
type VerificationProof struct {
	Verified  bool    `json:"verified"`
	RiskScore float64 `json:"risk_score"`
	Network   string  `json:"network,omitempty"`
}

type StartedSession struct {
	SessionID       string    `json:"session_id"`
	Token           string    `json:"session_token"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CompleteRequest finalizes a session. User is set when the caller is the
// end user rather than the ad network.
type CompleteRequest struct {
	Token string
	Proof VerificationProof
	User  *User
}

type CompletedSession struct {
	SessionID  string          `json:"session_id"`
	Reward     decimal.Decimal `json:"reward"`
	NewBalance decimal.Decimal `json:"new_balance"`
}
