package model

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding whether to retry, surface
// a business rejection, or fail the request.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPolicyDenied
	KindConflict
	KindInsufficientFunds
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicyDenied:
		return "policy_denied"
	case KindConflict:
		return "conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the typed error returned across component boundaries.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: fmt.Sprintf("%s: %s", e.Message, fmt.Sprintf(format, args...)),
		Err:     e.Err,
	}
}

// Because returns a copy of e that also wraps cause.
func (e *Error) Because(cause error) *Error {
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: fmt.Sprintf("%s: %v", e.Message, cause),
		Err:     errors.Join(e.Err, cause),
	}
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrValidation    = newError(KindValidation, "validation_error", "invalid request")
	ErrInvalidAmount = newError(KindValidation, "invalid_amount", "invalid amount")
	ErrBelowMinimum  = newError(KindValidation, "below_minimum", "amount is below the withdrawal minimum")

	ErrRateLimited         = newError(KindPolicyDenied, "rate_limited", "rate limited")
	ErrCooldownActive      = &Error{Kind: KindPolicyDenied, Code: "cooldown_active", Message: "cooldown active", Err: ErrRateLimited}
	ErrDailyCapReached     = &Error{Kind: KindPolicyDenied, Code: "daily_cap_reached", Message: "daily cap reached", Err: ErrRateLimited}
	ErrWalletReuseDetected = newError(KindPolicyDenied, "wallet_reuse_detected", "payout destination is linked to another account")
	ErrUserNotActive       = newError(KindPolicyDenied, "user_not_active", "user is not active")
	ErrAdUnitDisabled      = newError(KindPolicyDenied, "ad_unit_disabled", "ad unit is disabled")
	ErrVerificationFailed  = newError(KindPolicyDenied, "verification_failed", "ad view verification failed")
	ErrPayoutDelayActive   = newError(KindPolicyDenied, "payout_delay_active", "payout delay has not elapsed")
	ErrForbidden           = newError(KindPolicyDenied, "forbidden", "not authorized")

	ErrConflict                = newError(KindConflict, "conflict", "concurrent write conflict")
	ErrSessionAlreadyFinalized = newError(KindConflict, "session_already_finalized", "session already finalized")
	ErrSessionExpired          = newError(KindConflict, "session_expired", "session expired")
	ErrInvalidTransition       = newError(KindConflict, "invalid_transition", "invalid state transition")

	ErrInsufficientFunds = newError(KindInsufficientFunds, "insufficient_funds", "insufficient funds")

	ErrNotFound           = newError(KindNotFound, "not_found", "not found")
	ErrSessionNotFound    = newError(KindNotFound, "session_not_found", "session not found")
	ErrWithdrawalNotFound = newError(KindNotFound, "withdrawal_not_found", "withdrawal not found")
	ErrAdUnitNotFound     = newError(KindNotFound, "ad_unit_not_found", "ad unit not found")

	ErrInternal          = newError(KindInternal, "internal_error", "internal error")
	ErrInvariantViolated = newError(KindInternal, "invariant_violated", "ledger invariant violated")
)

// KindOf reports the classification of err. Untyped errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the stable code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Code
	}
	return ErrInternal.Code
}
