package service

import (
	"time"

	"otp-service/internal/model"
)

// IssueOutcome classifies the result of an Issue call. Everything except a
// transient store failure comes back as an outcome, not a Go error.
type IssueOutcome string

const (
	IssueOK             IssueOutcome = "ISSUED"
	IssueCooldownActive IssueOutcome = "COOLDOWN_ACTIVE"
	IssueBadRecipient   IssueOutcome = "INVALID_RECIPIENT"
)

// IssueResult is the full outcome of one issuance.
type IssueResult struct {
	Outcome   IssueOutcome `json:"outcome"`
	RequestID string       `json:"request_id,omitempty"`
	ExpiresAt time.Time    `json:"expires_at,omitempty"`
	// RetryAfter is set only for COOLDOWN_ACTIVE.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// DeliveryFailed marks an issued code whose send failed. The request
	// stays live: the provider may have delivered despite the error, so the
	// code remains verifiable until it expires.
	DeliveryFailed bool `json:"delivery_failed,omitempty"`
}

// VerifyOutcome classifies the result of a Verify call.
type VerifyOutcome string

const (
	VerifyOK              VerifyOutcome = "VERIFIED"
	VerifyInvalidCode     VerifyOutcome = "INVALID_CODE"
	VerifyNotFound        VerifyOutcome = "NOT_FOUND"
	VerifyExpired         VerifyOutcome = "EXPIRED"
	VerifyTooManyAttempts VerifyOutcome = "TOO_MANY_ATTEMPTS"
	// VerifyInFlight means another verification holds the per-pair lock.
	VerifyInFlight VerifyOutcome = "VERIFICATION_IN_FLIGHT"
)

// VerifyResult is the full outcome of one verification attempt.
type VerifyResult struct {
	Outcome   VerifyOutcome `json:"outcome"`
	RequestID string        `json:"request_id,omitempty"`
	// RemainingAttempts is meaningful only for INVALID_CODE; zero means the
	// next call will settle the request as exhausted.
	RemainingAttempts int        `json:"remaining_attempts"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
}

// CooldownStatus answers a CanResend probe.
type CooldownStatus struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// StatsResult is the windowed analytics rollup.
type StatsResult struct {
	WindowStart time.Time                             `json:"window_start"`
	Counts      model.StatusCounts                    `json:"counts"`
	SuccessRate float64                               `json:"success_rate"`
	ByPurpose   map[model.Purpose]*model.StatusCounts `json:"by_purpose"`
	Keyspace    map[string]interface{}                `json:"keyspace,omitempty"`
}
