package model

import (
	"context"
	"fmt"
	"time"
)

// -------------------- ENUMS --------------------

// Purpose identifies why a code was issued. One live code is allowed per
// (recipient, purpose) pair.
type Purpose string

const (
	PurposeRegistration      Purpose = "REGISTRATION"
	PurposeLogin             Purpose = "LOGIN"
	PurposePasswordReset     Purpose = "PASSWORD_RESET"
	PurposePhoneVerification Purpose = "PHONE_VERIFICATION"
)

// ParsePurpose maps a wire string onto a known purpose.
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case PurposeRegistration, PurposeLogin, PurposePasswordReset, PurposePhoneVerification:
		return Purpose(s), nil
	}
	return "", fmt.Errorf("unknown purpose: %q", s)
}

// Status is the lifecycle state of a verification request. Transitions are
// one-directional: SENT is the only non-terminal state.
type Status string

const (
	StatusSent     Status = "SENT"
	StatusVerified Status = "VERIFIED"
	StatusExpired  Status = "EXPIRED"
	StatusFailed   Status = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s != StatusSent
}

// -------------------- RECORDS --------------------

// ClientMeta is optional request-origin metadata kept for audit only.
type ClientMeta struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// OTPRequest is the durable record of a single issuance. One row per Issue
// call; mutated only by the verification service and the reconciliation jobs.
type OTPRequest struct {
	RequestID       string     `json:"request_id" db:"request_id"`
	RecipientBucket int        `json:"-" db:"recipient_bucket"`
	Recipient       string     `json:"recipient" db:"recipient"`
	Purpose         Purpose    `json:"purpose" db:"purpose"`
	Status          Status     `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	AttemptCount    int        `json:"attempt_count" db:"attempt_count"`
	IP              string     `json:"ip,omitempty" db:"ip"`
	UserAgent       string     `json:"user_agent,omitempty" db:"user_agent"`
	ExternalRef     string     `json:"external_ref,omitempty" db:"external_ref"`
}

// OTPAttempt is the durable record of a single Verify call, successful or not.
type OTPAttempt struct {
	AttemptID    string    `json:"attempt_id" db:"attempt_id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	IsSuccessful bool      `json:"is_successful" db:"is_successful"`
	AttemptedAt  time.Time `json:"attempted_at" db:"attempted_at"`
	IP           string    `json:"ip,omitempty" db:"ip"`
	UserAgent    string    `json:"user_agent,omitempty" db:"user_agent"`
}

// EphemeralEntry is the live secret held in the TTL store. The code itself is
// stored only as a peppered hash; Attempts is the authoritative in-window
// counter while the entry exists.
type EphemeralEntry struct {
	CodeHash  string
	RequestID string
	CreatedAt time.Time
	Attempts  int
}

// RequestKey addresses a durable request row, including its partition bucket.
type RequestKey struct {
	Bucket    int
	Recipient string
	RequestID string
}

// -------------------- ANALYTICS --------------------

// EventType tags a lifecycle event emitted for analytics and the event stream.
type EventType string

const (
	EventIssued   EventType = "issued"
	EventVerified EventType = "verified"
	EventExpired  EventType = "expired"
	EventFailed   EventType = "failed"
)

// Event is a single lifecycle transition. Recipient is carried hashed on the
// event stream; the analytics store keeps it raw for recipient filtering.
type Event struct {
	Type       EventType `json:"event_type"`
	RequestID  string    `json:"request_id"`
	Recipient  string    `json:"recipient"`
	Purpose    Purpose   `json:"purpose"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StatusCounts is a windowed rollup over issuance outcomes.
type StatusCounts struct {
	Total    int64 `json:"total"`
	Verified int64 `json:"verified"`
	Expired  int64 `json:"expired"`
	Failed   int64 `json:"failed"`
}

// SuccessRate is verified/total as a percentage, 0 for an empty window.
func (c StatusCounts) SuccessRate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Verified) / float64(c.Total) * 100
}

// -------------------- STORE INTERFACES --------------------

// EphemeralStore holds the live code and in-window attempt counter per
// (recipient, purpose), expiring entries after their TTL. It also provides the
// per-key mutual exclusion used to serialize concurrent Verify calls.
type EphemeralStore interface {
	PutEntry(ctx context.Context, recipient string, purpose Purpose, entry *EphemeralEntry, ttl time.Duration) error
	// GetEntry returns (nil, nil) when no live entry exists.
	GetEntry(ctx context.Context, recipient string, purpose Purpose) (*EphemeralEntry, error)
	// IncrementAttempts bumps the counter in place, preserving the remaining TTL.
	IncrementAttempts(ctx context.Context, recipient string, purpose Purpose) (int, error)
	DeleteEntry(ctx context.Context, recipient string, purpose Purpose) error
	AcquireVerifyLock(ctx context.Context, recipient string, purpose Purpose, ttl time.Duration) (bool, error)
	ReleaseVerifyLock(ctx context.Context, recipient string, purpose Purpose) error
	// KeyspaceStats is an operational snapshot of live entries and held locks.
	KeyspaceStats(ctx context.Context) (map[string]interface{}, error)
}

// CooldownStore gates resends per (recipient, purpose).
type CooldownStore interface {
	// Remaining returns 0 when no cooldown is active.
	Remaining(ctx context.Context, recipient string, purpose Purpose) (time.Duration, error)
	Set(ctx context.Context, recipient string, purpose Purpose, window time.Duration) error
	Clear(ctx context.Context, recipient string, purpose Purpose) error
}

// RequestStore is the durable request-record repository. Mark* transitions are
// single atomic writes that apply only from SENT; calling them on a terminal
// row returns applied=false without error so reconciliation stays idempotent.
type RequestStore interface {
	Create(ctx context.Context, req *OTPRequest) error
	Get(ctx context.Context, recipient, requestID string) (*OTPRequest, error)
	MarkVerified(ctx context.Context, recipient, requestID string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, recipient, requestID string) (bool, error)
	MarkFailed(ctx context.Context, recipient, requestID string) (bool, error)
	SetAttemptCount(ctx context.Context, recipient, requestID string, count int) error
	// ExpireOverdue transitions up to limit SENT rows whose expiry has passed,
	// returning the rows it moved.
	ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*OTPRequest, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]RequestKey, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteBatch(ctx context.Context, keys []RequestKey) error
	HealthCheck(ctx context.Context) error
}

// AttemptStore is the durable attempt-record repository.
type AttemptStore interface {
	Create(ctx context.Context, attempt *OTPAttempt) error
	MarkSuccessful(ctx context.Context, requestID, attemptID string) error
	DeleteByRequest(ctx context.Context, requestIDs []string) error
}

// AnalyticsStore ingests lifecycle events and serves windowed rollups.
type AnalyticsStore interface {
	RecordEvent(ctx context.Context, event *Event) error
	WindowCounts(ctx context.Context, since time.Time, recipient string) (*StatusCounts, error)
	PurposeBreakdown(ctx context.Context, since time.Time, recipient string) (map[Purpose]*StatusCounts, error)
}

// -------------------- COLLABORATOR INTERFACES --------------------

// DeliveryChannel hands a generated code to the SMS/email provider.
// Best-effort: the engine never retries a failed send.
type DeliveryChannel interface {
	Send(ctx context.Context, recipient, code string, purpose Purpose) error
}

// EventPublisher pushes lifecycle events onto the event stream.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// AuditIndex indexes attempt records for operational search.
type AuditIndex interface {
	IndexAttempt(ctx context.Context, attempt *OTPAttempt, recipient string, purpose Purpose) error
}
