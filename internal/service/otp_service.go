package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/generator"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

var ErrVerifyLockContention = errors.New("verification already in flight")

const (
	verifyLockTTL      = 3 * time.Second
	verifyLockDeadline = 500 * time.Millisecond
	verifyLockPoll     = 25 * time.Millisecond
	deliveryTimeout    = 5 * time.Second
)

// OTPService is the issuance and verification engine. The ephemeral store
// holds the live code and in-window attempt counter; Scylla keeps the durable
// request and attempt records; ClickHouse, Kafka and Elasticsearch are
// best-effort side channels that never fail a caller.
type OTPService struct {
	cfg       *config.Config
	generator *generator.Generator
	hasher    *hashing.Hasher
	ephemeral model.EphemeralStore
	cooldown  model.CooldownStore
	requests  model.RequestStore
	attempts  model.AttemptStore
	analytics model.AnalyticsStore
	audit     model.AuditIndex
	publisher model.EventPublisher
	channel   model.DeliveryChannel

	now func() time.Time
}

func NewOTPService(
	cfg *config.Config,
	gen *generator.Generator,
	hasher *hashing.Hasher,
	ephemeral model.EphemeralStore,
	cooldown model.CooldownStore,
	requests model.RequestStore,
	attempts model.AttemptStore,
	analytics model.AnalyticsStore,
	audit model.AuditIndex,
	publisher model.EventPublisher,
	channel model.DeliveryChannel,
) *OTPService {
	return &OTPService{
		cfg:       cfg,
		generator: gen,
		hasher:    hasher,
		ephemeral: ephemeral,
		cooldown:  cooldown,
		requests:  requests,
		attempts:  attempts,
		analytics: analytics,
		audit:     audit,
		publisher: publisher,
		channel:   channel,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Issue generates a code for (recipient, purpose), persists the durable
// request, stores the live secret and dispatches delivery. A live code for
// the pair is replaced, not stacked: the new entry overwrites the old one.
func (s *OTPService) Issue(ctx context.Context, recipient string, purpose model.Purpose, meta model.ClientMeta, externalRef string) (*IssueResult, error) {
	recipient = util.NormalizeRecipient(recipient)
	if recipient == "" {
		return &IssueResult{Outcome: IssueBadRecipient}, nil
	}

	remaining, err := s.cooldown.Remaining(ctx, recipient, purpose)
	if err != nil {
		return nil, fmt.Errorf("cooldown check failed: %w", err)
	}
	if remaining > 0 {
		return &IssueResult{
			Outcome:    IssueCooldownActive,
			RetryAfter: remaining,
		}, nil
	}

	code := s.generator.Generate()
	now := s.now()
	expiry := time.Duration(s.cfg.OTP.ExpirySeconds) * time.Second

	req := &model.OTPRequest{
		Recipient:   recipient,
		Purpose:     purpose,
		Status:      model.StatusSent,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiry),
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		ExternalRef: externalRef,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist OTP request: %w", err)
	}

	entry := &model.EphemeralEntry{
		CodeHash:  s.hasher.HashCode(code),
		RequestID: req.RequestID,
		CreatedAt: now,
	}
	if err := s.ephemeral.PutEntry(ctx, recipient, purpose, entry, expiry); err != nil {
		return nil, fmt.Errorf("failed to store live code: %w", err)
	}

	cooldownWindow := time.Duration(s.cfg.OTP.CooldownSeconds) * time.Second
	if err := s.cooldown.Set(ctx, recipient, purpose, cooldownWindow); err != nil {
		return nil, fmt.Errorf("failed to set cooldown: %w", err)
	}

	s.emit(ctx, model.EventIssued, req)

	result := &IssueResult{
		Outcome:   IssueOK,
		RequestID: req.RequestID,
		ExpiresAt: req.ExpiresAt,
	}

	sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	if err := s.channel.Send(sendCtx, recipient, code, purpose); err != nil {
		// The request stays SENT and the live entry stays put: the provider
		// may have delivered despite the error, and an undelivered code
		// settles through the expiry sweep.
		util.Error("OTP delivery failed",
			zap.String("request_id", req.RequestID),
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		result.DeliveryFailed = true
	}

	util.Info("OTP issued",
		zap.String("request_id", req.RequestID),
		zap.String("purpose", string(purpose)),
		zap.Bool("delivery_failed", result.DeliveryFailed))

	return result, nil
}

// Verify checks a submitted code. Expiry is checked before the attempt
// ceiling, so a code that is both expired and exhausted reports EXPIRED.
// Every call lands a durable attempt record, whatever the outcome.
func (s *OTPService) Verify(ctx context.Context, recipient string, purpose model.Purpose, code string, meta model.ClientMeta) (*VerifyResult, error) {
	recipient = util.NormalizeRecipient(recipient)

	entry, err := s.ephemeral.GetEntry(ctx, recipient, purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to read live code: %w", err)
	}
	if entry == nil {
		return &VerifyResult{Outcome: VerifyNotFound}, nil
	}

	if err := s.acquireVerifyLock(ctx, recipient, purpose); err != nil {
		if errors.Is(err, ErrVerifyLockContention) {
			return &VerifyResult{Outcome: VerifyInFlight}, nil
		}
		return nil, err
	}
	defer func() {
		if err := s.ephemeral.ReleaseVerifyLock(ctx, recipient, purpose); err != nil {
			util.Warn("Failed to release verify lock", zap.Error(err))
		}
	}()

	// Re-read under the lock; a concurrent verifier may have consumed the
	// entry between the first read and the lock grant.
	entry, err = s.ephemeral.GetEntry(ctx, recipient, purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to read live code: %w", err)
	}
	if entry == nil {
		return &VerifyResult{Outcome: VerifyNotFound}, nil
	}

	req, err := s.requests.Get(ctx, recipient, entry.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load OTP request: %w", err)
	}
	if req == nil || req.Status.IsTerminal() {
		// Orphaned entry: the durable row is gone or already settled.
		if delErr := s.ephemeral.DeleteEntry(ctx, recipient, purpose); delErr != nil {
			util.Warn("Failed to delete orphaned live code", zap.Error(delErr))
		}
		return &VerifyResult{Outcome: VerifyNotFound}, nil
	}

	now := s.now()
	attempt := &model.OTPAttempt{
		RequestID:   req.RequestID,
		AttemptedAt: now,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	s.indexAttempt(ctx, attempt, recipient, purpose)

	if now.After(req.ExpiresAt) {
		if _, err := s.requests.MarkExpired(ctx, recipient, req.RequestID); err != nil {
			return nil, fmt.Errorf("failed to expire OTP request: %w", err)
		}
		if err := s.ephemeral.DeleteEntry(ctx, recipient, purpose); err != nil {
			util.Warn("Failed to delete expired live code", zap.Error(err))
		}
		s.emit(ctx, model.EventExpired, req)
		return &VerifyResult{Outcome: VerifyExpired, RequestID: req.RequestID}, nil
	}

	maxAttempts := s.cfg.OTP.MaxAttempts
	if entry.Attempts >= maxAttempts {
		return s.failExhausted(ctx, recipient, purpose, req)
	}

	if s.hasher.VerifyCode(code, entry.CodeHash) {
		if err := s.attempts.MarkSuccessful(ctx, req.RequestID, attempt.AttemptID); err != nil {
			util.Warn("Failed to mark attempt successful",
				zap.String("attempt_id", attempt.AttemptID),
				zap.Error(err))
		}

		applied, err := s.requests.MarkVerified(ctx, recipient, req.RequestID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to mark OTP request verified: %w", err)
		}
		if !applied {
			// Lost a race with the expiry sweep; the row settled first.
			util.Warn("Verified transition not applied, request already terminal",
				zap.String("request_id", req.RequestID))
			return &VerifyResult{Outcome: VerifyExpired, RequestID: req.RequestID}, nil
		}

		if err := s.ephemeral.DeleteEntry(ctx, recipient, purpose); err != nil {
			util.Warn("Failed to delete consumed live code", zap.Error(err))
		}
		if err := s.cooldown.Clear(ctx, recipient, purpose); err != nil {
			util.Warn("Failed to clear cooldown after verification", zap.Error(err))
		}

		req.Status = model.StatusVerified
		s.emit(ctx, model.EventVerified, req)

		util.Info("OTP verified",
			zap.String("request_id", req.RequestID),
			zap.String("purpose", string(purpose)))

		return &VerifyResult{
			Outcome:    VerifyOK,
			RequestID:  req.RequestID,
			VerifiedAt: &now,
		}, nil
	}

	count, err := s.ephemeral.IncrementAttempts(ctx, recipient, purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempt: %w", err)
	}
	// Mirror onto the durable row; the live counter stays authoritative, so
	// a mirror failure is logged and tolerated.
	if err := s.requests.SetAttemptCount(ctx, recipient, req.RequestID, count); err != nil {
		util.Warn("Failed to mirror attempt count",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}

	// A mismatch always reports the miss, zero remaining included. The
	// ceiling check before the comparison settles the request on the call
	// after the last miss.
	return &VerifyResult{
		Outcome:           VerifyInvalidCode,
		RequestID:         req.RequestID,
		RemainingAttempts: maxAttempts - count,
	}, nil
}

// CanResend reports whether the cooldown window for the pair has passed.
func (s *OTPService) CanResend(ctx context.Context, recipient string, purpose model.Purpose) (*CooldownStatus, error) {
	recipient = util.NormalizeRecipient(recipient)

	remaining, err := s.cooldown.Remaining(ctx, recipient, purpose)
	if err != nil {
		return nil, fmt.Errorf("cooldown check failed: %w", err)
	}

	return &CooldownStatus{
		Allowed:    remaining == 0,
		RetryAfter: remaining,
	}, nil
}

// Statistics rolls up outcomes since the window start, optionally filtered to
// one recipient.
func (s *OTPService) Statistics(ctx context.Context, since time.Time, recipient string) (*StatsResult, error) {
	if recipient != "" {
		recipient = util.NormalizeRecipient(recipient)
	}

	counts, err := s.analytics.WindowCounts(ctx, since, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to load window counts: %w", err)
	}

	byPurpose, err := s.analytics.PurposeBreakdown(ctx, since, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to load purpose breakdown: %w", err)
	}

	// Keyspace snapshot is best-effort; a Redis scan hiccup does not fail
	// the rollup.
	keyspace, err := s.ephemeral.KeyspaceStats(ctx)
	if err != nil {
		util.Warn("Failed to collect keyspace stats", zap.Error(err))
		keyspace = nil
	}

	return &StatsResult{
		WindowStart: since,
		Counts:      *counts,
		SuccessRate: counts.SuccessRate(),
		ByPurpose:   byPurpose,
		Keyspace:    keyspace,
	}, nil
}

// HealthCheck verifies the durable store is reachable.
func (s *OTPService) HealthCheck(ctx context.Context) error {
	if err := s.requests.HealthCheck(ctx); err != nil {
		return fmt.Errorf("request store health check failed: %w", err)
	}
	return nil
}

// SetClock overrides the service clock; tests only.
func (s *OTPService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *OTPService) acquireVerifyLock(ctx context.Context, recipient string, purpose model.Purpose) error {
	deadline := time.Now().Add(verifyLockDeadline)
	for {
		acquired, err := s.ephemeral.AcquireVerifyLock(ctx, recipient, purpose, verifyLockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire verify lock: %w", err)
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrVerifyLockContention
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(verifyLockPoll):
		}
	}
}

func (s *OTPService) failExhausted(ctx context.Context, recipient string, purpose model.Purpose, req *model.OTPRequest) (*VerifyResult, error) {
	if _, err := s.requests.MarkFailed(ctx, recipient, req.RequestID); err != nil {
		return nil, fmt.Errorf("failed to mark OTP request failed: %w", err)
	}
	if err := s.ephemeral.DeleteEntry(ctx, recipient, purpose); err != nil {
		util.Warn("Failed to delete exhausted live code", zap.Error(err))
	}

	req.Status = model.StatusFailed
	s.emit(ctx, model.EventFailed, req)

	util.Warn("OTP attempts exhausted",
		zap.String("request_id", req.RequestID),
		zap.String("purpose", string(purpose)))

	return &VerifyResult{Outcome: VerifyTooManyAttempts, RequestID: req.RequestID}, nil
}

// emit records a lifecycle transition on the analytics store and the event
// stream. Both are side channels: failures are logged, never surfaced.
func (s *OTPService) emit(ctx context.Context, eventType model.EventType, req *model.OTPRequest) {
	event := &model.Event{
		Type:       eventType,
		RequestID:  req.RequestID,
		Recipient:  req.Recipient,
		Purpose:    req.Purpose,
		OccurredAt: s.now(),
	}

	if s.analytics != nil {
		if err := s.analytics.RecordEvent(ctx, event); err != nil {
			util.Warn("Failed to record analytics event",
				zap.String("event_type", string(eventType)),
				zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			util.Warn("Failed to publish lifecycle event",
				zap.String("event_type", string(eventType)),
				zap.Error(err))
		}
	}
}

func (s *OTPService) indexAttempt(ctx context.Context, attempt *model.OTPAttempt, recipient string, purpose model.Purpose) {
	if s.audit == nil {
		return
	}
	if err := s.audit.IndexAttempt(ctx, attempt, recipient, purpose); err != nil {
		util.Warn("Failed to index attempt for search",
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
	}
}
