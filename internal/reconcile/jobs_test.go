package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"otp-service/internal/config"
	"otp-service/internal/model"
)

// ===== IN-MEMORY FAKES =====

type stubRequestStore struct {
	mu       sync.Mutex
	requests map[string]*model.OTPRequest

	// Remaining injected failures per operation; each call decrements.
	expireFailures int
	countFailures  int
}

func newStubRequestStore() *stubRequestStore {
	return &stubRequestStore{requests: make(map[string]*model.OTPRequest)}
}

func (s *stubRequestStore) add(req *model.OTPRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *req
	s.requests[req.RequestID] = &stored
}

func (s *stubRequestStore) Create(_ context.Context, req *model.OTPRequest) error {
	s.add(req)
	return nil
}

func (s *stubRequestStore) Get(_ context.Context, _ string, requestID string) (*model.OTPRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, nil
	}
	copied := *req
	return &copied, nil
}

func (s *stubRequestStore) MarkVerified(_ context.Context, _ string, requestID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok || req.Status != model.StatusSent {
		return false, nil
	}
	req.Status = model.StatusVerified
	req.VerifiedAt = &at
	return true, nil
}

func (s *stubRequestStore) MarkExpired(_ context.Context, _ string, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok || req.Status != model.StatusSent {
		return false, nil
	}
	req.Status = model.StatusExpired
	return true, nil
}

func (s *stubRequestStore) MarkFailed(_ context.Context, _ string, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok || req.Status != model.StatusSent {
		return false, nil
	}
	req.Status = model.StatusFailed
	return true, nil
}

func (s *stubRequestStore) SetAttemptCount(_ context.Context, _ string, requestID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Conditional on SENT, like the durable store's write.
	if req, ok := s.requests[requestID]; ok && req.Status == model.StatusSent {
		req.AttemptCount = count
	}
	return nil
}

func (s *stubRequestStore) ExpireOverdue(_ context.Context, now time.Time, limit int) ([]*model.OTPRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireFailures > 0 {
		s.expireFailures--
		return nil, errors.New("scylla timed out")
	}
	var expired []*model.OTPRequest
	for _, req := range s.requests {
		if len(expired) >= limit {
			break
		}
		if req.Status == model.StatusSent && req.ExpiresAt.Before(now) {
			req.Status = model.StatusExpired
			copied := *req
			expired = append(expired, &copied)
		}
	}
	return expired, nil
}

func (s *stubRequestStore) ListOlderThan(_ context.Context, cutoff time.Time, limit int) ([]model.RequestKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []model.RequestKey
	for _, req := range s.requests {
		if len(keys) >= limit {
			break
		}
		if req.CreatedAt.Before(cutoff) {
			keys = append(keys, model.RequestKey{
				Bucket:    req.RecipientBucket,
				Recipient: req.Recipient,
				RequestID: req.RequestID,
			})
		}
	}
	return keys, nil
}

func (s *stubRequestStore) CountOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countFailures > 0 {
		s.countFailures--
		return 0, errors.New("scylla timed out")
	}
	var n int64
	for _, req := range s.requests {
		if req.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *stubRequestStore) DeleteBatch(_ context.Context, keys []model.RequestKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.requests, key.RequestID)
	}
	return nil
}

func (s *stubRequestStore) HealthCheck(_ context.Context) error { return nil }

func (s *stubRequestStore) statusByID(t *testing.T, requestID string) model.Status {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		t.Fatalf("no stored request %s", requestID)
	}
	return req.Status
}

func (s *stubRequestStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubAttemptStore struct {
	mu       sync.Mutex
	byReqID  map[string]int
	failures int
}

func newStubAttemptStore() *stubAttemptStore {
	return &stubAttemptStore{byReqID: make(map[string]int)}
}

func (s *stubAttemptStore) Create(_ context.Context, attempt *model.OTPAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byReqID[attempt.RequestID]++
	return nil
}

func (s *stubAttemptStore) MarkSuccessful(_ context.Context, _, _ string) error { return nil }

func (s *stubAttemptStore) DeleteByRequest(_ context.Context, requestIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("scylla timed out")
	}
	for _, id := range requestIDs {
		delete(s.byReqID, id)
	}
	return nil
}

func (s *stubAttemptStore) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.byReqID {
		total += n
	}
	return total
}

type stubEphemeralStore struct {
	mu      sync.Mutex
	entries map[string]*model.EphemeralEntry
}

func newStubEphemeralStore() *stubEphemeralStore {
	return &stubEphemeralStore{entries: make(map[string]*model.EphemeralEntry)}
}

func cacheKey(recipient string, purpose model.Purpose) string {
	return string(purpose) + ":" + recipient
}

func (s *stubEphemeralStore) PutEntry(_ context.Context, recipient string, purpose model.Purpose, entry *model.EphemeralEntry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *entry
	s.entries[cacheKey(recipient, purpose)] = &stored
	return nil
}

func (s *stubEphemeralStore) GetEntry(_ context.Context, recipient string, purpose model.Purpose) (*model.EphemeralEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[cacheKey(recipient, purpose)]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (s *stubEphemeralStore) IncrementAttempts(_ context.Context, _ string, _ model.Purpose) (int, error) {
	return 0, nil
}

func (s *stubEphemeralStore) DeleteEntry(_ context.Context, recipient string, purpose model.Purpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cacheKey(recipient, purpose))
	return nil
}

func (s *stubEphemeralStore) AcquireVerifyLock(_ context.Context, _ string, _ model.Purpose, _ time.Duration) (bool, error) {
	return true, nil
}

func (s *stubEphemeralStore) ReleaseVerifyLock(_ context.Context, _ string, _ model.Purpose) error {
	return nil
}

func (s *stubEphemeralStore) KeyspaceStats(_ context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{"active_codes": len(s.entries)}, nil
}

func (s *stubEphemeralStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type stubAnalyticsStore struct {
	mu     sync.Mutex
	events []*model.Event
}

func (s *stubAnalyticsStore) RecordEvent(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *event
	s.events = append(s.events, &stored)
	return nil
}

func (s *stubAnalyticsStore) WindowCounts(_ context.Context, _ time.Time, _ string) (*model.StatusCounts, error) {
	return &model.StatusCounts{}, nil
}

func (s *stubAnalyticsStore) PurposeBreakdown(_ context.Context, _ time.Time, _ string) (map[model.Purpose]*model.StatusCounts, error) {
	return map[model.Purpose]*model.StatusCounts{}, nil
}

func (s *stubAnalyticsStore) countByType(eventType model.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type stubPublisher struct {
	mu     sync.Mutex
	events []*model.Event
}

func (s *stubPublisher) Publish(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *event
	s.events = append(s.events, &stored)
	return nil
}

// ===== TEST HARNESS =====

type jobsFixture struct {
	jobs      *Jobs
	requests  *stubRequestStore
	attempts  *stubAttemptStore
	ephemeral *stubEphemeralStore
	analytics *stubAnalyticsStore
	publisher *stubPublisher
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()

	cfg := &config.Config{
		OTP: config.OTPConfig{RetentionDays: 30},
		Reconcile: config.ReconcileConfig{
			BatchSize:        2,
			MaxRunDuration:   time.Minute,
			RetryBaseDelay:   time.Millisecond,
			RetryMaxDelay:    5 * time.Millisecond,
			RetryMaxAttempts: 3,
		},
	}

	fx := &jobsFixture{
		requests:  newStubRequestStore(),
		attempts:  newStubAttemptStore(),
		ephemeral: newStubEphemeralStore(),
		analytics: &stubAnalyticsStore{},
		publisher: &stubPublisher{},
	}
	fx.jobs = NewJobs(cfg, fx.requests, fx.attempts, fx.ephemeral, fx.analytics, fx.publisher)
	return fx
}

// seedRequest stores a request row plus its live cache entry and n attempt rows.
func (fx *jobsFixture) seedRequest(t *testing.T, id, recipient string, status model.Status, createdAt, expiresAt time.Time, attemptRows int) {
	t.Helper()

	fx.requests.add(&model.OTPRequest{
		RequestID: id,
		Recipient: recipient,
		Purpose:   model.PurposeLogin,
		Status:    status,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	})
	if status == model.StatusSent {
		entry := &model.EphemeralEntry{CodeHash: "hash", RequestID: id, CreatedAt: createdAt}
		if err := fx.ephemeral.PutEntry(context.Background(), recipient, model.PurposeLogin, entry, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < attemptRows; i++ {
		if err := fx.attempts.Create(context.Background(), &model.OTPAttempt{RequestID: id}); err != nil {
			t.Fatal(err)
		}
	}
}

// ===== EXPIRY SWEEP =====

func TestExpirySweepSettlesOverdueRows(t *testing.T) {
	fx := newJobsFixture(t)
	now := time.Now().UTC()

	for i, id := range []string{"req-1", "req-2", "req-3", "req-4", "req-5"} {
		recipient := "+1415555010" + string(rune('0'+i))
		fx.seedRequest(t, id, recipient, model.StatusSent, now.Add(-20*time.Minute), now.Add(-10*time.Minute), 0)
	}
	// Still inside its window; the sweep must leave it alone.
	fx.seedRequest(t, "req-live", "+14155550199", model.StatusSent, now, now.Add(5*time.Minute), 0)

	report, err := fx.jobs.RunExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("RunExpirySweep failed: %v", err)
	}

	if report.Expired != 5 {
		t.Errorf("expired = %d, want 5", report.Expired)
	}
	// Batch size 2 over 5 rows: 2 + 2 + 1.
	if report.Batches != 3 {
		t.Errorf("batches = %d, want 3", report.Batches)
	}

	for _, id := range []string{"req-1", "req-2", "req-3", "req-4", "req-5"} {
		if got := fx.requests.statusByID(t, id); got != model.StatusExpired {
			t.Errorf("request %s status = %s, want EXPIRED", id, got)
		}
	}
	if got := fx.requests.statusByID(t, "req-live"); got != model.StatusSent {
		t.Errorf("in-window request status = %s, want SENT", got)
	}
	// Only the untouched request keeps its live entry.
	if fx.ephemeral.size() != 1 {
		t.Errorf("live entries remaining = %d, want 1", fx.ephemeral.size())
	}
	if got := fx.analytics.countByType(model.EventExpired); got != 5 {
		t.Errorf("expired events = %d, want 5", got)
	}
	if len(fx.publisher.events) != 5 {
		t.Errorf("published events = %d, want 5", len(fx.publisher.events))
	}
}

func TestExpirySweepEmptyKeyspace(t *testing.T) {
	fx := newJobsFixture(t)

	report, err := fx.jobs.RunExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("RunExpirySweep failed: %v", err)
	}
	if report.Expired != 0 {
		t.Errorf("expired = %d, want 0", report.Expired)
	}
	if report.Batches != 1 {
		t.Errorf("batches = %d, want 1", report.Batches)
	}
}

func TestExpirySweepIsIdempotent(t *testing.T) {
	fx := newJobsFixture(t)
	now := time.Now().UTC()

	fx.seedRequest(t, "req-1", "+14155550100", model.StatusSent, now.Add(-20*time.Minute), now.Add(-10*time.Minute), 0)

	first, err := fx.jobs.RunExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	if first.Expired != 1 {
		t.Fatalf("first sweep expired = %d, want 1", first.Expired)
	}

	second, err := fx.jobs.RunExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if second.Expired != 0 {
		t.Errorf("second sweep expired = %d, want 0 (rows already settled)", second.Expired)
	}
	if got := fx.analytics.countByType(model.EventExpired); got != 1 {
		t.Errorf("expired events = %d, want 1 (no double emit)", got)
	}
}

func TestExpirySweepRetriesTransientFailures(t *testing.T) {
	fx := newJobsFixture(t)
	now := time.Now().UTC()

	fx.seedRequest(t, "req-1", "+14155550100", model.StatusSent, now.Add(-20*time.Minute), now.Add(-10*time.Minute), 0)
	fx.requests.expireFailures = 2

	report, err := fx.jobs.RunExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("RunExpirySweep failed after retries: %v", err)
	}
	if report.Expired != 1 {
		t.Errorf("expired = %d, want 1", report.Expired)
	}
	if got := fx.requests.statusByID(t, "req-1"); got != model.StatusExpired {
		t.Errorf("request status = %s, want EXPIRED", got)
	}
}

func TestExpirySweepSurfacesPersistentFailure(t *testing.T) {
	fx := newJobsFixture(t)
	fx.requests.expireFailures = 100

	_, err := fx.jobs.RunExpirySweep(context.Background())
	if err == nil {
		t.Fatal("expected error once the retry budget is spent")
	}
}

// ===== RETENTION CLEANUP =====

func TestRetentionCleanupDryRun(t *testing.T) {
	fx := newJobsFixture(t)
	now := time.Now().UTC()

	fx.seedRequest(t, "req-old-1", "+14155550100", model.StatusVerified, now.AddDate(0, 0, -45), now.AddDate(0, 0, -45), 2)
	fx.seedRequest(t, "req-old-2", "+14155550101", model.StatusFailed, now.AddDate(0, 0, -31), now.AddDate(0, 0, -31), 1)
	fx.seedRequest(t, "req-recent", "+14155550102", model.StatusVerified, now.AddDate(0, 0, -1), now.AddDate(0, 0, -1), 1)

	report, err := fx.jobs.RunRetentionCleanup(context.Background(), true)
	if err != nil {
		t.Fatalf("RunRetentionCleanup failed: %v", err)
	}

	if !report.DryRun {
		t.Error("report does not carry the dry-run flag")
	}
	if report.Matched != 2 {
		t.Errorf("matched = %d, want 2", report.Matched)
	}
	if report.Deleted != 0 {
		t.Errorf("deleted = %d, want 0 on a dry run", report.Deleted)
	}
	if fx.requests.size() != 3 {
		t.Errorf("request rows = %d after dry run, want 3", fx.requests.size())
	}
	if fx.attempts.remaining() != 4 {
		t.Errorf("attempt rows = %d after dry run, want 4", fx.attempts.remaining())
	}
}

func TestRetentionCleanupDeletesOldRows(t *testing.T) {
	fx := newJobsFixture(t)
	now := time.Now().UTC()

	fx.seedRequest(t, "req-old-1", "+14155550100", model.StatusVerified, now.AddDate(0, 0, -45), now.AddDate(0, 0, -45), 2)
	fx.seedRequest(t, "req-old-2", "+14155550101", model.StatusFailed, now.AddDate(0, 0, -40), now.AddDate(0, 0, -40), 1)
	fx.seedRequest(t, "req-old-3", "+14155550102", model.StatusExpired, now.AddDate(0, 0, -31), now.AddDate(0, 0, -31), 0)
	fx.seedRequest(t, "req-recent", "+14155550103", model.StatusVerified, now.AddDate(0, 0, -1), now.AddDate(0, 0, -1), 3)

	report, err := fx.jobs.RunRetentionCleanup(context.Background(), false)
	if err != nil {
		t.Fatalf("RunRetentionCleanup failed: %v", err)
	}

	if report.Matched != 3 {
		t.Errorf("matched = %d, want 3", report.Matched)
	}
	if report.Deleted != 3 {
		t.Errorf("deleted = %d, want 3", report.Deleted)
	}
	if fx.requests.size() != 1 {
		t.Errorf("request rows = %d, want 1 (only the recent row)", fx.requests.size())
	}
	// Attempts for deleted requests go with them; the recent row keeps its 3.
	if fx.attempts.remaining() != 3 {
		t.Errorf("attempt rows = %d, want 3", fx.attempts.remaining())
	}
}

func TestRetentionCleanupRetriesAttemptDeletes(t *testing.T) {
	fx := newJobsFixture(t)
	now := time.Now().UTC()

	fx.seedRequest(t, "req-old-1", "+14155550100", model.StatusVerified, now.AddDate(0, 0, -45), now.AddDate(0, 0, -45), 2)
	fx.attempts.failures = 2

	report, err := fx.jobs.RunRetentionCleanup(context.Background(), false)
	if err != nil {
		t.Fatalf("RunRetentionCleanup failed after retries: %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", report.Deleted)
	}
	if fx.attempts.remaining() != 0 {
		t.Errorf("attempt rows = %d, want 0", fx.attempts.remaining())
	}
}

func TestRetentionCleanupSurfacesCountFailure(t *testing.T) {
	fx := newJobsFixture(t)
	fx.requests.countFailures = 100

	_, err := fx.jobs.RunRetentionCleanup(context.Background(), true)
	if err == nil {
		t.Fatal("expected error once the retry budget is spent")
	}
}
