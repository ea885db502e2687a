package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// Jobs holds the reconciliation passes that keep the durable records honest:
// the expiry sweep settles SENT rows whose window has passed, and retention
// cleanup removes rows past the retention horizon. Both run in bounded
// batches and retry transient store failures with backoff.
type Jobs struct {
	cfg       *config.Config
	requests  model.RequestStore
	attempts  model.AttemptStore
	ephemeral model.EphemeralStore
	analytics model.AnalyticsStore
	publisher model.EventPublisher

	now func() time.Time
}

func NewJobs(
	cfg *config.Config,
	requests model.RequestStore,
	attempts model.AttemptStore,
	ephemeral model.EphemeralStore,
	analytics model.AnalyticsStore,
	publisher model.EventPublisher,
) *Jobs {
	return &Jobs{
		cfg:       cfg,
		requests:  requests,
		attempts:  attempts,
		ephemeral: ephemeral,
		analytics: analytics,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SweepReport summarizes one expiry sweep run.
type SweepReport struct {
	Expired  int           `json:"expired"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
}

// CleanupReport summarizes one retention cleanup run.
type CleanupReport struct {
	DryRun   bool          `json:"dry_run"`
	Cutoff   time.Time     `json:"cutoff"`
	Matched  int64         `json:"matched"`
	Deleted  int           `json:"deleted"`
	Duration time.Duration `json:"duration"`
}

// RunExpirySweep settles overdue SENT rows in batches until none remain or
// the run budget is spent. Each transition goes through the same conditional
// update as the verify path, so the sweep never claws back a verification.
func (j *Jobs) RunExpirySweep(ctx context.Context) (*SweepReport, error) {
	start := j.now()
	deadline := start.Add(j.cfg.Reconcile.MaxRunDuration)
	report := &SweepReport{}

	for {
		if j.now().After(deadline) {
			util.Warn("Expiry sweep run budget spent, stopping",
				zap.Int("expired_so_far", report.Expired))
			break
		}

		var expired []*model.OTPRequest
		err := j.withRetry(ctx, func(ctx context.Context) error {
			var err error
			expired, err = j.requests.ExpireOverdue(ctx, j.now(), j.cfg.Reconcile.BatchSize)
			return err
		})
		if err != nil {
			report.Duration = j.now().Sub(start)
			return report, fmt.Errorf("expiry sweep failed: %w", err)
		}

		report.Batches++

		for _, req := range expired {
			if err := j.ephemeral.DeleteEntry(ctx, req.Recipient, req.Purpose); err != nil {
				util.Warn("Failed to delete live code for expired request",
					zap.String("request_id", req.RequestID),
					zap.Error(err))
			}
			j.emit(ctx, model.EventExpired, req)
		}
		report.Expired += len(expired)

		if len(expired) < j.cfg.Reconcile.BatchSize {
			break
		}
	}

	report.Duration = j.now().Sub(start)
	util.Info("Expiry sweep completed",
		zap.Int("expired", report.Expired),
		zap.Int("batches", report.Batches),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// RunRetentionCleanup deletes request and attempt rows older than the
// retention horizon. With dryRun set it only counts what a real run would
// remove. Attempt partitions go first so a mid-run failure leaves no
// attempts orphaned from a deleted request.
func (j *Jobs) RunRetentionCleanup(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.cfg.OTP.RetentionDays)
	deadline := start.Add(j.cfg.Reconcile.MaxRunDuration)

	report := &CleanupReport{
		DryRun: dryRun,
		Cutoff: cutoff,
	}

	var matched int64
	err := j.withRetry(ctx, func(ctx context.Context) error {
		var err error
		matched, err = j.requests.CountOlderThan(ctx, cutoff)
		return err
	})
	if err != nil {
		report.Duration = j.now().Sub(start)
		return report, fmt.Errorf("retention count failed: %w", err)
	}
	report.Matched = matched

	if dryRun {
		report.Duration = j.now().Sub(start)
		util.Info("Retention cleanup dry run",
			zap.Time("cutoff", cutoff),
			zap.Int64("matched", matched))
		return report, nil
	}

	for {
		if j.now().After(deadline) {
			util.Warn("Retention cleanup run budget spent, stopping",
				zap.Int("deleted_so_far", report.Deleted))
			break
		}

		var keys []model.RequestKey
		err := j.withRetry(ctx, func(ctx context.Context) error {
			var err error
			keys, err = j.requests.ListOlderThan(ctx, cutoff, j.cfg.Reconcile.BatchSize)
			return err
		})
		if err != nil {
			report.Duration = j.now().Sub(start)
			return report, fmt.Errorf("retention list failed: %w", err)
		}
		if len(keys) == 0 {
			break
		}

		if err := j.deleteAttempts(ctx, keys); err != nil {
			report.Duration = j.now().Sub(start)
			return report, fmt.Errorf("retention attempt delete failed: %w", err)
		}

		err = j.withRetry(ctx, func(ctx context.Context) error {
			return j.requests.DeleteBatch(ctx, keys)
		})
		if err != nil {
			report.Duration = j.now().Sub(start)
			return report, fmt.Errorf("retention request delete failed: %w", err)
		}
		report.Deleted += len(keys)

		if len(keys) < j.cfg.Reconcile.BatchSize {
			break
		}
	}

	report.Duration = j.now().Sub(start)
	util.Info("Retention cleanup completed",
		zap.Time("cutoff", cutoff),
		zap.Int("deleted", report.Deleted),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// deleteAttempts removes attempt partitions in parallel chunks.
func (j *Jobs) deleteAttempts(ctx context.Context, keys []model.RequestKey) error {
	requestIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		requestIDs = append(requestIDs, key.RequestID)
	}

	chunkSize := 100
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i := 0; i < len(requestIDs); i += chunkSize {
		end := i + chunkSize
		if end > len(requestIDs) {
			end = len(requestIDs)
		}
		chunk := requestIDs[i:end]

		g.Go(func() error {
			return j.withRetry(ctx, func(ctx context.Context) error {
				return j.attempts.DeleteByRequest(ctx, chunk)
			})
		})
	}

	return g.Wait()
}

// withRetry runs fn under capped exponential backoff. Store errors are
// treated as transient up to the attempt ceiling.
func (j *Jobs) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(j.cfg.Reconcile.RetryBaseDelay)
	b = retry.WithCappedDuration(j.cfg.Reconcile.RetryMaxDelay, b)
	b = retry.WithMaxRetries(uint64(j.cfg.Reconcile.RetryMaxAttempts), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			util.Warn("Reconciliation step failed, will retry", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (j *Jobs) emit(ctx context.Context, eventType model.EventType, req *model.OTPRequest) {
	event := &model.Event{
		Type:       eventType,
		RequestID:  req.RequestID,
		Recipient:  req.Recipient,
		Purpose:    req.Purpose,
		OccurredAt: j.now(),
	}

	if j.analytics != nil {
		if err := j.analytics.RecordEvent(ctx, event); err != nil {
			util.Warn("Failed to record analytics event", zap.Error(err))
		}
	}
	if j.publisher != nil {
		if err := j.publisher.Publish(ctx, event); err != nil {
			util.Warn("Failed to publish lifecycle event", zap.Error(err))
		}
	}
}
