package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/bucketing"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// RequestRepository persists one row per issuance in otp_requests, partitioned
// by (recipient_bucket, recipient) so all requests for a recipient live on one
// partition. Status transitions go through LWT conditional updates.
type RequestRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewRequestRepository(client *ScyllaClient, buckets *bucketing.Manager) *RequestRepository {
	return &RequestRepository{
		client:  client,
		buckets: buckets,
	}
}

var _ model.RequestStore = (*RequestRepository)(nil)

func (r *RequestRepository) Create(ctx context.Context, req *model.OTPRequest) error {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	req.RecipientBucket = r.buckets.RecipientBucket(req.Recipient)

	query := r.client.Prepared.CreateRequest.Bind(
		req.RecipientBucket, req.Recipient, req.RequestID, string(req.Purpose), string(req.Status),
		req.CreatedAt, req.ExpiresAt, req.VerifiedAt, req.AttemptCount,
		req.IP, req.UserAgent, req.ExternalRef).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP request",
			zap.String("request_id", req.RequestID),
			zap.String("purpose", string(req.Purpose)),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP request: %w", err)
	}

	util.Info("OTP request created",
		zap.String("request_id", req.RequestID),
		zap.String("purpose", string(req.Purpose)),
		zap.Time("expires_at", req.ExpiresAt))

	return nil
}

// Get returns (nil, nil) when no row exists for the pair.
func (r *RequestRepository) Get(ctx context.Context, recipient, requestID string) (*model.OTPRequest, error) {
	bucket := r.buckets.RecipientBucket(recipient)

	req := &model.OTPRequest{}
	var purpose, status string

	query := r.client.Prepared.GetRequest.Bind(bucket, recipient, requestID).WithContext(ctx)
	err := query.Scan(
		&req.RecipientBucket, &req.Recipient, &req.RequestID, &purpose, &status,
		&req.CreatedAt, &req.ExpiresAt, &req.VerifiedAt, &req.AttemptCount,
		&req.IP, &req.UserAgent, &req.ExternalRef)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get OTP request",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP request: %w", err)
	}

	req.Purpose = model.Purpose(purpose)
	req.Status = model.Status(status)
	return req, nil
}

// MarkVerified applies SENT -> VERIFIED. applied=false means the row was
// already terminal (or gone); the caller decides whether that matters.
func (r *RequestRepository) MarkVerified(ctx context.Context, recipient, requestID string, at time.Time) (bool, error) {
	bucket := r.buckets.RecipientBucket(recipient)

	query := r.client.Prepared.MarkVerified.Bind(at, bucket, recipient, requestID).WithContext(ctx)
	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark OTP request verified",
			zap.String("request_id", requestID),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark OTP request verified: %w", err)
	}

	if applied {
		util.Info("OTP request verified", zap.String("request_id", requestID))
	}
	return applied, nil
}

func (r *RequestRepository) MarkExpired(ctx context.Context, recipient, requestID string) (bool, error) {
	bucket := r.buckets.RecipientBucket(recipient)

	query := r.client.Prepared.MarkExpired.Bind(bucket, recipient, requestID).WithContext(ctx)
	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark OTP request expired",
			zap.String("request_id", requestID),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark OTP request expired: %w", err)
	}

	return applied, nil
}

func (r *RequestRepository) MarkFailed(ctx context.Context, recipient, requestID string) (bool, error) {
	bucket := r.buckets.RecipientBucket(recipient)

	query := r.client.Prepared.MarkFailed.Bind(bucket, recipient, requestID).WithContext(ctx)
	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark OTP request failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark OTP request failed: %w", err)
	}

	return applied, nil
}

// SetAttemptCount mirrors the ephemeral attempt counter onto the durable row.
// The durable value trails the live counter between mirrors; the ephemeral
// store stays authoritative while an entry is live. The write is conditional
// on SENT so a row the sweep settled mid-verify keeps its final count;
// not-applied is not an error.
func (r *RequestRepository) SetAttemptCount(ctx context.Context, recipient, requestID string, count int) error {
	bucket := r.buckets.RecipientBucket(recipient)

	query := r.client.Prepared.SetAttemptCount.Bind(count, bucket, recipient, requestID).WithContext(ctx)
	if _, err := query.MapScanCAS(map[string]interface{}{}); err != nil {
		util.Error("Failed to set attempt count",
			zap.String("request_id", requestID),
			zap.Int("count", count),
			zap.Error(err))
		return fmt.Errorf("failed to set attempt count: %w", err)
	}

	return nil
}

// ExpireOverdue finds SENT rows whose expiry has passed and transitions each
// one through the same LWT as the verify path, so a request verified mid-scan
// is left alone. Returns the rows it actually moved.
func (r *RequestRepository) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*model.OTPRequest, error) {
	iter := r.client.Session.Query(`
        SELECT recipient_bucket, recipient, request_id, purpose, status,
            created_at, expires_at, verified_at, attempt_count,
            ip, user_agent, external_ref
        FROM otp_requests
        WHERE status = 'SENT' AND expires_at < ?
        LIMIT ? ALLOW FILTERING`, now, limit).WithContext(ctx).Iter()

	var candidates []*model.OTPRequest
	for {
		req := &model.OTPRequest{}
		var purpose, status string
		if !iter.Scan(
			&req.RecipientBucket, &req.Recipient, &req.RequestID, &purpose, &status,
			&req.CreatedAt, &req.ExpiresAt, &req.VerifiedAt, &req.AttemptCount,
			&req.IP, &req.UserAgent, &req.ExternalRef) {
			break
		}
		req.Purpose = model.Purpose(purpose)
		req.Status = model.Status(status)
		candidates = append(candidates, req)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to scan overdue OTP requests", zap.Error(err))
		return nil, fmt.Errorf("failed to scan overdue OTP requests: %w", err)
	}

	var expired []*model.OTPRequest
	for _, req := range candidates {
		applied, err := r.MarkExpired(ctx, req.Recipient, req.RequestID)
		if err != nil {
			return expired, err
		}
		if applied {
			req.Status = model.StatusExpired
			expired = append(expired, req)
		}
	}

	if len(expired) > 0 {
		util.Info("Overdue OTP requests expired", zap.Int("count", len(expired)))
	}
	return expired, nil
}

func (r *RequestRepository) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.RequestKey, error) {
	iter := r.client.Session.Query(`
        SELECT recipient_bucket, recipient, request_id FROM otp_requests
        WHERE created_at < ? LIMIT ? ALLOW FILTERING`, cutoff, limit).WithContext(ctx).Iter()

	var keys []model.RequestKey
	var key model.RequestKey
	for iter.Scan(&key.Bucket, &key.Recipient, &key.RequestID) {
		keys = append(keys, key)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list old OTP requests", zap.Error(err))
		return nil, fmt.Errorf("failed to list old OTP requests: %w", err)
	}

	return keys, nil
}

func (r *RequestRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.client.Session.Query(`
        SELECT COUNT(*) FROM otp_requests
        WHERE created_at < ? ALLOW FILTERING`, cutoff).WithContext(ctx).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count old OTP requests: %w", err)
	}

	return count, nil
}

// DeleteBatch removes rows in unlogged batches of 100.
func (r *RequestRepository) DeleteBatch(ctx context.Context, keys []model.RequestKey) error {
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batchSize := 0
	deleted := 0

	for _, key := range keys {
		batch.Query(`DELETE FROM otp_requests WHERE recipient_bucket = ? AND recipient = ? AND request_id = ?`,
			key.Bucket, key.Recipient, key.RequestID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for OTP requests", zap.Error(err))
				return fmt.Errorf("failed to delete OTP requests: %w", err)
			}
			deleted += batchSize
			batch = r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for OTP requests", zap.Error(err))
			return fmt.Errorf("failed to delete OTP requests: %w", err)
		}
		deleted += batchSize
	}

	util.Info("OTP requests deleted", zap.Int("deleted_count", deleted))
	return nil
}

func (r *RequestRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
