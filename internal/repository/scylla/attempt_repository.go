package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// AttemptRepository persists one row per Verify call in otp_attempts,
// partitioned by request_id.
type AttemptRepository struct {
	client *ScyllaClient
}

func NewAttemptRepository(client *ScyllaClient) *AttemptRepository {
	return &AttemptRepository{client: client}
}

var _ model.AttemptStore = (*AttemptRepository)(nil)

func (r *AttemptRepository) Create(ctx context.Context, attempt *model.OTPAttempt) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.New().String()
	}

	query := r.client.Prepared.CreateAttempt.Bind(
		attempt.RequestID, attempt.AttemptID, attempt.IsSuccessful,
		attempt.AttemptedAt, attempt.IP, attempt.UserAgent).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP attempt",
			zap.String("request_id", attempt.RequestID),
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP attempt: %w", err)
	}

	return nil
}

// MarkSuccessful flips an attempt row recorded before the code comparison.
func (r *AttemptRepository) MarkSuccessful(ctx context.Context, requestID, attemptID string) error {
	query := r.client.Prepared.MarkSuccessful.Bind(requestID, attemptID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark OTP attempt successful",
			zap.String("request_id", requestID),
			zap.String("attempt_id", attemptID),
			zap.Error(err))
		return fmt.Errorf("failed to mark OTP attempt successful: %w", err)
	}

	return nil
}

// ListByRequest returns every attempt recorded against a request.
func (r *AttemptRepository) ListByRequest(ctx context.Context, requestID string) ([]*model.OTPAttempt, error) {
	iter := r.client.Prepared.AttemptsForReq.Bind(requestID).WithContext(ctx).Iter()

	var attempts []*model.OTPAttempt
	for {
		attempt := &model.OTPAttempt{}
		if !iter.Scan(&attempt.RequestID, &attempt.AttemptID, &attempt.IsSuccessful,
			&attempt.AttemptedAt, &attempt.IP, &attempt.UserAgent) {
			break
		}
		attempts = append(attempts, attempt)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list OTP attempts: %w", err)
	}

	return attempts, nil
}

// DeleteByRequest removes whole attempt partitions in unlogged batches of 100.
func (r *AttemptRepository) DeleteByRequest(ctx context.Context, requestIDs []string) error {
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batchSize := 0
	deleted := 0

	for _, requestID := range requestIDs {
		batch.Query(`DELETE FROM otp_attempts WHERE request_id = ?`, requestID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for OTP attempts", zap.Error(err))
				return fmt.Errorf("failed to delete OTP attempts: %w", err)
			}
			deleted += batchSize
			batch = r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for OTP attempts", zap.Error(err))
			return fmt.Errorf("failed to delete OTP attempts: %w", err)
		}
		deleted += batchSize
	}

	util.Info("OTP attempts deleted", zap.Int("deleted_count", deleted))
	return nil
}
