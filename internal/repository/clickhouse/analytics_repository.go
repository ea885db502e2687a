package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// AnalyticsRepository ingests lifecycle events into the otp_events table and
// serves the windowed rollups behind the statistics endpoint.
//
// Expected schema:
//
//	CREATE TABLE otp_events (
//	    event_type  LowCardinality(String),
//	    request_id  String,
//	    recipient   String,
//	    purpose     LowCardinality(String),
//	    occurred_at DateTime64(3)
//	) ENGINE = MergeTree()
//	ORDER BY (occurred_at, purpose)
type AnalyticsRepository struct {
	client *client.ClickHouseClient
}

func NewAnalyticsRepository(client *client.ClickHouseClient) *AnalyticsRepository {
	return &AnalyticsRepository{client: client}
}

var _ model.AnalyticsStore = (*AnalyticsRepository)(nil)

func (r *AnalyticsRepository) RecordEvent(ctx context.Context, event *model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.client.Exec(ctx, `
        INSERT INTO otp_events (event_type, request_id, recipient, purpose, occurred_at)
        VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), event.RequestID, event.Recipient,
		string(event.Purpose), event.OccurredAt)
	if err != nil {
		util.Error("Failed to record OTP event",
			zap.String("event_type", string(event.Type)),
			zap.String("request_id", event.RequestID),
			zap.Error(err))
		return fmt.Errorf("failed to record OTP event: %w", err)
	}

	return nil
}

// WindowCounts rolls up outcomes since the cutoff. Total counts issuances;
// the outcome columns count terminal transitions, so a window's totals can
// momentarily exceed the sum of its outcomes while requests are in flight.
func (r *AnalyticsRepository) WindowCounts(ctx context.Context, since time.Time, recipient string) (*model.StatusCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
        SELECT
            countIf(event_type = 'issued')   AS total,
            countIf(event_type = 'verified') AS verified,
            countIf(event_type = 'expired')  AS expired,
            countIf(event_type = 'failed')   AS failed
        FROM otp_events
        WHERE occurred_at >= ?`
	args := []interface{}{since}
	if recipient != "" {
		query += ` AND recipient = ?`
		args = append(args, recipient)
	}

	var counts model.StatusCounts
	var total, verified, expired, failed uint64
	row := r.client.QueryRow(ctx, query, args...)
	if err := row.Scan(&total, &verified, &expired, &failed); err != nil {
		util.Error("Failed to query OTP window counts", zap.Error(err))
		return nil, fmt.Errorf("failed to query OTP window counts: %w", err)
	}

	counts.Total = int64(total)
	counts.Verified = int64(verified)
	counts.Expired = int64(expired)
	counts.Failed = int64(failed)
	return &counts, nil
}

// PurposeBreakdown is WindowCounts grouped by purpose.
func (r *AnalyticsRepository) PurposeBreakdown(ctx context.Context, since time.Time, recipient string) (map[model.Purpose]*model.StatusCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
        SELECT
            purpose,
            countIf(event_type = 'issued')   AS total,
            countIf(event_type = 'verified') AS verified,
            countIf(event_type = 'expired')  AS expired,
            countIf(event_type = 'failed')   AS failed
        FROM otp_events
        WHERE occurred_at >= ?`
	args := []interface{}{since}
	if recipient != "" {
		query += ` AND recipient = ?`
		args = append(args, recipient)
	}
	query += ` GROUP BY purpose`

	rows, err := r.client.QueryRows(ctx, query, args...)
	if err != nil {
		util.Error("Failed to query OTP purpose breakdown", zap.Error(err))
		return nil, fmt.Errorf("failed to query OTP purpose breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := make(map[model.Purpose]*model.StatusCounts)
	for rows.Next() {
		var purpose string
		var total, verified, expired, failed uint64
		if err := rows.Scan(&purpose, &total, &verified, &expired, &failed); err != nil {
			return nil, fmt.Errorf("failed to scan OTP purpose breakdown row: %w", err)
		}
		breakdown[model.Purpose(purpose)] = &model.StatusCounts{
			Total:    int64(total),
			Verified: int64(verified),
			Expired:  int64(expired),
			Failed:   int64(failed),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read OTP purpose breakdown: %w", err)
	}

	return breakdown, nil
}
