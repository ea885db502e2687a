package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const (
	otpPrefix        = "otp:"
	verifyLockPrefix = "otp_verify_lock:"
)

// OTPCache is the Redis-backed ephemeral secret store. One hash per
// (recipient, purpose) holds the peppered code hash, the owning request id
// and the in-window attempt counter; Redis TTL enforces expiry.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

var _ model.EphemeralStore = (*OTPCache)(nil)

func otpKey(recipient string, purpose model.Purpose) string {
	return otpPrefix + string(purpose) + ":" + recipient
}

func lockKey(recipient string, purpose model.Purpose) string {
	return verifyLockPrefix + string(purpose) + ":" + recipient
}

// PutEntry replaces any live entry for the pair. The delete, the field writes
// and the expiry land in one transaction so a concurrent reader never sees a
// half-written entry or a stale attempt counter.
func (c *OTPCache) PutEntry(ctx context.Context, recipient string, purpose model.Purpose, entry *model.EphemeralEntry, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := otpKey(recipient, purpose)

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"code_hash", entry.CodeHash,
		"request_id", entry.RequestID,
		"created_at", entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		"attempts", entry.Attempts,
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store OTP entry",
			zap.String("purpose", string(purpose)),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to store OTP entry: %w", err)
	}

	util.Debug("OTP entry cached",
		zap.String("purpose", string(purpose)),
		zap.String("request_id", entry.RequestID),
		zap.Duration("ttl", ttl))
	return nil
}

// GetEntry returns (nil, nil) when no live entry exists for the pair.
func (c *OTPCache) GetEntry(ctx context.Context, recipient string, purpose model.Purpose) (*model.EphemeralEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, otpKey(recipient, purpose))
	if err != nil {
		util.Error("Failed to read OTP entry",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read OTP entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &model.EphemeralEntry{
		CodeHash:  fields["code_hash"],
		RequestID: fields["request_id"],
	}
	if ts := fields["created_at"]; ts != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at in OTP entry: %w", err)
		}
		entry.CreatedAt = createdAt
	}
	if raw := fields["attempts"]; raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid attempt count in OTP entry: %w", err)
		}
		entry.Attempts = attempts
	}

	return entry, nil
}

// IncrementAttempts bumps the counter in place. HINCRBY does not touch the
// key's TTL, so the expiry window set at issuance is preserved.
func (c *OTPCache) IncrementAttempts(ctx context.Context, recipient string, purpose model.Purpose) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.HIncrBy(ctx, otpKey(recipient, purpose), "attempts", 1)
	if err != nil {
		util.Error("Failed to increment OTP attempts",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}

	return int(count), nil
}

func (c *OTPCache) DeleteEntry(ctx context.Context, recipient string, purpose model.Purpose) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, otpKey(recipient, purpose)); err != nil {
		util.Error("Failed to delete OTP entry",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return fmt.Errorf("failed to delete OTP entry: %w", err)
	}

	util.Debug("OTP entry deleted", zap.String("purpose", string(purpose)))
	return nil
}

// AcquireVerifyLock serializes verification per (recipient, purpose) via
// SETNX. Returns false without error when another verifier holds the lock.
func (c *OTPCache) AcquireVerifyLock(ctx context.Context, recipient string, purpose model.Purpose, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	acquired, err := c.client.SetNX(ctx, lockKey(recipient, purpose), "locked", ttl)
	if err != nil {
		util.Error("Failed to acquire verify lock",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire verify lock: %w", err)
	}

	return acquired, nil
}

func (c *OTPCache) ReleaseVerifyLock(ctx context.Context, recipient string, purpose model.Purpose) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, lockKey(recipient, purpose)); err != nil {
		util.Error("Failed to release verify lock",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return fmt.Errorf("failed to release verify lock: %w", err)
	}

	return nil
}

// Statistics and monitoring

// KeyspaceStats counts live entries and held locks; used by the stats
// endpoint for an operational snapshot of the Redis keyspace.
func (c *OTPCache) KeyspaceStats(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats := make(map[string]interface{})

	keys, _, err := c.client.Scan(ctx, 0, otpPrefix+"*", 1000)
	if err != nil {
		util.Warn("Failed to scan OTP keys", zap.Error(err))
	} else {
		stats["active_codes"] = len(keys)
	}

	lockKeys, _, err := c.client.Scan(ctx, 0, verifyLockPrefix+"*", 1000)
	if err != nil {
		util.Warn("Failed to scan verify lock keys", zap.Error(err))
	} else {
		stats["held_verify_locks"] = len(lockKeys)
	}

	pool := c.client.PoolStats()
	stats["pool_total_conns"] = pool.TotalConns
	stats["pool_idle_conns"] = pool.IdleConns

	return stats, nil
}
