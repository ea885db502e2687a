package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const cooldownPrefix = "otp_cooldown:"

// CooldownCache gates resends per (recipient, purpose). The key's TTL is the
// cooldown itself: once Redis drops the key the pair may be issued again.
type CooldownCache struct {
	client *client.RedisClient
}

func NewCooldownCache(client *client.RedisClient) *CooldownCache {
	return &CooldownCache{client: client}
}

var _ model.CooldownStore = (*CooldownCache)(nil)

func cooldownKey(recipient string, purpose model.Purpose) string {
	return cooldownPrefix + string(purpose) + ":" + recipient
}

// Remaining returns 0 when no cooldown is active.
func (c *CooldownCache) Remaining(ctx context.Context, recipient string, purpose model.Purpose) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ttl, err := c.client.TTL(ctx, cooldownKey(recipient, purpose))
	if err != nil {
		util.Error("Failed to read cooldown TTL",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return 0, fmt.Errorf("failed to read cooldown TTL: %w", err)
	}
	// -2 key missing, -1 no expiry set; neither blocks a resend.
	if ttl < 0 {
		return 0, nil
	}

	return ttl, nil
}

func (c *CooldownCache) Set(ctx context.Context, recipient string, purpose model.Purpose, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, cooldownKey(recipient, purpose), "1", window); err != nil {
		util.Error("Failed to set cooldown",
			zap.String("purpose", string(purpose)),
			zap.Duration("window", window),
			zap.Error(err))
		return fmt.Errorf("failed to set cooldown: %w", err)
	}

	util.Debug("Cooldown set",
		zap.String("purpose", string(purpose)),
		zap.Duration("window", window))
	return nil
}

func (c *CooldownCache) Clear(ctx context.Context, recipient string, purpose model.Purpose) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, cooldownKey(recipient, purpose)); err != nil {
		util.Error("Failed to clear cooldown",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return fmt.Errorf("failed to clear cooldown: %w", err)
	}

	return nil
}
