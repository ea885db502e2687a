package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"otp-service/internal/client"
	"otp-service/internal/model"
)

func newTestCooldownCache(t *testing.T) (*CooldownCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewCooldownCache(client.NewRedisClientFromExisting(rdb)), mr
}

func TestRemainingWithoutCooldown(t *testing.T) {
	cache, _ := newTestCooldownCache(t)

	remaining, err := cache.Remaining(context.Background(), "+14155550100", model.PurposeLogin)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %v for an absent cooldown, want 0", remaining)
	}
}

func TestSetAndRemaining(t *testing.T) {
	cache, mr := newTestCooldownCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "+14155550100", model.PurposeLogin, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	remaining, err := cache.Remaining(ctx, "+14155550100", model.PurposeLogin)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining <= 0 || remaining > time.Minute {
		t.Fatalf("remaining = %v, want within (0, 1m]", remaining)
	}

	// A different purpose for the same recipient is not in cooldown.
	remaining, err = cache.Remaining(ctx, "+14155550100", model.PurposeRegistration)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %v for a different purpose, want 0", remaining)
	}

	mr.FastForward(2 * time.Minute)

	remaining, err = cache.Remaining(ctx, "+14155550100", model.PurposeLogin)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %v after window elapsed, want 0", remaining)
	}
}

func TestClearCooldown(t *testing.T) {
	cache, _ := newTestCooldownCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "user@example.com", model.PurposePasswordReset, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Clear(ctx, "user@example.com", model.PurposePasswordReset); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	remaining, err := cache.Remaining(ctx, "user@example.com", model.PurposePasswordReset)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %v after Clear, want 0", remaining)
	}
}
