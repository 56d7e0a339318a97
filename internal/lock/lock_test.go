package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"okx-carry-bot/internal/config"

	"go.uber.org/zap/zaptest"
)

func TestLocalLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	a := NewLocal("test:engine")
	b := NewLocal("test:engine")

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("re-acquire by holder should be a no-op: %v", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := a.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	_ = b.Release(ctx)
}

func TestLocalLockKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	a := NewLocal("test:a")
	b := NewLocal("test:b")
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	select {
	case <-a.Lost():
		t.Fatal("local lock should never report lost")
	default:
	}
	_ = a.Release(ctx)
	_ = b.Release(ctx)
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("CARRY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CARRY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := Dial(ctx, config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	key := "okx-carry-bot:test:" + time.Now().Format("150405.000000")
	log := zaptest.NewLogger(t)

	a := NewRedis(client, key, 3*time.Second, log)
	b := NewRedis(client, key, 3*time.Second, log)
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	// outlive the ttl to prove the refresh keeps the key
	time.Sleep(4 * time.Second)
	if err := b.Acquire(ctx); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected refreshed lock to still be held, got %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	// someone else takes the key: the holder notices on refresh
	if err := client.Set(ctx, key, "intruder", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case <-b.Lost():
	case <-time.After(3 * time.Second):
		t.Fatal("expected lost notification")
	}
	client.Del(ctx, key)
}
