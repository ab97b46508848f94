package lease

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestNoopLockerAlwaysGrants(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		l, err := NoopLocker{}.Acquire(ctx, Key("outlet"), time.Minute)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if err := l.Extend(ctx, time.Minute); err != nil {
			t.Fatalf("extend: %v", err)
		}
		if err := l.Release(ctx); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestRedisLockerIsExclusive(t *testing.T) {
	addr := os.Getenv("POSSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POSSYNC_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	locker := NewRedisLocker(addr, os.Getenv("POSSYNC_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() { _ = locker.Close() })
	if err := locker.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := Key("it-" + time.Now().Format("150405.000000"))
	first, err := locker.Acquire(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, key, 30*time.Second); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if err := first.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ttl := locker.client.PTTL(ctx, key).Val(); ttl <= 30*time.Second {
		t.Fatalf("expected extended ttl above 30s, got %s", ttl)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Extend(ctx, time.Minute); !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost after release, got %v", err)
	}
	second, err := locker.Acquire(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release(ctx)
}
