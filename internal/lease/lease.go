package lease

import (
	"context"
	"errors"
	"time"
)

var (
	ErrHeld = errors.New("sync lease held by another worker")
	ErrLost = errors.New("sync lease expired or taken over")
)

// Locker guards a sync pass so only one worker per outlet runs at a time.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Extend pushes its expiry out to ttl from now and
// returns ErrLost once another holder owns the key.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type NoopLocker struct{}

func (NoopLocker) Acquire(_ context.Context, _ string, _ time.Duration) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Extend(_ context.Context, _ time.Duration) error {
	return nil
}

func (noopLease) Release(_ context.Context) error {
	return nil
}
