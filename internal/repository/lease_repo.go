package repository

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned by Acquire when another task holds the lease.
var ErrLeaseHeld = errors.New("crawl lease is held by another task")

// LeaseRepository guards the single active crawl. Leases expire after ttl
// unless refreshed, so a crashed process cannot block crawling forever.
type LeaseRepository interface {
	// Acquire takes the lease for taskID. Re-acquiring an owned lease
	// refreshes it.
	Acquire(ctx context.Context, taskID string, ttl time.Duration) error
	// Refresh extends a lease owned by taskID.
	Refresh(ctx context.Context, taskID string, ttl time.Duration) error
	// Release drops the lease if taskID owns it.
	Release(ctx context.Context, taskID string) error
	// Holder returns the owning task id, or "" when the lease is free.
	Holder(ctx context.Context) (string, error)
}
