package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/weibo-harvester/internal/repository"
)

const crawlLeaseKey = "harvester:crawl_lease"

// The lease value is the owning task id. Every script compares it before
// touching the key so a task can never extend or drop another task's lease.
var (
	acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

	refreshScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
if cur == false then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// LeaseRepoImpl keeps the single crawl lease in Redis so that several
// harvester processes sharing a store never crawl at the same time.
type LeaseRepoImpl struct {
	client *redis.Client
	key    string
}

var _ repository.LeaseRepository = (*LeaseRepoImpl)(nil)

// NewLeaseRepo creates a new instance of LeaseRepoImpl.
func NewLeaseRepo(client *redis.Client) *LeaseRepoImpl {
	return &LeaseRepoImpl{client: client, key: crawlLeaseKey}
}

// Acquire takes the lease for taskID, or refreshes it if taskID holds it.
func (r *LeaseRepoImpl) Acquire(ctx context.Context, taskID string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, r.client, []string{r.key}, taskID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok == 0 {
		return repository.ErrLeaseHeld
	}
	return nil
}

// Refresh extends the lease. An expired lease nobody took over is re-taken.
func (r *LeaseRepoImpl) Refresh(ctx context.Context, taskID string, ttl time.Duration) error {
	ok, err := refreshScript.Run(ctx, r.client, []string{r.key}, taskID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if ok == 0 {
		return repository.ErrLeaseHeld
	}
	return nil
}

// Release drops the lease if taskID owns it.
func (r *LeaseRepoImpl) Release(ctx context.Context, taskID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, taskID).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Holder returns the owning task id, or "" when the lease is free.
func (r *LeaseRepoImpl) Holder(ctx context.Context) (string, error) {
	holder, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease holder: %w", err)
	}
	return holder, nil
}
