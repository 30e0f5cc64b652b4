package memory

import (
	"context"
	"sync"
	"time"

	"github.com/user/weibo-harvester/internal/repository"
)

// LeaseRepo is a single-process crawl lease.
type LeaseRepo struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
	now     func() time.Time
}

var _ repository.LeaseRepository = (*LeaseRepo)(nil)

// NewLeaseRepo creates an empty lease.
func NewLeaseRepo() *LeaseRepo {
	return &LeaseRepo{now: time.Now}
}

func (l *LeaseRepo) free() bool {
	return l.holder == "" || !l.now().Before(l.expires)
}

func (l *LeaseRepo) Acquire(_ context.Context, taskID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.free() && l.holder != taskID {
		return repository.ErrLeaseHeld
	}
	l.holder = taskID
	l.expires = l.now().Add(ttl)
	return nil
}

func (l *LeaseRepo) Refresh(_ context.Context, taskID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != taskID {
		return repository.ErrLeaseHeld
	}
	if l.free() {
		// Expired but nobody took it over.
		l.holder = taskID
	}
	l.expires = l.now().Add(ttl)
	return nil
}

func (l *LeaseRepo) Release(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == taskID {
		l.holder = ""
		l.expires = time.Time{}
	}
	return nil
}

func (l *LeaseRepo) Holder(_ context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.free() {
		return "", nil
	}
	return l.holder, nil
}
