package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

// ChannelSink fans events out to in-process subscribers. Publishing never
// blocks: events for a subscriber whose buffer is full are dropped.
type ChannelSink struct {
	mu      sync.RWMutex
	subs    map[int]chan entity.ProgressEvent
	nextID  int
	buffer  int
	dropped atomic.Int64
}

var _ repository.ProgressSink = (*ChannelSink)(nil)

// NewChannelSink creates a sink whose subscriber channels hold buffer events.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{subs: make(map[int]chan entity.ProgressEvent), buffer: buffer}
}

// Subscribe returns a channel of events and a func that closes it.
func (s *ChannelSink) Subscribe() (<-chan entity.ProgressEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan entity.ProgressEvent, s.buffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *ChannelSink) Publish(_ context.Context, ev entity.ProgressEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []repository.ProgressSink

func (m MultiSink) Publish(ctx context.Context, ev entity.ProgressEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
