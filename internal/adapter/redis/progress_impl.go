package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

// StreamSinkImpl appends progress events to a capped Redis stream so that
// external consumers can follow crawls.
type StreamSinkImpl struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ repository.ProgressSink = (*StreamSinkImpl)(nil)

// NewStreamSink creates a sink on stream that keeps roughly the last maxLen
// events. A non-positive maxLen leaves the stream uncapped.
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSinkImpl {
	return &StreamSinkImpl{client: client, stream: stream, maxLen: maxLen}
}

// Publish adds the event to the stream.
func (s *StreamSinkImpl) Publish(ctx context.Context, ev entity.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode progress event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"task_id": ev.TaskID,
			"kind":    string(ev.Kind),
			"payload": payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}
	return nil
}
