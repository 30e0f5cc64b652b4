package repository

import (
	"context"

	"github.com/user/weibo-harvester/internal/entity"
)

// ProgressSink receives crawl progress and terminal events.
type ProgressSink interface {
	// Publish delivers one event. Sinks may drop events; consumers rebuild
	// state from the store.
	Publish(ctx context.Context, event entity.ProgressEvent) error
}
