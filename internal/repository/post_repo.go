package repository

import (
	"context"
	"time"

	"github.com/user/weibo-harvester/internal/entity"
)

// PostRepository defines the interface for storing and querying harvested posts.
type PostRepository interface {
	// AppendPosts stores posts for a task and returns how many were new.
	// Posts whose id is already stored for the task are ignored.
	AppendPosts(ctx context.Context, taskID string, posts []entity.WeiboPost) (int, error)
	// QueryPostsByTime returns the task's posts created within [start, end],
	// ordered by creation time then id.
	QueryPostsByTime(ctx context.Context, taskID string, start, end time.Time) ([]entity.WeiboPost, error)
	// CountPosts returns the number of stored posts for a task.
	CountPosts(ctx context.Context, taskID string) (int64, error)
}
