package repository

import (
	"context"

	"github.com/user/weibo-harvester/internal/entity"
)

// PageCommit is everything that must become durable together after a page
// was fetched.
type PageCommit struct {
	Task       *entity.CrawlTask
	Checkpoint *entity.CrawlCheckpoint
	Posts      []entity.WeiboPost
}

// Store is the persistent store used by the crawl engine.
type Store interface {
	TaskRepository
	CheckpointRepository
	PostRepository

	// CommitPage appends the posts, folds the inserted count into the task
	// with RecordPosts and saves task and checkpoint, all in one
	// transaction. It returns the number of new posts.
	CommitPage(ctx context.Context, commit PageCommit) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
