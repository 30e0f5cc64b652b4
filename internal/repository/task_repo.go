package repository

import (
	"context"
	"errors"

	"github.com/user/weibo-harvester/internal/entity"
)

// ErrNotFound is returned when a task or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// TaskRepository defines the interface for storing crawl tasks.
type TaskRepository interface {
	// SaveTask inserts or updates a task.
	SaveTask(ctx context.Context, task *entity.CrawlTask) error
	// LoadTask returns ErrNotFound for an unknown id.
	LoadTask(ctx context.Context, id string) (*entity.CrawlTask, error)
	// ListTasks returns all tasks, newest first.
	ListTasks(ctx context.Context) ([]entity.CrawlTask, error)
}
