package repository

import (
	"context"

	"github.com/user/weibo-harvester/internal/entity"
)

// CheckpointRepository defines the interface for the per-task resume cursor.
type CheckpointRepository interface {
	// SaveCheckpoint creates or overwrites the task's checkpoint.
	SaveCheckpoint(ctx context.Context, cp *entity.CrawlCheckpoint) error
	// LoadCheckpoint returns ErrNotFound if the task has none.
	LoadCheckpoint(ctx context.Context, taskID string) (*entity.CrawlCheckpoint, error)
	// DeleteCheckpoint removes the checkpoint once a phase is complete.
	DeleteCheckpoint(ctx context.Context, taskID string) error
}
