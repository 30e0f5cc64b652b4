package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

// TaskManager defines the interface for creating and inspecting tasks.
type TaskManager interface {
	CreateTask(ctx context.Context, keyword string, eventStart time.Time) (*entity.CrawlTask, error)
	GetTask(ctx context.Context, id string) (*entity.CrawlTask, error)
	ListTasks(ctx context.Context) ([]entity.CrawlTask, error)
	GetProgress(ctx context.Context, id string) (*entity.Progress, error)
	ExportPosts(ctx context.Context, id string, start, end time.Time) ([]entity.WeiboPost, error)
}

// runChecker is the part of Crawler the task manager reads.
type runChecker interface {
	Running(taskID string) bool
}

type taskManagerUseCase struct {
	store  repository.Store
	crawls runChecker
	now    func() time.Time
	logger *zap.Logger
}

// NewTaskManager creates a new TaskManager use case.
func NewTaskManager(store repository.Store, crawls runChecker, logger *zap.Logger) TaskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &taskManagerUseCase{store: store, crawls: crawls, now: time.Now, logger: logger}
}

func (uc *taskManagerUseCase) CreateTask(ctx context.Context, keyword string, eventStart time.Time) (*entity.CrawlTask, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, &ValidationError{Field: "keyword", Reason: "must not be empty"}
	}
	now := uc.now().UTC()
	if eventStart.IsZero() {
		return nil, &ValidationError{Field: "event_start_time", Reason: "is required"}
	}
	if eventStart.After(now) {
		return nil, &ValidationError{Field: "event_start_time", Reason: "must not be in the future"}
	}

	task := &entity.CrawlTask{
		ID:             uuid.NewString(),
		Keyword:        keyword,
		EventStartTime: eventStart.UTC(),
		Status:         entity.StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := uc.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	uc.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("keyword", task.Keyword),
		zap.Time("event_start_time", task.EventStartTime),
	)
	return task, nil
}

func (uc *taskManagerUseCase) GetTask(ctx context.Context, id string) (*entity.CrawlTask, error) {
	return uc.store.LoadTask(ctx, id)
}

func (uc *taskManagerUseCase) ListTasks(ctx context.Context) ([]entity.CrawlTask, error) {
	return uc.store.ListTasks(ctx)
}

// GetProgress rebuilds a task's progress from persisted state only.
func (uc *taskManagerUseCase) GetProgress(ctx context.Context, id string) (*entity.Progress, error) {
	task, err := uc.store.LoadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	p := &entity.Progress{Task: task, Running: uc.crawls != nil && uc.crawls.Running(id)}

	cp, err := uc.store.LoadCheckpoint(ctx, id)
	switch {
	case err == nil:
		p.Checkpoint = cp
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, err
	}
	return p, nil
}

// ExportPosts returns the task's posts created within [start, end]. A zero
// bound is open.
func (uc *taskManagerUseCase) ExportPosts(ctx context.Context, id string, start, end time.Time) ([]entity.WeiboPost, error) {
	if _, err := uc.store.LoadTask(ctx, id); err != nil {
		return nil, err
	}
	if end.IsZero() {
		end = uc.now().UTC()
	}
	if end.Before(start) {
		return nil, &ValidationError{Field: "end", Reason: "is before start"}
	}
	return uc.store.QueryPostsByTime(ctx, id, start, end)
}
