package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/user/weibo-harvester/internal/entity"
)

const taskColumns = `id, keyword, event_start_time, status, min_post_time, max_post_time,
	crawled_count, failure_reason, created_at, updated_at`

const upsertTaskQuery = `
	INSERT INTO crawl_tasks (` + taskColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		keyword = EXCLUDED.keyword,
		event_start_time = EXCLUDED.event_start_time,
		status = EXCLUDED.status,
		min_post_time = EXCLUDED.min_post_time,
		max_post_time = EXCLUDED.max_post_time,
		crawled_count = EXCLUDED.crawled_count,
		failure_reason = EXCLUDED.failure_reason,
		updated_at = EXCLUDED.updated_at;
`

const loadTaskQuery = `SELECT ` + taskColumns + ` FROM crawl_tasks WHERE id = $1;`

const listTasksQuery = `SELECT ` + taskColumns + ` FROM crawl_tasks ORDER BY created_at DESC, id DESC;`

// SaveTask inserts or updates a task.
func (s *Store) SaveTask(ctx context.Context, task *entity.CrawlTask) error {
	return saveTask(ctx, s.db, task)
}

func saveTask(ctx context.Context, db querier, t *entity.CrawlTask) error {
	_, err := db.Exec(ctx, upsertTaskQuery,
		t.ID,
		t.Keyword,
		t.EventStartTime.UTC(),
		string(t.Status),
		utcPtr(t.MinPostTime),
		utcPtr(t.MaxPostTime),
		t.CrawledCount,
		t.FailureReason,
		t.CreatedAt.UTC(),
		t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask returns a single task by its ID.
func (s *Store) LoadTask(ctx context.Context, id string) (*entity.CrawlTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, loadTaskQuery, id))
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return t, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]entity.CrawlTask, error) {
	rows, err := s.db.Query(ctx, listTasksQuery)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []entity.CrawlTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*entity.CrawlTask, error) {
	var t entity.CrawlTask
	var status string
	err := row.Scan(
		&t.ID,
		&t.Keyword,
		&t.EventStartTime,
		&status,
		&t.MinPostTime,
		&t.MaxPostTime,
		&t.CrawledCount,
		&t.FailureReason,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = entity.TaskStatus(status)
	t.EventStartTime = t.EventStartTime.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.MinPostTime = utcPtr(t.MinPostTime)
	t.MaxPostTime = utcPtr(t.MaxPostTime)
	return &t, nil
}
