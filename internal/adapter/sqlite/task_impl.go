package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/weibo-harvester/internal/entity"
)

const taskColumns = `id, keyword, event_start_time, status, min_post_time, max_post_time,
	crawled_count, failure_reason, created_at, updated_at`

// SaveTask inserts or updates a task.
func (s *Store) SaveTask(ctx context.Context, task *entity.CrawlTask) error {
	return saveTask(ctx, s.db, task)
}

func saveTask(ctx context.Context, db execer, t *entity.CrawlTask) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO crawl_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   keyword = excluded.keyword,
		   event_start_time = excluded.event_start_time,
		   status = excluded.status,
		   min_post_time = excluded.min_post_time,
		   max_post_time = excluded.max_post_time,
		   crawled_count = excluded.crawled_count,
		   failure_reason = excluded.failure_reason,
		   updated_at = excluded.updated_at`,
		t.ID, t.Keyword, formatTime(t.EventStartTime), string(t.Status),
		formatTimePtr(t.MinPostTime), formatTimePtr(t.MaxPostTime),
		t.CrawledCount, t.FailureReason, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask returns a single task by its ID.
func (s *Store) LoadTask(ctx context.Context, id string) (*entity.CrawlTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM crawl_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return t, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]entity.CrawlTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM crawl_tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []entity.CrawlTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(row scannable) (*entity.CrawlTask, error) {
	var t entity.CrawlTask
	var status, eventStart, created, updated string
	var minPost, maxPost sql.NullString
	err := row.Scan(&t.ID, &t.Keyword, &eventStart, &status, &minPost, &maxPost,
		&t.CrawledCount, &t.FailureReason, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Status = entity.TaskStatus(status)
	if t.EventStartTime, err = parseTime(eventStart); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if t.MinPostTime, err = parseNullTime(minPost); err != nil {
		return nil, err
	}
	if t.MaxPostTime, err = parseNullTime(maxPost); err != nil {
		return nil, err
	}
	return &t, nil
}
