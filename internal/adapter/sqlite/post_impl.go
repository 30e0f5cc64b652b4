package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/user/weibo-harvester/internal/entity"
)

// AppendPosts stores posts and returns how many were new.
func (s *Store) AppendPosts(ctx context.Context, taskID string, posts []entity.WeiboPost) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := insertPosts(ctx, tx, taskID, posts)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit posts: %w", err)
	}
	return n, nil
}

func insertPosts(ctx context.Context, db execer, taskID string, posts []entity.WeiboPost) (int, error) {
	inserted := 0
	for _, p := range posts {
		res, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO weibo_posts (task_id, id, text, created_at, author_uid,
			   author_screen_name, reposts_count, comments_count, attitudes_count, crawled_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskID, p.ID, p.Text, formatTime(p.CreatedAt), p.AuthorUID, p.AuthorScreenName,
			p.RepostsCount, p.CommentsCount, p.AttitudesCount, formatTime(p.CrawledAt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert post %s: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// QueryPostsByTime returns the task's posts created within [start, end],
// ordered by creation time then id.
func (s *Store) QueryPostsByTime(ctx context.Context, taskID string, start, end time.Time) ([]entity.WeiboPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, id, text, created_at, author_uid, author_screen_name,
		   reposts_count, comments_count, attitudes_count, crawled_at
		 FROM weibo_posts
		 WHERE task_id = ? AND created_at >= ? AND created_at <= ?
		 ORDER BY created_at, id`,
		taskID, formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []entity.WeiboPost
	for rows.Next() {
		var p entity.WeiboPost
		var created, crawled string
		if err := rows.Scan(&p.TaskID, &p.ID, &p.Text, &created, &p.AuthorUID, &p.AuthorScreenName,
			&p.RepostsCount, &p.CommentsCount, &p.AttitudesCount, &crawled); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if p.CrawledAt, err = parseTime(crawled); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountPosts returns the number of stored posts for a task.
func (s *Store) CountPosts(ctx context.Context, taskID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM weibo_posts WHERE task_id = ?`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}
