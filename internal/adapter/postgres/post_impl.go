package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/user/weibo-harvester/internal/entity"
)

// insertPostsQuery sends a whole page as column arrays so one round trip
// stores it. Duplicate ids are skipped and the row count is the number of
// new posts.
const insertPostsQuery = `
	INSERT INTO weibo_posts (task_id, id, text, created_at, author_uid, author_screen_name,
		reposts_count, comments_count, attitudes_count, crawled_at)
	SELECT $1::text, p.id, p.text, p.created_at, p.author_uid, p.author_screen_name,
		p.reposts_count, p.comments_count, p.attitudes_count, p.crawled_at
	FROM unnest($2::text[], $3::text[], $4::timestamptz[], $5::text[], $6::text[],
		$7::bigint[], $8::bigint[], $9::bigint[], $10::timestamptz[])
		AS p(id, text, created_at, author_uid, author_screen_name,
			reposts_count, comments_count, attitudes_count, crawled_at)
	ON CONFLICT (task_id, id) DO NOTHING;
`

const queryPostsByTimeQuery = `
	SELECT task_id, id, text, created_at, author_uid, author_screen_name,
		reposts_count, comments_count, attitudes_count, crawled_at
	FROM weibo_posts
	WHERE task_id = $1 AND created_at >= $2 AND created_at <= $3
	ORDER BY created_at, id;
`

const countPostsQuery = `SELECT COUNT(*) FROM weibo_posts WHERE task_id = $1;`

// AppendPosts stores posts for a task and returns how many were new.
func (s *Store) AppendPosts(ctx context.Context, taskID string, posts []entity.WeiboPost) (int, error) {
	return insertPosts(ctx, s.db, taskID, posts)
}

func insertPosts(ctx context.Context, db querier, taskID string, posts []entity.WeiboPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	cols := postColumns(posts)
	tag, err := db.Exec(ctx, insertPostsQuery,
		taskID,
		cols.ids,
		cols.texts,
		cols.createdAt,
		cols.authorUIDs,
		cols.authorNames,
		cols.reposts,
		cols.comments,
		cols.attitudes,
		cols.crawledAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert posts of task %s: %w", taskID, err)
	}
	return int(tag.RowsAffected()), nil
}

type postArrays struct {
	ids, texts, authorUIDs, authorNames []string
	createdAt, crawledAt                []time.Time
	reposts, comments, attitudes        []int64
}

func postColumns(posts []entity.WeiboPost) postArrays {
	n := len(posts)
	a := postArrays{
		ids:         make([]string, n),
		texts:       make([]string, n),
		authorUIDs:  make([]string, n),
		authorNames: make([]string, n),
		createdAt:   make([]time.Time, n),
		crawledAt:   make([]time.Time, n),
		reposts:     make([]int64, n),
		comments:    make([]int64, n),
		attitudes:   make([]int64, n),
	}
	for i, p := range posts {
		a.ids[i] = p.ID
		a.texts[i] = p.Text
		a.authorUIDs[i] = p.AuthorUID
		a.authorNames[i] = p.AuthorScreenName
		a.createdAt[i] = p.CreatedAt.UTC()
		a.crawledAt[i] = p.CrawledAt.UTC()
		a.reposts[i] = p.RepostsCount
		a.comments[i] = p.CommentsCount
		a.attitudes[i] = p.AttitudesCount
	}
	return a
}

// QueryPostsByTime returns the task's posts created within [start, end],
// ordered by creation time then id.
func (s *Store) QueryPostsByTime(ctx context.Context, taskID string, start, end time.Time) ([]entity.WeiboPost, error) {
	rows, err := s.db.Query(ctx, queryPostsByTimeQuery, taskID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []entity.WeiboPost
	for rows.Next() {
		var p entity.WeiboPost
		if err := rows.Scan(
			&p.TaskID,
			&p.ID,
			&p.Text,
			&p.CreatedAt,
			&p.AuthorUID,
			&p.AuthorScreenName,
			&p.RepostsCount,
			&p.CommentsCount,
			&p.AttitudesCount,
			&p.CrawledAt,
		); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.CrawledAt = p.CrawledAt.UTC()
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountPosts returns the number of stored posts for a task.
func (s *Store) CountPosts(ctx context.Context, taskID string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, countPostsQuery, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}
