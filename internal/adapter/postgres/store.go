package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations.

	"github.com/user/weibo-harvester/internal/repository"
	"github.com/user/weibo-harvester/migrations"
)

// PgxIface is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it in tests.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements repository.Store on PostgreSQL.
type Store struct {
	db PgxIface
}

var _ repository.Store = (*Store)(nil)

// New connects to dsn, applies pending migrations and returns the store.
func New(ctx context.Context, dsn string) (*Store, error) {
	if err := migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing connection pool.
func NewWithPool(db PgxIface) *Store {
	return &Store{db: db}
}

func migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()
	return migrations.Run(ctx, db, migrations.Postgres)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CommitPage stores a fetched page and the resulting task and checkpoint
// state in one transaction.
func (s *Store) CommitPage(ctx context.Context, c repository.PageCommit) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted, err := insertPosts(ctx, tx, c.Task.ID, c.Posts)
	if err != nil {
		return 0, err
	}

	updated := *c.Task
	updated.RecordPosts(inserted, c.Posts, c.Checkpoint.SavedAt)
	if err := saveTask(ctx, tx, &updated); err != nil {
		return 0, err
	}
	if err := saveCheckpoint(ctx, tx, c.Checkpoint); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit page: %w", err)
	}

	*c.Task = updated
	return inserted, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, repository.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}
