package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/weibo-harvester/internal/entity"
)

const upsertCheckpointQuery = `
	INSERT INTO crawl_checkpoints (task_id, direction, window_start, window_end, planned,
		shard_start, shard_end, current_page, pending_shards, completed_shards, saved_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (task_id) DO UPDATE SET
		direction = EXCLUDED.direction,
		window_start = EXCLUDED.window_start,
		window_end = EXCLUDED.window_end,
		planned = EXCLUDED.planned,
		shard_start = EXCLUDED.shard_start,
		shard_end = EXCLUDED.shard_end,
		current_page = EXCLUDED.current_page,
		pending_shards = EXCLUDED.pending_shards,
		completed_shards = EXCLUDED.completed_shards,
		saved_at = EXCLUDED.saved_at;
`

const loadCheckpointQuery = `
	SELECT task_id, direction, window_start, window_end, planned, shard_start, shard_end,
		current_page, pending_shards, completed_shards, saved_at
	FROM crawl_checkpoints
	WHERE task_id = $1;
`

const deleteCheckpointQuery = `DELETE FROM crawl_checkpoints WHERE task_id = $1;`

// SaveCheckpoint creates or overwrites the task's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *entity.CrawlCheckpoint) error {
	return saveCheckpoint(ctx, s.db, cp)
}

func saveCheckpoint(ctx context.Context, db querier, cp *entity.CrawlCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	pending, err := marshalRanges(cp.PendingShards)
	if err != nil {
		return err
	}
	completed, err := marshalRanges(cp.CompletedShards)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, upsertCheckpointQuery,
		cp.TaskID,
		string(cp.Direction),
		cp.Window.Start.UTC(),
		cp.Window.End.UTC(),
		cp.Planned,
		cp.Shard.Start.UTC(),
		cp.Shard.End.UTC(),
		cp.CurrentPage,
		pending,
		completed,
		cp.SavedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.TaskID, err)
	}
	return nil
}

// LoadCheckpoint returns the task's checkpoint or repository.ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, taskID string) (*entity.CrawlCheckpoint, error) {
	var cp entity.CrawlCheckpoint
	var direction string
	var pending, completed []byte
	err := s.db.QueryRow(ctx, loadCheckpointQuery, taskID).Scan(
		&cp.TaskID,
		&direction,
		&cp.Window.Start,
		&cp.Window.End,
		&cp.Planned,
		&cp.Shard.Start,
		&cp.Shard.End,
		&cp.CurrentPage,
		&pending,
		&completed,
		&cp.SavedAt,
	)
	if err != nil {
		return nil, notFound(err, "checkpoint", taskID)
	}

	cp.Direction = entity.Direction(direction)
	cp.Window = entity.TimeRange{Start: cp.Window.Start.UTC(), End: cp.Window.End.UTC()}
	cp.Shard = entity.TimeRange{Start: cp.Shard.Start.UTC(), End: cp.Shard.End.UTC()}
	cp.SavedAt = cp.SavedAt.UTC()
	if cp.PendingShards, err = unmarshalRanges(pending); err != nil {
		return nil, err
	}
	if cp.CompletedShards, err = unmarshalRanges(completed); err != nil {
		return nil, err
	}
	return &cp, nil
}

// DeleteCheckpoint removes the task's checkpoint. Deleting a missing
// checkpoint is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, taskID string) error {
	if _, err := s.db.Exec(ctx, deleteCheckpointQuery, taskID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", taskID, err)
	}
	return nil
}

func marshalRanges(rs []entity.TimeRange) ([]byte, error) {
	if rs == nil {
		rs = []entity.TimeRange{}
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode shard list: %w", err)
	}
	return b, nil
}

func unmarshalRanges(b []byte) ([]entity.TimeRange, error) {
	var rs []entity.TimeRange
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("decode shard list: %w", err)
	}
	if len(rs) == 0 {
		return nil, nil
	}
	return rs, nil
}
