package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/weibo-harvester/internal/entity"
)

// SaveCheckpoint creates or overwrites the task's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *entity.CrawlCheckpoint) error {
	return saveCheckpoint(ctx, s.db, cp)
}

func saveCheckpoint(ctx context.Context, db execer, cp *entity.CrawlCheckpoint) error {
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

	_, err = db.ExecContext(ctx,
		`INSERT INTO crawl_checkpoints (task_id, direction, window_start, window_end, planned,
		   shard_start, shard_end, current_page, pending_shards, completed_shards, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET
		   direction = excluded.direction,
		   window_start = excluded.window_start,
		   window_end = excluded.window_end,
		   planned = excluded.planned,
		   shard_start = excluded.shard_start,
		   shard_end = excluded.shard_end,
		   current_page = excluded.current_page,
		   pending_shards = excluded.pending_shards,
		   completed_shards = excluded.completed_shards,
		   saved_at = excluded.saved_at`,
		cp.TaskID, string(cp.Direction), formatTime(cp.Window.Start), formatTime(cp.Window.End),
		boolToInt(cp.Planned), formatTime(cp.Shard.Start), formatTime(cp.Shard.End),
		cp.CurrentPage, pending, completed, formatTime(cp.SavedAt),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.TaskID, err)
	}
	return nil
}

// LoadCheckpoint returns the task's checkpoint or repository.ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, taskID string) (*entity.CrawlCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, direction, window_start, window_end, planned, shard_start, shard_end,
		   current_page, pending_shards, completed_shards, saved_at
		 FROM crawl_checkpoints WHERE task_id = ?`, taskID)

	var cp entity.CrawlCheckpoint
	var direction, ws, we, ss, se, pending, completed, saved string
	var planned int
	err := row.Scan(&cp.TaskID, &direction, &ws, &we, &planned, &ss, &se,
		&cp.CurrentPage, &pending, &completed, &saved)
	if err != nil {
		return nil, notFound(err, "checkpoint", taskID)
	}

	cp.Direction = entity.Direction(direction)
	cp.Planned = planned == 1
	for _, f := range []struct {
		dst *entity.TimeRange
		a   string
		b   string
	}{
		{&cp.Window, ws, we},
		{&cp.Shard, ss, se},
	} {
		if f.dst.Start, err = parseTime(f.a); err != nil {
			return nil, err
		}
		if f.dst.End, err = parseTime(f.b); err != nil {
			return nil, err
		}
	}
	if cp.SavedAt, err = parseTime(saved); err != nil {
		return nil, err
	}
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM crawl_checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", taskID, err)
	}
	return nil
}

func marshalRanges(rs []entity.TimeRange) (string, error) {
	if rs == nil {
		rs = []entity.TimeRange{}
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("encode shard list: %w", err)
	}
	return string(b), nil
}

func unmarshalRanges(s string) ([]entity.TimeRange, error) {
	var rs []entity.TimeRange
	if err := json.Unmarshal([]byte(s), &rs); err != nil {
		return nil, fmt.Errorf("decode shard list: %w", err)
	}
	if len(rs) == 0 {
		return nil, nil
	}
	return rs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
