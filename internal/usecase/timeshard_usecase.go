package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/pkg/metrics"
)

// minShardWidth is the finest resolution of the search endpoint's time
// filter.
const minShardWidth = time.Hour

// ProbeFunc estimates how many results a range holds.
type ProbeFunc func(ctx context.Context, r entity.TimeRange) (int, error)

// Shard is one planned sub-range of a crawl window.
type Shard struct {
	Range    entity.TimeRange
	Estimate int
	// Overflow is set when the shard is already at minimum width and still
	// exceeds the limit; results past the last page will be lost.
	Overflow bool
}

// TimeShardService splits a window into ranges small enough to be fully
// paged through.
type TimeShardService struct {
	limit   int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewTimeShardService creates a splitter. limit is the number of results
// reachable through pagination (max pages * page size).
func NewTimeShardService(limit int, logger *zap.Logger, m *metrics.Metrics) *TimeShardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &TimeShardService{limit: limit, logger: logger, metrics: m}
}

// Limit returns the pagination ceiling used for splitting.
func (s *TimeShardService) Limit() int {
	return s.limit
}

// Split returns shards covering r exactly, ordered oldest to newest.
// Adjacent shards share their boundary instant and every internal cut is
// hour-aligned.
func (s *TimeShardService) Split(ctx context.Context, r entity.TimeRange, probe ProbeFunc) ([]Shard, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var shards []Shard
	if err := s.split(ctx, r, probe, &shards); err != nil {
		return nil, err
	}
	s.metrics.ShardsPlanned.Add(float64(len(shards)))
	return shards, nil
}

func (s *TimeShardService) split(ctx context.Context, r entity.TimeRange, probe ProbeFunc, out *[]Shard) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := probe(ctx, r)
	if err != nil {
		return fmt.Errorf("probe %s: %w", r, err)
	}
	if n <= s.limit {
		*out = append(*out, Shard{Range: r, Estimate: n})
		return nil
	}

	cut, ok := cutPoint(r)
	if !ok {
		s.logger.Warn("shard exceeds pagination limit at minimum width, results will be truncated",
			zap.Stringer("range", r),
			zap.Int("estimate", n),
			zap.Int("limit", s.limit),
		)
		s.metrics.ShardOverflow.Inc()
		*out = append(*out, Shard{Range: r, Estimate: n, Overflow: true})
		return nil
	}

	if err := s.split(ctx, entity.TimeRange{Start: r.Start, End: cut}, probe, out); err != nil {
		return err
	}
	return s.split(ctx, entity.TimeRange{Start: cut, End: r.End}, probe, out)
}

// cutPoint picks an hour boundary strictly inside r, as close to the
// midpoint as possible. It reports false when r cannot be split.
func cutPoint(r entity.TimeRange) (time.Time, bool) {
	if r.Duration() <= minShardWidth {
		return time.Time{}, false
	}
	cut := entity.FloorHour(r.Start.Add(r.Duration() / 2))
	if !cut.After(r.Start) {
		cut = cut.Add(time.Hour)
	}
	if !cut.Before(r.End) {
		return time.Time{}, false
	}
	return cut, true
}

// Ranges strips the estimates, keeping order.
func Ranges(shards []Shard) []entity.TimeRange {
	out := make([]entity.TimeRange, len(shards))
	for i, s := range shards {
		out[i] = s.Range
	}
	return out
}
