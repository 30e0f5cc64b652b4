package entity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourRange(base time.Time, from, to int) TimeRange {
	return TimeRange{Start: base.Add(time.Duration(from) * time.Hour), End: base.Add(time.Duration(to) * time.Hour)}
}

func TestCheckpoint_PlanAndAdvance(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	window := hourRange(base, 0, 6)
	cp := NewCheckpoint("t1", Backward, window, base)

	assert.False(t, cp.Planned)
	assert.True(t, cp.Shard.Equal(window))

	shards := []TimeRange{hourRange(base, 4, 6), hourRange(base, 2, 4), hourRange(base, 0, 2)}
	require.NoError(t, cp.Plan(shards))
	assert.True(t, cp.Planned)
	assert.Equal(t, 1, cp.NextPage())

	cp.CurrentPage = 7
	require.True(t, cp.CompleteShard())
	assert.Equal(t, 0, cp.CurrentPage)
	assert.True(t, cp.Shard.Equal(shards[1]))

	require.True(t, cp.CompleteShard())
	require.False(t, cp.CompleteShard())

	if diff := cmp.Diff(shards, cp.CompletedShards); diff != "" {
		t.Errorf("completed shards mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, cp.PendingShards)
}

func TestCheckpoint_PlanRejectsEmpty(t *testing.T) {
	cp := NewCheckpoint("t1", Forward, TimeRange{}, time.Now())
	assert.Error(t, cp.Plan(nil))
	assert.False(t, cp.Planned)
}

func TestCheckpoint_Validate(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cp := NewCheckpoint("t1", Forward, hourRange(base, 0, 2), base)
	require.NoError(t, cp.Validate())

	cp.Shard = TimeRange{Start: base.Add(time.Hour), End: base}
	assert.Error(t, cp.Validate())

	cp.Shard = hourRange(base, 0, 1)
	cp.Direction = "sideways"
	assert.Error(t, cp.Validate())
}

func TestDirection_Phase(t *testing.T) {
	assert.Equal(t, StatusHistoryCrawling, Backward.Phase())
	assert.Equal(t, StatusIncrementalCrawling, Forward.Phase())
	assert.Equal(t, PhaseHistory, PhaseOf(Backward))
	assert.Equal(t, PhaseIncremental, PhaseOf(Forward))
}

func TestTimeRange_Alignment(t *testing.T) {
	r := TimeRange{
		Start: time.Date(2026, 1, 1, 10, 25, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 1, 13, 5, 0, 0, time.UTC),
	}
	assert.False(t, r.IsHourAligned())

	aligned := r.AlignToHours()
	assert.True(t, aligned.IsHourAligned())
	assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), aligned.Start)
	assert.Equal(t, time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC), aligned.End)
	assert.True(t, aligned.Contains(r.Start))
	assert.True(t, aligned.Contains(r.End))

	exact := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, exact, CeilHour(exact))

	_, err := NewTimeRange(r.End, r.Start)
	assert.Error(t, err)
}
