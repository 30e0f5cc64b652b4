package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_AllPairs(t *testing.T) {
	legalPairs := [][2]TaskStatus{
		{StatusCreated, StatusHistoryCrawling},
		{StatusHistoryCrawling, StatusHistoryCompleted},
		{StatusHistoryCrawling, StatusPaused},
		{StatusHistoryCrawling, StatusFailed},
		{StatusHistoryCompleted, StatusIncrementalCrawling},
		{StatusIncrementalCrawling, StatusPaused},
		{StatusIncrementalCrawling, StatusFailed},
		{StatusIncrementalCrawling, StatusHistoryCompleted},
		{StatusPaused, StatusHistoryCrawling},
		{StatusPaused, StatusIncrementalCrawling},
		{StatusFailed, StatusHistoryCrawling},
		{StatusFailed, StatusIncrementalCrawling},
	}

	legal := make(map[[2]TaskStatus]bool, len(legalPairs))
	for _, p := range legalPairs {
		legal[p] = true
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				task := &CrawlTask{ID: "t1", Keyword: "golang", Status: from}
				err := task.TransitionTo(to, now)

				if legal[[2]TaskStatus{from, to}] {
					require.NoError(t, err)
					assert.Equal(t, to, task.Status)
					assert.Equal(t, now, task.UpdatedAt)
					return
				}

				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				var te *TransitionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, from, te.From)
				assert.Equal(t, to, te.To)
				assert.Equal(t, from, task.Status, "rejected transition must leave status unchanged")
				assert.True(t, task.UpdatedAt.IsZero())
			})
		}
	}
}

func TestCrawlTask_FailAndPauseReasons(t *testing.T) {
	now := time.Now().UTC()

	task := &CrawlTask{ID: "t1", Keyword: "golang", Status: StatusHistoryCrawling}
	require.NoError(t, task.Fail("fetch page 3: timeout", now))
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "fetch page 3: timeout", task.FailureReason)
	require.NoError(t, task.Validate())

	require.NoError(t, task.TransitionTo(StatusHistoryCrawling, now))
	assert.Empty(t, task.FailureReason, "restart clears the reason")

	require.NoError(t, task.Pause("challenge detected", now))
	assert.Equal(t, StatusPaused, task.Status)
	assert.Contains(t, task.FailureReason, "challenge")

	err := task.Fail("boom", now)
	require.Error(t, err, "paused tasks cannot fail directly")
	assert.Equal(t, StatusPaused, task.Status)
}

func TestCrawlTask_RecordPostsIsIdempotentOnExtent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	posts := []WeiboPost{
		{ID: "1", CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "2", CreatedAt: now.Add(-1 * time.Hour)},
		{ID: "3", CreatedAt: now.Add(-5 * time.Hour)},
	}

	task := &CrawlTask{ID: "t1", Keyword: "golang", Status: StatusHistoryCrawling}
	task.RecordPosts(3, posts, now)
	task.RecordPosts(0, posts, now)

	assert.Equal(t, int64(3), task.CrawledCount)
	require.NotNil(t, task.MinPostTime)
	require.NotNil(t, task.MaxPostTime)
	assert.Equal(t, now.Add(-5*time.Hour), *task.MinPostTime)
	assert.Equal(t, now.Add(-1*time.Hour), *task.MaxPostTime)
	require.NoError(t, task.Validate())
}

func TestCrawlTask_Validate(t *testing.T) {
	now := time.Now().UTC()
	later := now.Add(time.Hour)

	tests := []struct {
		name    string
		task    CrawlTask
		wantErr bool
	}{
		{name: "valid", task: CrawlTask{ID: "a", Keyword: "k", Status: StatusCreated}},
		{name: "missing keyword", task: CrawlTask{ID: "a", Status: StatusCreated}, wantErr: true},
		{name: "unknown status", task: CrawlTask{ID: "a", Keyword: "k", Status: "bogus"}, wantErr: true},
		{name: "failed without reason", task: CrawlTask{ID: "a", Keyword: "k", Status: StatusFailed}, wantErr: true},
		{
			name:    "reversed extent",
			task:    CrawlTask{ID: "a", Keyword: "k", Status: StatusPaused, MinPostTime: &later, MaxPostTime: &now},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
