package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/weibo-harvester/internal/adapter/sqlite"
	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

type fakeRuns map[string]bool

func (f fakeRuns) Running(id string) bool { return f[id] }

func newTaskManager(t *testing.T, runs fakeRuns) (*taskManagerUseCase, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tm := NewTaskManager(store, runs, zaptest.NewLogger(t)).(*taskManagerUseCase)
	tm.now = func() time.Time { return testNow }
	return tm, store
}

func TestCreateTask(t *testing.T) {
	tm, store := newTaskManager(t, nil)
	ctx := context.Background()
	start := testNow.Add(-48 * time.Hour)

	task, err := tm.CreateTask(ctx, "  golang  ", start)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "golang", task.Keyword)
	assert.Equal(t, entity.StatusCreated, task.Status)
	assert.Zero(t, task.CrawledCount)
	assert.Nil(t, task.MinPostTime)

	stored, err := store.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, stored.EventStartTime.Equal(start))
	assert.Equal(t, task.Keyword, stored.Keyword)

	other, err := tm.CreateTask(ctx, "golang", start)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, other.ID, "each task gets its own id")
}

func TestCreateTask_Validation(t *testing.T) {
	tests := []struct {
		name    string
		keyword string
		start   time.Time
		field   string
	}{
		{name: "empty keyword", keyword: "   ", start: testNow.Add(-time.Hour), field: "keyword"},
		{name: "missing start", keyword: "golang", field: "event_start_time"},
		{name: "future start", keyword: "golang", start: testNow.Add(time.Hour), field: "event_start_time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm, store := newTaskManager(t, nil)
			_, err := tm.CreateTask(context.Background(), tt.keyword, tt.start)
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			tasks, err := store.ListTasks(context.Background())
			require.NoError(t, err)
			assert.Empty(t, tasks, "nothing is stored for rejected input")
		})
	}
}

func TestGetTask_NotFound(t *testing.T) {
	tm, _ := newTaskManager(t, nil)
	_, err := tm.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetProgress(t *testing.T) {
	ctx := context.Background()
	runs := fakeRuns{}
	tm, store := newTaskManager(t, runs)

	task, err := tm.CreateTask(ctx, "golang", testNow.Add(-24*time.Hour))
	require.NoError(t, err)

	p, err := tm.GetProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, p.Task.ID)
	assert.Nil(t, p.Checkpoint)
	assert.False(t, p.Running)

	window := entity.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}.AlignToHours()
	cp := entity.NewCheckpoint(task.ID, entity.Backward, window, testNow)
	cp.CurrentPage = 4
	require.NoError(t, store.SaveCheckpoint(ctx, cp))
	runs[task.ID] = true

	p, err = tm.GetProgress(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Checkpoint)
	assert.Equal(t, 4, p.Checkpoint.CurrentPage)
	assert.True(t, p.Running)

	_, err = tm.GetProgress(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExportPosts(t *testing.T) {
	ctx := context.Background()
	tm, store := newTaskManager(t, nil)

	task, err := tm.CreateTask(ctx, "golang", testNow.Add(-24*time.Hour))
	require.NoError(t, err)

	var posts []entity.WeiboPost
	for i := 0; i < 5; i++ {
		posts = append(posts, entity.WeiboPost{
			ID:        string(rune('a' + i)),
			TaskID:    task.ID,
			Text:      "post",
			CreatedAt: testNow.Add(-time.Duration(i+1) * time.Hour),
			CrawledAt: testNow,
		})
	}
	_, err = store.AppendPosts(ctx, task.ID, posts)
	require.NoError(t, err)

	all, err := tm.ExportPosts(ctx, task.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "e", all[0].ID, "oldest first")

	some, err := tm.ExportPosts(ctx, task.ID, testNow.Add(-3*time.Hour), testNow.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "c", some[0].ID)
	assert.Equal(t, "b", some[1].ID)

	_, err = tm.ExportPosts(ctx, task.ID, testNow, testNow.Add(-time.Hour))
	assert.True(t, IsValidation(err))

	_, err = tm.ExportPosts(ctx, "missing", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
