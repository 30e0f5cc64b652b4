package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/weibo-harvester/internal/delivery/http/response"
	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
	"github.com/user/weibo-harvester/internal/usecase"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type stubTasks struct {
	createErr error
	tasks     map[string]*entity.CrawlTask
	posts     []entity.WeiboPost
	gotStart  time.Time
	gotEnd    time.Time
}

func (s *stubTasks) CreateTask(_ context.Context, keyword string, eventStart time.Time) (*entity.CrawlTask, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &entity.CrawlTask{ID: "t-new", Keyword: keyword, EventStartTime: eventStart, Status: entity.StatusCreated}, nil
}

func (s *stubTasks) GetTask(_ context.Context, id string) (*entity.CrawlTask, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (s *stubTasks) ListTasks(context.Context) ([]entity.CrawlTask, error) {
	out := make([]entity.CrawlTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (s *stubTasks) GetProgress(ctx context.Context, id string) (*entity.Progress, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &entity.Progress{Task: t, Running: true}, nil
}

func (s *stubTasks) ExportPosts(ctx context.Context, id string, start, end time.Time) ([]entity.WeiboPost, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	s.gotStart, s.gotEnd = start, end
	return s.posts, nil
}

type stubCrawls struct {
	err error
	ops []string
}

func (s *stubCrawls) do(op, id string) (*entity.CrawlTask, error) {
	s.ops = append(s.ops, op+":"+id)
	if s.err != nil {
		return nil, s.err
	}
	return &entity.CrawlTask{ID: id, Keyword: "k", Status: entity.StatusHistoryCrawling}, nil
}

func (s *stubCrawls) StartHistory(_ context.Context, id string) (*entity.CrawlTask, error) {
	return s.do("history", id)
}

func (s *stubCrawls) StartIncremental(_ context.Context, id string) (*entity.CrawlTask, error) {
	return s.do("incremental", id)
}

func (s *stubCrawls) Resume(_ context.Context, id string) (*entity.CrawlTask, error) {
	return s.do("resume", id)
}

func (s *stubCrawls) Pause(_ context.Context, id string) (*entity.CrawlTask, error) {
	return s.do("pause", id)
}

func (s *stubCrawls) Retry(_ context.Context, id string) (*entity.CrawlTask, error) {
	return s.do("retry", id)
}

func (s *stubCrawls) RecoverInterrupted(context.Context) ([]string, error) { return nil, nil }

func (s *stubCrawls) Shutdown(context.Context) error { return nil }

func (s *stubCrawls) Running(string) bool { return false }

func newTestHandler(t *testing.T, tasks *stubTasks, crawls *stubCrawls, checks map[string]HealthCheck) *Handler {
	t.Helper()
	return NewHandler(tasks, crawls, checks, zaptest.NewLogger(t))
}

// withID routes the request through chi so URLParam resolves.
func withID(method, pattern string, h http.HandlerFunc, target string, body []byte) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleCreateTask(t *testing.T) {
	h := newTestHandler(t, &stubTasks{}, &stubCrawls{}, nil)

	body := []byte(`{"keyword":"地震","event_start_time":"2026-03-01T08:00:00Z"}`)
	rec := httptest.NewRecorder()
	h.HandleCreateTask(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got entity.CrawlTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "地震", got.Keyword)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), got.EventStartTime.UTC())
}

func TestHandleCreateTask_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{name: "malformed body", body: `{"keyword":`, wantCode: http.StatusBadRequest},
		{name: "validation", body: `{"keyword":""}`, err: &usecase.ValidationError{Field: "keyword", Reason: "must not be empty"}, wantCode: http.StatusBadRequest},
		{name: "store failure", body: `{"keyword":"k"}`, err: errors.New("disk full"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubTasks{createErr: tt.err}, &stubCrawls{}, nil)
			rec := httptest.NewRecorder()
			h.HandleCreateTask(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp response.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			if tt.wantCode == http.StatusInternalServerError {
				assert.NotContains(t, resp.Error, "disk full")
			}
		})
	}
}

func TestHandleGetTask(t *testing.T) {
	tasks := &stubTasks{tasks: map[string]*entity.CrawlTask{
		"t1": {ID: "t1", Keyword: "k", Status: entity.StatusPaused},
	}}
	h := newTestHandler(t, tasks, &stubCrawls{}, nil)

	rec := withID(http.MethodGet, "/api/tasks/{id}", h.HandleGetTask, "/api/tasks/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"paused"`)

	rec = withID(http.MethodGet, "/api/tasks/{id}", h.HandleGetTask, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListTasks_Empty(t *testing.T) {
	h := newTestHandler(t, &stubTasks{}, &stubCrawls{}, nil)
	rec := httptest.NewRecorder()
	h.HandleListTasks(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tasks":[],"count":0}`, rec.Body.String())
}

func TestHandleGetProgress(t *testing.T) {
	tasks := &stubTasks{tasks: map[string]*entity.CrawlTask{"t1": {ID: "t1", Keyword: "k", Status: entity.StatusHistoryCrawling}}}
	h := newTestHandler(t, tasks, &stubCrawls{}, nil)

	rec := withID(http.MethodGet, "/api/tasks/{id}/progress", h.HandleGetProgress, "/api/tasks/t1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got entity.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Equal(t, "t1", got.Task.ID)
}

func TestLifecycleHandlers(t *testing.T) {
	crawls := &stubCrawls{}
	h := newTestHandler(t, &stubTasks{}, crawls, nil)

	handlers := map[string]http.HandlerFunc{
		"history":     h.HandleStartHistory,
		"incremental": h.HandleStartIncremental,
		"pause":       h.HandlePause,
		"resume":      h.HandleResume,
		"retry":       h.HandleRetry,
	}
	for op, fn := range handlers {
		rec := withID(http.MethodPost, "/api/tasks/{id}/"+op, fn, "/api/tasks/t9/"+op, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code, op)
		assert.Contains(t, crawls.ops, op+":t9")
	}
}

func TestLifecycleHandlers_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "unknown task", err: repository.ErrNotFound, wantCode: http.StatusNotFound},
		{name: "lease held", err: usecase.ErrCrawlConflict, wantCode: http.StatusConflict},
		{name: "bad transition", err: &entity.TransitionError{From: entity.StatusCreated, To: entity.StatusPaused}, wantCode: http.StatusConflict},
		{name: "stale credentials", err: &usecase.ValidationError{Field: "credentials", Reason: "too old"}, wantCode: http.StatusBadRequest},
		{name: "unexpected", err: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubTasks{}, &stubCrawls{err: tt.err}, nil)
			rec := withID(http.MethodPost, "/api/tasks/{id}/pause", h.HandlePause, "/api/tasks/t1/pause", nil)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestHandleExportPosts(t *testing.T) {
	posts := []entity.WeiboPost{
		{ID: "p1", TaskID: "t1", Text: "hello, world", AuthorUID: "42", AuthorScreenName: "alice", CreatedAt: fixedNow, CrawledAt: fixedNow, RepostsCount: 3},
	}
	tasks := &stubTasks{
		tasks: map[string]*entity.CrawlTask{"t1": {ID: "t1", Keyword: "k"}},
		posts: posts,
	}
	h := newTestHandler(t, tasks, &stubCrawls{}, nil)
	const pattern = "/api/tasks/{id}/posts"

	t.Run("json with bounds", func(t *testing.T) {
		rec := withID(http.MethodGet, pattern, h.HandleExportPosts, "/api/tasks/t1/posts?start=2026-03-01&end=2026-03-10T12:00:00Z", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got response.PostListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 1, got.Count)
		assert.Equal(t, "p1", got.Posts[0].ID)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), tasks.gotStart)
		assert.Equal(t, fixedNow, tasks.gotEnd)
	})

	t.Run("csv", func(t *testing.T) {
		rec := withID(http.MethodGet, pattern, h.HandleExportPosts, "/api/tasks/t1/posts?format=csv", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "posts-t1.csv")

		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "id", records[0][0])
		assert.Equal(t, []string{"p1", "2026-03-10T12:00:00Z", "42", "alice", "hello, world", "3", "0", "0", "2026-03-10T12:00:00Z"}, records[1])
	})

	t.Run("bad format", func(t *testing.T) {
		rec := withID(http.MethodGet, pattern, h.HandleExportPosts, "/api/tasks/t1/posts?format=xml", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad bound", func(t *testing.T) {
		rec := withID(http.MethodGet, pattern, h.HandleExportPosts, "/api/tasks/t1/posts?start=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := withID(http.MethodGet, pattern, h.HandleExportPosts, "/api/tasks/nope/posts", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealthCheck(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errors.New("connection refused") }

	h := newTestHandler(t, &stubTasks{}, &stubCrawls{}, map[string]HealthCheck{"store": healthy})
	rec := httptest.NewRecorder()
	h.HandleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"store":"healthy"}}`, rec.Body.String())

	h = newTestHandler(t, &stubTasks{}, &stubCrawls{}, map[string]HealthCheck{"store": healthy, "redis": broken})
	rec = httptest.NewRecorder()
	h.HandleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"store":"healthy","redis":"unhealthy"}}`, rec.Body.String())
}
