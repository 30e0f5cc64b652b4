package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/weibo-harvester/internal/delivery/http/request"
	"github.com/user/weibo-harvester/internal/delivery/http/response"
	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
	"github.com/user/weibo-harvester/internal/usecase"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	tasks  usecase.TaskManager
	crawls usecase.Crawler
	checks map[string]HealthCheck
	logger *zap.Logger
	out    response.Writer
}

func NewHandler(tasks usecase.TaskManager, crawls usecase.Crawler, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		tasks:  tasks,
		crawls: crawls,
		checks: checks,
		logger: logger,
		out:    response.NewWriter(logger),
	}
}

func (h *Handler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req request.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.out.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	task, err := h.tasks.CreateTask(r.Context(), req.Keyword, req.EventStartTime)
	if err != nil {
		h.writeUsecaseError(w, r, err)
		return
	}
	h.out.JSON(w, http.StatusCreated, task)
}

func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.ListTasks(r.Context())
	if err != nil {
		h.writeUsecaseError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []entity.CrawlTask{}
	}
	h.out.JSON(w, http.StatusOK, response.TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUsecaseError(w, r, err)
		return
	}
	h.out.JSON(w, http.StatusOK, task)
}

func (h *Handler) HandleGetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.tasks.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUsecaseError(w, r, err)
		return
	}
	h.out.JSON(w, http.StatusOK, progress)
}

// lifecycle adapts one crawl operation to a handler answering 202 with the
// task's new state.
func (h *Handler) lifecycle(op func(ctx context.Context, id string) (*entity.CrawlTask, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.writeUsecaseError(w, r, err)
			return
		}
		h.out.JSON(w, http.StatusAccepted, task)
	}
}

func (h *Handler) HandleStartHistory(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.crawls.StartHistory)(w, r)
}

func (h *Handler) HandleStartIncremental(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.crawls.StartIncremental)(w, r)
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.crawls.Pause)(w, r)
}

func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.crawls.Resume)(w, r)
}

func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.crawls.Retry)(w, r)
}

func (h *Handler) HandleExportPosts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := request.ParseExportQuery(r.URL.Query())
	if err != nil {
		h.out.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	posts, err := h.tasks.ExportPosts(r.Context(), id, q.Start, q.End)
	if err != nil {
		h.writeUsecaseError(w, r, err)
		return
	}

	if q.Format == request.FormatCSV {
		h.out.PostsCSV(w, "posts-"+id+".csv", posts)
		return
	}
	if posts == nil {
		posts = []entity.WeiboPost{}
	}
	h.out.JSON(w, http.StatusOK, response.PostListResponse{TaskID: id, Posts: posts, Count: len(posts)})
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := response.HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			resp.Checks[name] = "unhealthy"
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "healthy"
	}

	if resp.Status != "ok" {
		h.out.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	h.out.JSON(w, http.StatusOK, resp)
}

// writeUsecaseError maps use case errors onto HTTP status codes.
func (h *Handler) writeUsecaseError(w http.ResponseWriter, r *http.Request, err error) {
	var transition *entity.TransitionError
	switch {
	case usecase.IsValidation(err):
		h.out.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		h.out.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, usecase.ErrCrawlConflict), errors.As(err, &transition):
		h.out.Error(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.out.Error(w, http.StatusInternalServerError, "Internal server error")
	}
}
