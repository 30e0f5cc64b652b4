package response

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/user/weibo-harvester/internal/entity"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TaskListResponse wraps GET /api/tasks.
type TaskListResponse struct {
	Tasks []entity.CrawlTask `json:"tasks"`
	Count int                `json:"count"`
}

// PostListResponse wraps a JSON post export.
type PostListResponse struct {
	TaskID string             `json:"task_id"`
	Posts  []entity.WeiboPost `json:"posts"`
	Count  int                `json:"count"`
}

// HealthResponse reports the state of each dependency.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Writer encodes responses and logs encoding failures.
type Writer struct {
	logger *zap.Logger
}

// NewWriter creates a Writer.
func NewWriter(logger *zap.Logger) Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Writer{logger: logger}
}

// JSON writes data with the given status.
func (wr Writer) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		wr.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

// Error writes an ErrorResponse.
func (wr Writer) Error(w http.ResponseWriter, status int, message string) {
	wr.JSON(w, status, ErrorResponse{Error: message})
}

var csvHeader = []string{
	"id", "created_at", "author_uid", "author_screen_name", "text",
	"reposts_count", "comments_count", "attitudes_count", "crawled_at",
}

// PostsCSV streams posts as a CSV attachment.
func (wr Writer) PostsCSV(w http.ResponseWriter, filename string, posts []entity.WeiboPost) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for _, p := range posts {
		_ = cw.Write([]string{
			p.ID,
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.AuthorUID,
			p.AuthorScreenName,
			p.Text,
			strconv.FormatInt(p.RepostsCount, 10),
			strconv.FormatInt(p.CommentsCount, 10),
			strconv.FormatInt(p.AttitudesCount, 10),
			p.CrawledAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		wr.logger.Error("failed to write CSV response", zap.Error(err))
	}
}
