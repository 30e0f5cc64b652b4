package request

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Keyword        string    `json:"keyword"`
	EventStartTime time.Time `json:"event_start_time"`
}

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportQuery holds the query of GET /api/tasks/{id}/posts.
type ExportQuery struct {
	Start  time.Time
	End    time.Time
	Format string
}

// ParseExportQuery reads start, end and format. Bounds accept RFC 3339 or a
// bare date; both are optional.
func ParseExportQuery(q url.Values) (ExportQuery, error) {
	eq := ExportQuery{Format: strings.ToLower(q.Get("format"))}
	if eq.Format == "" {
		eq.Format = FormatJSON
	}
	if eq.Format != FormatJSON && eq.Format != FormatCSV {
		return eq, fmt.Errorf("format must be %q or %q", FormatJSON, FormatCSV)
	}

	var err error
	if eq.Start, err = parseBound(q.Get("start")); err != nil {
		return eq, fmt.Errorf("start: %w", err)
	}
	if eq.End, err = parseBound(q.Get("end")); err != nil {
		return eq, fmt.Errorf("end: %w", err)
	}
	return eq, nil
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}
