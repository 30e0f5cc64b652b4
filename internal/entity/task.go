package entity

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a CrawlTask.
type TaskStatus string

const (
	StatusCreated             TaskStatus = "created"
	StatusHistoryCrawling     TaskStatus = "history_crawling"
	StatusHistoryCompleted    TaskStatus = "history_completed"
	StatusIncrementalCrawling TaskStatus = "incremental_crawling"
	StatusPaused              TaskStatus = "paused"
	StatusFailed              TaskStatus = "failed"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []TaskStatus{
	StatusCreated,
	StatusHistoryCrawling,
	StatusHistoryCompleted,
	StatusIncrementalCrawling,
	StatusPaused,
	StatusFailed,
}

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid task status transition")

// transitions is the full table of legal moves. IncrementalCrawling ->
// HistoryCompleted is the "caught up" edge that lets an incremental run be
// started again; Failed -> IncrementalCrawling retries a failed incremental
// phase.
var transitions = map[TaskStatus][]TaskStatus{
	StatusCreated:             {StatusHistoryCrawling},
	StatusHistoryCrawling:     {StatusHistoryCompleted, StatusPaused, StatusFailed},
	StatusHistoryCompleted:    {StatusIncrementalCrawling},
	StatusIncrementalCrawling: {StatusPaused, StatusFailed, StatusHistoryCompleted},
	StatusPaused:              {StatusHistoryCrawling, StatusIncrementalCrawling},
	StatusFailed:              {StatusHistoryCrawling, StatusIncrementalCrawling},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsCrawling reports whether a crawl loop should be running for s.
func (s TaskStatus) IsCrawling() bool {
	return s == StatusHistoryCrawling || s == StatusIncrementalCrawling
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move task from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// CrawlTask is one harvesting job for one keyword.
type CrawlTask struct {
	ID             string     `json:"id"`
	Keyword        string     `json:"keyword"`
	EventStartTime time.Time  `json:"event_start_time"`
	Status         TaskStatus `json:"status"`
	MinPostTime    *time.Time `json:"min_post_time,omitempty"`
	MaxPostTime    *time.Time `json:"max_post_time,omitempty"`
	CrawledCount   int64      `json:"crawled_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}

// TransitionTo moves the task to status "to". On rejection the task is left
// untouched.
func (t *CrawlTask) TransitionTo(to TaskStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now.UTC()
	if to.IsCrawling() {
		t.FailureReason = ""
	}
	return nil
}

// Fail moves the task to Failed and records why.
func (t *CrawlTask) Fail(reason string, now time.Time) error {
	if err := t.TransitionTo(StatusFailed, now); err != nil {
		return err
	}
	t.FailureReason = reason
	return nil
}

// Pause moves the task to Paused. A non-empty reason is kept in
// FailureReason (challenge pauses); a user pause clears it.
func (t *CrawlTask) Pause(reason string, now time.Time) error {
	if err := t.TransitionTo(StatusPaused, now); err != nil {
		return err
	}
	t.FailureReason = reason
	return nil
}

// RecordPosts folds a freshly stored batch into the task counters. inserted
// is the number of posts that were new; the observed extent is widened with
// every post in the batch, so replaying a batch leaves it unchanged.
func (t *CrawlTask) RecordPosts(inserted int, posts []WeiboPost, now time.Time) {
	if inserted > 0 {
		t.CrawledCount += int64(inserted)
	}
	for _, p := range posts {
		ts := p.CreatedAt.UTC()
		if t.MinPostTime == nil || ts.Before(*t.MinPostTime) {
			v := ts
			t.MinPostTime = &v
		}
		if t.MaxPostTime == nil || ts.After(*t.MaxPostTime) {
			v := ts
			t.MaxPostTime = &v
		}
	}
	t.UpdatedAt = now.UTC()
}

// Validate checks the invariants that must hold for a persisted task.
func (t *CrawlTask) Validate() error {
	if t.ID == "" {
		return errors.New("task id is empty")
	}
	if t.Keyword == "" {
		return errors.New("task keyword is empty")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown task status %q", t.Status)
	}
	if t.CrawledCount < 0 {
		return errors.New("crawled count is negative")
	}
	if t.MinPostTime != nil && t.MaxPostTime != nil && t.MinPostTime.After(*t.MaxPostTime) {
		return errors.New("min post time is after max post time")
	}
	if t.Status == StatusFailed && t.FailureReason == "" {
		return errors.New("failed task has no failure reason")
	}
	return nil
}
