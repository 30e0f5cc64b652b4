package entity

import "time"

// EventKind classifies a ProgressEvent.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventPaused    EventKind = "paused"
	EventFailed    EventKind = "failed"
)

// Phase names the crawl phase an event belongs to.
type Phase string

const (
	PhaseHistory     Phase = "history"
	PhaseIncremental Phase = "incremental"
)

// PhaseOf maps a direction to its phase name.
func PhaseOf(d Direction) Phase {
	if d == Forward {
		return PhaseIncremental
	}
	return PhaseHistory
}

// PhaseOfStatus maps a crawling status to its phase. Non-crawling statuses
// report history.
func PhaseOfStatus(s TaskStatus) Phase {
	if s == StatusIncrementalCrawling {
		return PhaseIncremental
	}
	return PhaseHistory
}

// ProgressEvent is emitted at most once per stored page and once per
// terminal transition.
type ProgressEvent struct {
	TaskID          string    `json:"task_id"`
	Kind            EventKind `json:"kind"`
	Phase           Phase     `json:"phase"`
	Range           TimeRange `json:"time_range"`
	Page            int       `json:"page"`
	Inserted        int       `json:"inserted"`
	CumulativeCount int64     `json:"cumulative_count"`
	Reason          string    `json:"reason,omitempty"`
	At              time.Time `json:"at"`
}

// Progress is the persisted view of a task used to rebuild state without
// the event stream.
type Progress struct {
	Task       *CrawlTask       `json:"task"`
	Checkpoint *CrawlCheckpoint `json:"checkpoint,omitempty"`
	Running    bool             `json:"running"`
}
