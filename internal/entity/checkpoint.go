package entity

import (
	"errors"
	"fmt"
	"time"
)

// Direction is the order in which a phase walks its window.
type Direction string

const (
	// Backward walks from now towards the event start (history backfill).
	Backward Direction = "backward"
	// Forward walks from the last known post towards now (incremental).
	Forward Direction = "forward"
)

// Phase returns the crawling status that owns this direction.
func (d Direction) Phase() TaskStatus {
	if d == Forward {
		return StatusIncrementalCrawling
	}
	return StatusHistoryCrawling
}

// CrawlCheckpoint is the durable cursor of a running phase.
type CrawlCheckpoint struct {
	TaskID    string    `json:"task_id"`
	Direction Direction `json:"direction"`
	// Window is the whole range this phase covers.
	Window TimeRange `json:"window"`
	// Planned is false until Window has been split into shards.
	Planned bool `json:"planned"`
	// Shard is the range currently being paged through.
	Shard TimeRange `json:"shard"`
	// CurrentPage is the last page of Shard that was stored; 0 if none.
	CurrentPage     int         `json:"current_page"`
	PendingShards   []TimeRange `json:"pending_shards"`
	CompletedShards []TimeRange `json:"completed_shards"`
	SavedAt         time.Time   `json:"saved_at"`
}

// NewCheckpoint returns an unplanned checkpoint covering window.
func NewCheckpoint(taskID string, dir Direction, window TimeRange, now time.Time) *CrawlCheckpoint {
	return &CrawlCheckpoint{
		TaskID:    taskID,
		Direction: dir,
		Window:    window,
		Shard:     window,
		SavedAt:   now.UTC(),
	}
}

// Plan installs the shard list. shards must already be in crawl order.
func (c *CrawlCheckpoint) Plan(shards []TimeRange) error {
	if len(shards) == 0 {
		return errors.New("plan needs at least one shard")
	}
	c.Shard = shards[0]
	c.PendingShards = append([]TimeRange(nil), shards[1:]...)
	c.CompletedShards = nil
	c.CurrentPage = 0
	c.Planned = true
	return nil
}

// CompleteShard marks the current shard finished and moves to the next
// pending one. It returns false when no shard is left.
func (c *CrawlCheckpoint) CompleteShard() bool {
	c.CompletedShards = append(c.CompletedShards, c.Shard)
	c.CurrentPage = 0
	if len(c.PendingShards) == 0 {
		return false
	}
	c.Shard = c.PendingShards[0]
	c.PendingShards = c.PendingShards[1:]
	return true
}

// NextPage is the page a resumed loop should fetch first.
func (c *CrawlCheckpoint) NextPage() int {
	return c.CurrentPage + 1
}

// Validate checks the invariants of a stored checkpoint.
func (c *CrawlCheckpoint) Validate() error {
	if c.TaskID == "" {
		return errors.New("checkpoint task id is empty")
	}
	if c.Direction != Backward && c.Direction != Forward {
		return fmt.Errorf("unknown checkpoint direction %q", c.Direction)
	}
	if c.CurrentPage < 0 {
		return errors.New("checkpoint page is negative")
	}
	if err := c.Shard.Validate(); err != nil {
		return fmt.Errorf("checkpoint shard: %w", err)
	}
	return c.Window.Validate()
}
