package entity

import (
	"errors"
	"fmt"
	"time"
)

// WeiboPost is one harvested search result. (TaskID, ID) is unique.
type WeiboPost struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	Text             string    `json:"text"`
	CreatedAt        time.Time `json:"created_at"`
	AuthorUID        string    `json:"author_uid"`
	AuthorScreenName string    `json:"author_screen_name"`
	RepostsCount     int64     `json:"reposts_count"`
	CommentsCount    int64     `json:"comments_count"`
	AttitudesCount   int64     `json:"attitudes_count"`
	CrawledAt        time.Time `json:"crawled_at"`
}

// Validate checks the invariants for a post about to be stored.
func (p *WeiboPost) Validate() error {
	if p.ID == "" {
		return errors.New("post id is empty")
	}
	if p.TaskID == "" {
		return fmt.Errorf("post %s has no task id", p.ID)
	}
	if p.RepostsCount < 0 || p.CommentsCount < 0 || p.AttitudesCount < 0 {
		return fmt.Errorf("post %s has negative engagement counters", p.ID)
	}
	if p.CreatedAt.After(p.CrawledAt) {
		return fmt.Errorf("post %s created at %s after crawled at %s",
			p.ID, p.CreatedAt.Format(time.RFC3339), p.CrawledAt.Format(time.RFC3339))
	}
	return nil
}
