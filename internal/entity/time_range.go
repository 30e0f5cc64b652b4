package entity

import (
	"fmt"
	"time"
)

// TimeRange is a closed time window. The search endpoint only resolves
// hours, so ranges handed to it are normally hour-aligned.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeRange builds a range and rejects reversed bounds.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	r := TimeRange{Start: start.UTC(), End: end.UTC()}
	if err := r.Validate(); err != nil {
		return TimeRange{}, err
	}
	return r, nil
}

// Validate checks Start <= End.
func (r TimeRange) Validate() error {
	if r.End.Before(r.Start) {
		return fmt.Errorf("invalid time range: start %s after end %s",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Contains reports whether t lies within the closed range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Equal compares instants, ignoring location.
func (r TimeRange) Equal(o TimeRange) bool {
	return r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

// IsHourAligned reports whether both bounds sit on an hour boundary.
func (r TimeRange) IsHourAligned() bool {
	return IsHourAligned(r.Start) && IsHourAligned(r.End)
}

// AlignToHours floors Start and ceils End to whole hours.
func (r TimeRange) AlignToHours() TimeRange {
	return TimeRange{Start: FloorHour(r.Start), End: CeilHour(r.End)}
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// FloorHour truncates t to the start of its hour (UTC).
func FloorHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// CeilHour rounds t up to the next hour boundary unless it already is one.
func CeilHour(t time.Time) time.Time {
	f := FloorHour(t)
	if f.Equal(t) {
		return f
	}
	return f.Add(time.Hour)
}

// IsHourAligned reports whether t is exactly on an hour boundary.
func IsHourAligned(t time.Time) bool {
	return FloorHour(t).Equal(t)
}
