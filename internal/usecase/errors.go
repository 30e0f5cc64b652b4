package usecase

import (
	"errors"
	"fmt"
)

// ErrCrawlConflict is returned when another task already owns the crawl
// lease.
var ErrCrawlConflict = errors.New("another crawl is already running")

// ValidationError reports bad caller input. Nothing is persisted when it is
// returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
