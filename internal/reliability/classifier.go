package reliability

import (
	"errors"
	"fmt"
	"time"
)

// Category groups session failures by the subsystem that produced them.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryMedia      Category = "media"
	CategoryDecode     Category = "decode"
	CategoryPlayback   Category = "playback"
	CategoryUnknown    Category = "unknown"
)

// Error tags an underlying error with its category and the operation that failed.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Category, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil when err is nil.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

// CategoryOf reports the outermost category attached to err.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

// IsRetryable reports whether the caller may usefully retry the failed operation.
// Connection failures can be retried with a fresh Connect; playback failures are
// retried on the next user gesture. Media and decode failures are not retryable.
func IsRetryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryConnection, CategoryPlayback:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
