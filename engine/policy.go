package engine

import (
	"errors"
	"time"

	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/mount"
)

// Policy decides whether a failed operation should be retried.
// A Policy is stateless and safe for concurrent use; attempt counts
// are carried by the caller.
type Policy struct {
	// MaxRetryAttempts is the number of retries after the first
	// failed attempt. Zero disables retry entirely.
	MaxRetryAttempts int

	// RetryDelay is the pause before each retry.
	RetryDelay time.Duration
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetryAttempts: 3,
		RetryDelay:       5 * time.Second,
	}
}

// Transient reports whether err is a transient condition worth
// retrying. Validation and configuration errors are never transient.
func Transient(err error) bool {
	return errors.Is(err, ErrStepTimeout) ||
		errors.Is(err, image.ErrBusy) ||
		errors.Is(err, mount.ErrMountConflict)
}

// Decide returns the delay before the next retry of a failed
// operation and whether to retry at all. The attempt argument counts
// retries already performed, starting at zero.
func (p *Policy) Decide(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.MaxRetryAttempts {
		return 0, false
	}
	if !Transient(err) {
		return 0, false
	}
	return p.RetryDelay, true
}
