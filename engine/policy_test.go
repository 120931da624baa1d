package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/mount"
)

func TestPolicyDecide(t *testing.T) {
	p := &Policy{MaxRetryAttempts: 2, RetryDelay: time.Second}

	for _, tc := range []struct {
		name    string
		err     error
		attempt int
		retry   bool
	}{
		{"busy", image.ErrBusy, 0, true},
		{"busy-wrapped", fmt.Errorf("applying: %w", image.ErrBusy), 0, true},
		{"conflict", mount.ErrMountConflict, 1, true},
		{"timeout", ErrStepTimeout, 0, true},
		{"exhausted", image.ErrBusy, 2, false},
		{"hard-failure", errors.New("bad config"), 0, false},
		{"not-mounted", ErrNotMounted, 0, false},
		{"nil", nil, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			delay, retry := p.Decide(tc.err, tc.attempt)
			if retry != tc.retry {
				t.Errorf("retry: got %v, want %v", retry, tc.retry)
			}
			if retry && delay != time.Second {
				t.Errorf("delay: got %v", delay)
			}
		})
	}
}

func TestPolicyZeroAttempts(t *testing.T) {
	p := &Policy{MaxRetryAttempts: 0, RetryDelay: time.Second}
	if _, retry := p.Decide(image.ErrBusy, 0); retry {
		t.Error("zero max attempts should never retry")
	}
}
