// Package poll runs a task until it reports done, reports an error, or
// exhausts its attempts.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
)

// ErrTimeout is returned when maxAttempts tasks ran without reaching a done state.
var ErrTimeout = errors.New("poll: timed out")

// FailedError is returned when isError reports a failure message.
type FailedError struct {
	Attempt int
	Message string
}

func (e *FailedError) Error() string { return "poll: " + e.Message }

// Config controls a poll loop.
type Config[T any] struct {
	// IsDone reports a finished result.
	IsDone func(T) bool
	// IsError reports a terminal failure message. Checked before IsDone.
	IsError func(T) (string, bool)
	// Interval is the sleep between attempts.
	Interval time.Duration
	// MaxAttempts bounds the number of task calls. Zero means one attempt.
	MaxAttempts int
}

// Run calls task with a 1-based attempt number until IsError or IsDone
// fires. A task error aborts the loop immediately. Running out of attempts
// returns ErrTimeout with the last result.
func Run[T any](ctx context.Context, cfg Config[T], task func(ctx context.Context, attempt int) (T, error)) (T, error) {
	maxAttempts := max(cfg.MaxAttempts, 1)

	var last T
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := task(ctx, attempt)
		if err != nil {
			return res, err
		}
		last = res

		if cfg.IsError != nil {
			if msg, failed := cfg.IsError(res); failed {
				return res, &FailedError{Attempt: attempt, Message: msg}
			}
		}
		if cfg.IsDone == nil || cfg.IsDone(res) {
			return res, nil
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, eris.Wrap(ctx.Err(), "poll: cancelled")
		case <-timer.C:
		}
	}
	return last, eris.Wrapf(ErrTimeout, "after %d attempts", maxAttempts)
}
