// Package queue runs lead search jobs. A job is keyed by its LeadSearch id,
// so enqueueing the same search twice is a no-op. Three runtimes implement
// the contract: a Postgres table, Temporal workflows and in-process
// goroutines.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
)

// ErrDuplicate is returned by Enqueue when a job with the same id exists.
var ErrDuplicate = eris.New("queue: job already exists")

// Job is one delivery of a lead search job.
type Job struct {
	ID      string
	Payload model.JobPayload
	// Attempt counts deliveries that ended in an error, starting at 1.
	// Suspensions do not consume attempts.
	Attempt int

	checkpoint func(ctx context.Context, p model.JobPayload) error
}

// NewJob builds a job. checkpoint persists payload updates; nil keeps them
// in memory only.
func NewJob(id string, payload model.JobPayload, attempt int, checkpoint func(ctx context.Context, p model.JobPayload) error) *Job {
	return &Job{ID: id, Payload: payload, Attempt: attempt, checkpoint: checkpoint}
}

// Checkpoint durably stores the step continuation before the handler
// returns, so a crash right after does not lose it.
func (j *Job) Checkpoint(ctx context.Context, c *model.Continuation) error {
	j.Payload.Scraper = c
	if j.checkpoint == nil {
		return nil
	}
	return j.checkpoint(ctx, j.Payload)
}

// Outcome is what a handler asks the runtime to do next: finish the job or
// suspend it until a time, resuming from Next.
type Outcome struct {
	Suspended bool
	Until     time.Time
	Next      *model.Continuation
}

// Done finishes the job.
func Done() Outcome { return Outcome{} }

// Suspend reschedules the job at until with the given continuation.
func Suspend(until time.Time, next *model.Continuation) Outcome {
	return Outcome{Suspended: true, Until: until, Next: next}
}

// Handler executes one tick of a job.
type Handler interface {
	Handle(ctx context.Context, job *Job) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (Outcome, error) { return f(ctx, job) }

// Queue accepts jobs.
type Queue interface {
	// Enqueue schedules a job keyed by id. It returns ErrDuplicate when a job
	// with that id is already pending, running or finished.
	Enqueue(ctx context.Context, id string, payload model.JobPayload) error
	// Exists reports whether a job with id is known to the runtime.
	Exists(ctx context.Context, id string) (bool, error)
}

// RetryPolicy bounds redelivery after handler errors.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the job retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

// Retry reports whether a delivery that failed with err on attempt should
// be redelivered. Permanent errors never are.
func (p RetryPolicy) Retry(attempt int, err error) bool {
	return !resilience.IsPermanent(err) && attempt < p.MaxAttempts
}

// Backoff returns the delay before redelivering after attempt failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return resilience.Backoff(attempt-1, resilience.RetryConfig{
		InitialBackoff: p.InitialBackoff,
		MaxBackoff:     p.MaxBackoff,
		Multiplier:     2,
		JitterFraction: 0.1,
	})
}

// handle runs one tick, turning a handler panic into an error so the
// runtime's retry policy applies to it.
func handle(ctx context.Context, h Handler, job *Job) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("queue: handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}
