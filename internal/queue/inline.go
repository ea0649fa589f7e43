package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// Inline runs jobs in goroutines of the current process. Suspensions are
// plain timers, so a restart loses every pending job; it is meant for local
// runs and as the dispatcher's fallback.
type Inline struct {
	ctx     context.Context
	handler Handler
	policy  RetryPolicy

	mu   sync.Mutex
	jobs map[string]struct{}
	wg   sync.WaitGroup
	log  *zap.Logger
}

// NewInline creates an inline runtime. Jobs stop when ctx is cancelled.
func NewInline(ctx context.Context, h Handler, policy RetryPolicy) *Inline {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Inline{
		ctx:     ctx,
		handler: h,
		policy:  policy,
		jobs:    make(map[string]struct{}),
		log:     zap.L().With(zap.String("component", "queue.inline")),
	}
}

// Enqueue implements Queue. The job starts immediately.
func (q *Inline) Enqueue(_ context.Context, id string, payload model.JobPayload) error {
	q.mu.Lock()
	if _, ok := q.jobs[id]; ok {
		q.mu.Unlock()
		return ErrDuplicate
	}
	q.jobs[id] = struct{}{}
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(id, payload)
	}()
	return nil
}

// Exists implements Queue.
func (q *Inline) Exists(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[id]
	return ok, nil
}

// Wait blocks until every enqueued job has finished or stopped.
func (q *Inline) Wait() {
	q.wg.Wait()
}

func (q *Inline) run(id string, payload model.JobPayload) {
	log := q.log.With(zap.String("job_id", id))
	for attempt := 1; ; {
		job := NewJob(id, payload, attempt, nil)
		out, err := handle(q.ctx, q.handler, job)

		var wait time.Duration
		switch {
		case err == nil && !out.Suspended:
			log.Info("job finished")
			return
		case err == nil:
			payload = job.Payload
			payload.Scraper = out.Next
			wait = time.Until(out.Until)
			log.Debug("job suspended", zap.Duration("wait", wait))
		case q.policy.Retry(attempt, err):
			payload = job.Payload
			wait = q.policy.Backoff(attempt)
			log.Warn("job failed, will retry", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
			attempt++
		default:
			log.Error("job failed permanently", zap.Int("attempt", attempt), zap.Error(err))
			return
		}

		if !sleep(q.ctx, wait) {
			log.Warn("job abandoned on shutdown")
			return
		}
	}
}

// sleep waits for d or ctx, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
