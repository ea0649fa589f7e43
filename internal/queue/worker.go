package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// WorkerConfig tunes a Postgres queue worker.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease bounds one tick. A worker that dies mid-tick loses the job to
	// another worker once the lease expires.
	Lease time.Duration
	Retry RetryPolicy
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  1,
		PollInterval: 2 * time.Second,
		Lease:        15 * time.Minute,
		Retry:        DefaultRetryPolicy(),
	}
}

// Worker consumes jobs from a PostgresQueue.
type Worker struct {
	queue   *PostgresQueue
	handler Handler
	cfg     WorkerConfig
	id      string
	now     func() time.Time
	log     *zap.Logger
}

// NewWorker creates a worker. Zero config fields take their defaults.
func NewWorker(q *PostgresQueue, h Handler, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	id := "worker-" + uuid.New().String()[:8]
	return &Worker{
		queue:   q,
		handler: h,
		cfg:     cfg,
		id:      id,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "queue.worker"), zap.String("worker", id)),
	}
}

// Run processes jobs with Concurrency loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for range w.cfg.Concurrency {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		found, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("process job", zap.Error(err))
		}
		if found && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and runs a single due job. It reports whether a job
// was found.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	c, err := w.queue.claim(ctx, w.id, w.cfg.Lease)
	if err != nil || c == nil {
		return false, err
	}

	attempt := c.attempt + 1
	log := w.log.With(zap.String("job_id", c.id), zap.Int("attempt", attempt))
	job := NewJob(c.id, c.payload, attempt, func(ctx context.Context, p model.JobPayload) error {
		return w.queue.checkpoint(ctx, c.id, w.id, p)
	})

	tickCtx, cancel := context.WithTimeout(ctx, w.cfg.Lease)
	out, herr := handle(tickCtx, w.handler, job)
	cancel()

	// Settle on a context that survives shutdown so the row is not left
	// leased until the lease expires.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()

	switch {
	case herr == nil && out.Suspended:
		payload := job.Payload
		payload.Scraper = out.Next
		log.Debug("job suspended", zap.Time("until", out.Until))
		err = w.queue.suspend(sctx, c.id, w.id, out.Until, payload)
	case herr == nil:
		log.Info("job finished")
		err = w.queue.complete(sctx, c.id, w.id)
	case w.cfg.Retry.Retry(attempt, herr):
		delay := w.cfg.Retry.Backoff(attempt)
		log.Warn("job failed, will retry", zap.Duration("backoff", delay), zap.Error(herr))
		err = w.queue.retry(sctx, c.id, w.id, w.now().Add(delay), herr)
	default:
		log.Error("job failed permanently", zap.Error(herr))
		err = w.queue.bury(sctx, c.id, w.id, herr)
	}
	if errors.Is(err, ErrLeaseLost) {
		log.Warn("job was reclaimed by another worker")
		return true, nil
	}
	return true, err
}
