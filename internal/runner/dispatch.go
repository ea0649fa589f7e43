package runner

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/queue"
	"github.com/sells-group/leadgen-cli/internal/store"
)

// Dispatcher schedules lead search jobs.
type Dispatcher struct {
	store  SearchStore
	queue  queue.Queue
	inline *queue.Inline
	env    string
	log    *zap.Logger
}

// NewDispatcher creates a Dispatcher. A nil q runs every job on inline.
func NewDispatcher(st SearchStore, q queue.Queue, inline *queue.Inline, env string) *Dispatcher {
	return &Dispatcher{
		store:  st,
		queue:  q,
		inline: inline,
		env:    env,
		log:    zap.L().With(zap.String("component", "dispatcher")),
	}
}

// DispatchID loads a lead search and dispatches it.
func (d *Dispatcher) DispatchID(ctx context.Context, id string) error {
	ls, err := d.store.GetLeadSearch(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "runner: load lead search %s", id)
	}
	if ls == nil {
		return eris.Wrapf(store.ErrNotFound, "lead search %s", id)
	}
	return d.Dispatch(ctx, ls)
}

// Dispatch enqueues a job keyed by the search id. Dispatching the same
// search again is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, ls *model.LeadSearch) error {
	log := d.log.With(zap.String("lead_search_id", ls.ID), zap.String("kind", string(ls.Kind)))
	payload := model.JobPayload{LeadSearchID: ls.ID, TriggeredByID: ls.TriggeredByID}

	if d.queue == nil {
		log.Info("no queue configured, running inline")
		return d.runInline(ctx, ls.ID, payload)
	}

	err := d.queue.Enqueue(ctx, ls.ID, payload)
	if err == nil {
		log.Info("lead search enqueued")
		return nil
	}
	if errors.Is(err, queue.ErrDuplicate) {
		log.Debug("lead search already enqueued")
		return nil
	}

	exists, xerr := d.queue.Exists(ctx, ls.ID)
	if xerr == nil && exists {
		log.Info("enqueue failed but job exists", zap.Error(err))
		return nil
	}
	// A multi-hour scraper run must not live inside a request-scoped process.
	if ls.Kind == model.KindLeadDB && productionLike(d.env) {
		log.Warn("enqueue failed, running inline", zap.Error(err))
		return d.runInline(ctx, ls.ID, payload)
	}
	return eris.Wrapf(err, "runner: enqueue %s", ls.ID)
}

func (d *Dispatcher) runInline(ctx context.Context, id string, payload model.JobPayload) error {
	if d.inline == nil {
		return eris.Errorf("runner: no inline runtime for %s", id)
	}
	err := d.inline.Enqueue(ctx, id, payload)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

func productionLike(env string) bool {
	return env == "production" || env == "staging"
}
