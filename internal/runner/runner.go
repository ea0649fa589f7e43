// Package runner executes lead search jobs. The Runner is the queue
// handler; the Dispatcher puts searches on the queue.
package runner

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/finish"
	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/orchestrator"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/queue"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/internal/stepjob"
	"github.com/sells-group/leadgen-cli/internal/store"
)

// SearchStore reads and transitions lead searches.
type SearchStore interface {
	GetLeadSearch(ctx context.Context, id string) (*model.LeadSearch, error)
	UpdateLeadSearch(ctx context.Context, id string, u model.SearchUpdate) error
}

// Options tune the Runner.
type Options struct {
	// StepMode drives SCRAPER searches through the step state machine
	// instead of running them to completion in one tick.
	StepMode bool
	// MaxAttempts is the queue's delivery limit. A tick failing on the
	// last attempt fails the search so it does not stay RUNNING.
	MaxAttempts int
}

// Runner handles one tick of a lead search job.
type Runner struct {
	store     SearchStore
	providers *provider.Registry
	leadDB    *orchestrator.LeadDB
	scraper   *orchestrator.Scraper
	machine   *stepjob.Machine
	finisher  *finish.Finisher
	opts      Options
	log       *zap.Logger
}

// New creates a Runner.
func New(st SearchStore, reg *provider.Registry, leadDB *orchestrator.LeadDB, scraper *orchestrator.Scraper,
	machine *stepjob.Machine, f *finish.Finisher, opts Options) *Runner {
	return &Runner{
		store:     st,
		providers: reg,
		leadDB:    leadDB,
		scraper:   scraper,
		machine:   machine,
		finisher:  f,
		opts:      opts,
		log:       zap.L().With(zap.String("component", "runner")),
	}
}

// Handle implements queue.Handler.
func (r *Runner) Handle(ctx context.Context, job *queue.Job) (queue.Outcome, error) {
	id := job.Payload.LeadSearchID
	log := r.log.With(zap.String("lead_search_id", id), zap.Int("attempt", job.Attempt))

	ls, err := r.store.GetLeadSearch(ctx, id)
	if err != nil {
		return queue.Outcome{}, eris.Wrapf(err, "runner: load lead search %s", id)
	}
	if ls == nil {
		return queue.Outcome{}, resilience.Permanent(eris.Errorf("runner: lead search %s not found", id))
	}
	if ls.Status.Terminal() {
		log.Info("lead search already finished, skipping", zap.String("status", string(ls.Status)))
		return queue.Done(), nil
	}
	if ls.Status == model.SearchPending {
		err := r.store.UpdateLeadSearch(ctx, ls.ID, model.SearchUpdate{Status: model.SearchRunning})
		if errors.Is(err, store.ErrSearchTerminal) {
			return queue.Done(), nil
		}
		if err != nil {
			return queue.Outcome{}, eris.Wrapf(err, "runner: mark %s running", id)
		}
		ls.Status = model.SearchRunning
	}

	out, err := r.run(ctx, log, ls, job)
	if err == nil {
		return out, nil
	}
	if resilience.IsPermanent(err) || (r.opts.MaxAttempts > 0 && job.Attempt >= r.opts.MaxAttempts) {
		log.Error("giving up on lead search", zap.Error(err))
		r.abandonStepRun(ctx, log, ls, job, err)
		if ferr := r.finisher.Fail(ctx, ls, err); ferr != nil {
			log.Error("failed to mark lead search failed", zap.Error(ferr))
		}
	}
	return queue.Outcome{}, err
}

// abandonStepRun fails the steppable run a step-mode search left RUNNING.
func (r *Runner) abandonStepRun(ctx context.Context, log *zap.Logger, ls *model.LeadSearch, job *queue.Job, cause error) {
	if ls.Kind != model.KindScraper || !r.opts.StepMode {
		return
	}
	p, err := r.providers.FirstSteppable(r.providers.Resolve(ls.Provider))
	if err != nil {
		return
	}
	if err := r.machine.Abandon(ctx, ls, p, job.Payload.Scraper, cause); err != nil {
		log.Error("failed to close abandoned run", zap.Error(err))
	}
}

func (r *Runner) run(ctx context.Context, log *zap.Logger, ls *model.LeadSearch, job *queue.Job) (queue.Outcome, error) {
	q, err := model.ParseQuery(ls.Query)
	if err != nil {
		log.Warn("invalid query", zap.Error(err))
		return r.fail(ctx, ls, err)
	}
	ids := r.providers.Resolve(ls.Provider)
	req := orchestrator.Request{LeadSearchID: ls.ID, Providers: ids, Query: q, Limit: ls.Limit}

	switch ls.Kind {
	case model.KindLeadDB:
		return r.runLeadDB(ctx, ls, req)
	case model.KindScraper:
		if r.opts.StepMode {
			p, err := r.providers.FirstSteppable(ids)
			if err == nil {
				return r.machine.Tick(ctx, ls, q, p, job)
			}
			log.Info("no steppable provider, running scrapers in sequence", zap.Strings("providers", ids), zap.Error(err))
		}
		return r.runScraper(ctx, ls, req)
	default:
		return r.fail(ctx, ls, &model.ValidationError{Message: "unknown kind " + string(ls.Kind)})
	}
}

func (r *Runner) runLeadDB(ctx context.Context, ls *model.LeadSearch, req orchestrator.Request) (queue.Outcome, error) {
	agg, err := r.leadDB.Run(ctx, req)
	var aggErr *orchestrator.AggregateError
	if errors.As(err, &aggErr) {
		return r.fail(ctx, ls, err)
	}
	if err != nil {
		return queue.Outcome{}, err
	}

	batches := make([]finish.Batch, 0, len(agg.Results))
	for _, res := range agg.Results {
		batches = append(batches, finish.Batch{RunID: res.RunID, Leads: res.Leads})
	}
	return r.deliver(ctx, ls, batches)
}

func (r *Runner) runScraper(ctx context.Context, ls *model.LeadSearch, req orchestrator.Request) (queue.Outcome, error) {
	res, err := r.scraper.Run(ctx, req)
	var aggErr *orchestrator.AggregateError
	if errors.As(err, &aggErr) {
		return r.fail(ctx, ls, err)
	}
	if err != nil {
		return queue.Outcome{}, err
	}
	return r.deliver(ctx, ls, []finish.Batch{{RunID: res.RunID, Leads: res.Leads}})
}

func (r *Runner) deliver(ctx context.Context, ls *model.LeadSearch, batches []finish.Batch) (queue.Outcome, error) {
	d, err := r.finisher.Deliver(ctx, ls, batches)
	if err != nil {
		return queue.Outcome{}, err
	}
	if err := r.finisher.Complete(ctx, ls, len(d.LeadIDs)); err != nil {
		return queue.Outcome{}, err
	}
	return queue.Done(), nil
}

func (r *Runner) fail(ctx context.Context, ls *model.LeadSearch, cause error) (queue.Outcome, error) {
	if err := r.finisher.Fail(ctx, ls, cause); err != nil {
		return queue.Outcome{}, err
	}
	return queue.Done(), nil
}
