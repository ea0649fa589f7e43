package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadgen-cli/internal/provider"
)

// LeadDB calls every provider concurrently and keeps every success.
type LeadDB struct {
	providers *provider.Registry
	runs      RunStore
	log       *zap.Logger
}

// NewLeadDB creates the parallel orchestrator.
func NewLeadDB(reg *provider.Registry, runs RunStore) *LeadDB {
	return &LeadDB{
		providers: reg,
		runs:      runs,
		log:       zap.L().With(zap.String("component", "orchestrator.leaddb")),
	}
}

// Aggregate holds the successes in provider order and the failures by id.
type Aggregate struct {
	Results  []Result
	Failures map[string]error
}

type leadDBCall struct {
	id      string
	adapter provider.OneShot
	runID   string
	result  *Result
	err     error

	finishErr error
}

// Run records a RUNNING Run per enabled provider, scrapes them all in
// parallel and finishes every Run. One provider failing does not cancel the
// others. It fails only when no provider succeeds.
func (o *LeadDB) Run(ctx context.Context, req Request) (*Aggregate, error) {
	agg := &Aggregate{Failures: make(map[string]error)}
	log := o.log.With(zap.String("lead_search_id", req.LeadSearchID))

	calls := make([]*leadDBCall, 0, len(req.Providers))
	for _, id := range req.Providers {
		a, err := o.providers.OneShot(id)
		if err != nil {
			log.Warn("skipping provider", zap.String("provider", id), zap.Error(err))
			agg.Failures[id] = err
			continue
		}
		calls = append(calls, &leadDBCall{id: id, adapter: a})
	}

	payload := requestPayload(req.Query, req.Limit)
	for i, c := range calls {
		run, err := o.runs.CreateRun(ctx, req.LeadSearchID, c.id, payload)
		if err != nil {
			o.abortRuns(ctx, log, calls[:i], c.id)
			return nil, eris.Wrapf(err, "orchestrator: create run for %s", c.id)
		}
		c.runID = run.ID
		log.Info("run started", zap.String("provider", c.id), zap.String("run_id", run.ID), zap.Int("attempt", run.Attempt))
	}

	var g errgroup.Group
	for _, c := range calls {
		g.Go(func() error {
			o.call(ctx, log, req, c)
			return nil
		})
	}
	_ = g.Wait()

	var finishErr error
	for _, c := range calls {
		if c.err != nil {
			agg.Failures[c.id] = c.err
		} else {
			agg.Results = append(agg.Results, *c.result)
		}
		if c.finishErr != nil && finishErr == nil {
			finishErr = eris.Wrapf(c.finishErr, "orchestrator: finish run for %s", c.id)
		}
	}
	if finishErr != nil {
		return agg, finishErr
	}

	if len(agg.Results) == 0 {
		return agg, &AggregateError{Order: req.Providers, Failures: agg.Failures}
	}
	return agg, nil
}

// abortRuns fails runs created for calls that will never be made.
func (o *LeadDB) abortRuns(ctx context.Context, log *zap.Logger, calls []*leadDBCall, failedID string) {
	msg := "not started: could not record run for " + failedID
	for _, c := range calls {
		if err := o.runs.FailRun(ctx, c.runID, msg, nil); err != nil {
			log.Error("failed to abort run", zap.String("provider", c.id), zap.String("run_id", c.runID), zap.Error(err))
		}
	}
}

func (o *LeadDB) call(ctx context.Context, log *zap.Logger, req Request, c *leadDBCall) {
	log = log.With(zap.String("provider", c.id), zap.String("run_id", c.runID))

	res, err := c.adapter.Scrape(ctx, req.Query, req.Limit)
	if err != nil {
		c.err = err
		log.Warn("provider failed", zap.Error(err))
		c.finishErr = o.runs.FailRun(ctx, c.runID, provider.UserMessage(err), nil)
		return
	}

	c.result = &Result{
		Provider:      c.id,
		RunID:         c.runID,
		ProviderRunID: res.ProviderRunID,
		FileNameHint:  res.FileNameHint,
		Leads:         withProvider(res.Leads, c.id),
	}
	log.Info("provider succeeded", zap.Int("leads", len(res.Leads)))
	c.finishErr = o.runs.CompleteRun(ctx, c.runID, len(res.Leads), resultMeta(res))
}
