package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/provider"
)

// ScraperOptions control when the sequential orchestrator moves on.
type ScraperOptions struct {
	// MinLeads is the count a provider must reach to end the search early.
	MinLeads int
	// AllowUnderDeliveryFallback continues to the next provider when a
	// provider succeeds with fewer than MinLeads.
	AllowUnderDeliveryFallback bool
}

// Scraper tries providers strictly in order, never in parallel, since every
// scraper call is billed.
type Scraper struct {
	providers *provider.Registry
	runs      RunStore
	opts      ScraperOptions
	log       *zap.Logger
}

// NewScraper creates the sequential-fallback orchestrator.
func NewScraper(reg *provider.Registry, runs RunStore, opts ScraperOptions) *Scraper {
	return &Scraper{
		providers: reg,
		runs:      runs,
		opts:      opts,
		log:       zap.L().With(zap.String("component", "orchestrator.scraper")),
	}
}

// Run returns the first result meeting MinLeads, or the largest result seen
// once every provider has been tried. Steppable providers are driven
// in-process through their one-shot wrapper.
func (o *Scraper) Run(ctx context.Context, req Request) (*Result, error) {
	log := o.log.With(zap.String("lead_search_id", req.LeadSearchID))
	failures := make(map[string]error)
	payload := requestPayload(req.Query, req.Limit)

	var best *Result
	for _, id := range req.Providers {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "orchestrator: scraper cancelled")
		}
		plog := log.With(zap.String("provider", id))

		a, err := o.providers.OneShot(id)
		if err != nil {
			plog.Warn("skipping provider", zap.Error(err))
			failures[id] = err
			continue
		}

		run, err := o.runs.CreateRun(ctx, req.LeadSearchID, id, payload)
		if err != nil {
			return nil, eris.Wrapf(err, "orchestrator: create run for %s", id)
		}
		plog = plog.With(zap.String("run_id", run.ID), zap.Int("attempt", run.Attempt))
		plog.Info("run started")

		res, err := a.Scrape(ctx, req.Query, req.Limit)
		if err != nil {
			plog.Warn("provider failed, trying next", zap.Error(err))
			failures[id] = err
			if ferr := o.runs.FailRun(ctx, run.ID, provider.UserMessage(err), nil); ferr != nil {
				return nil, eris.Wrapf(ferr, "orchestrator: fail run for %s", id)
			}
			continue
		}

		count := len(res.Leads)
		if err := o.runs.CompleteRun(ctx, run.ID, count, resultMeta(res)); err != nil {
			return nil, eris.Wrapf(err, "orchestrator: complete run for %s", id)
		}
		cur := &Result{
			Provider:      id,
			RunID:         run.ID,
			ProviderRunID: res.ProviderRunID,
			FileNameHint:  res.FileNameHint,
			Leads:         withProvider(res.Leads, id),
		}
		if count >= o.opts.MinLeads || !o.opts.AllowUnderDeliveryFallback {
			plog.Info("provider succeeded", zap.Int("leads", count))
			return cur, nil
		}

		plog.Info("provider under-delivered, trying next",
			zap.Int("leads", count), zap.Int("min_leads", o.opts.MinLeads))
		failures[id] = &UnderDeliveryError{Provider: id, Got: count, Want: o.opts.MinLeads}
		if best == nil || count > len(best.Leads) {
			best = cur
		}
	}

	if best != nil {
		log.Info("returning best available result",
			zap.String("provider", best.Provider), zap.Int("leads", len(best.Leads)))
		return best, nil
	}
	return nil, &AggregateError{Order: req.Providers, Failures: failures}
}
