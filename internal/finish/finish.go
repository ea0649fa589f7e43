// Package finish delivers a lead search's results and records its terminal
// status. Both acquisition modes end here.
package finish

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/merge"
	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/notify"
	"github.com/sells-group/leadgen-cli/internal/persist"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/store"
)

// Store is the subset of store.Store a Finisher writes to.
type Store interface {
	UpdateLeadSearch(ctx context.Context, id string, u model.SearchUpdate) error
	LinkLeads(ctx context.Context, leadSearchID string, leadIDs []string) (int, error)
	InsertRunResults(ctx context.Context, results []model.RunResult) error
}

// Batch is one Run's leads, in provider order.
type Batch struct {
	RunID string
	Leads []model.NormalizedLead
}

// Delivery summarizes persisted results.
type Delivery struct {
	LeadIDs    []string // distinct, in merged order
	Duplicates int
}

// Finisher merges, persists and links results, then marks the search
// terminal and notifies.
type Finisher struct {
	store     Store
	persister *persist.Persister
	notifier  notify.Notifier
	log       *zap.Logger
	now       func() time.Time
}

// New creates a Finisher.
func New(st Store, p *persist.Persister, n notify.Notifier) *Finisher {
	return &Finisher{
		store:     st,
		persister: p,
		notifier:  n,
		log:       zap.L().With(zap.String("component", "finish")),
		now:       time.Now,
	}
}

// Deliver merges batches up to the search limit, persists the survivors,
// links them to the search and writes one audit row per lead per Run.
func (f *Finisher) Deliver(ctx context.Context, ls *model.LeadSearch, batches []Batch) (*Delivery, error) {
	m := merge.NewMerger(ls.Limit)
	var origin []string
	for _, b := range batches {
		for _, l := range b.Leads {
			if m.Full() {
				break
			}
			if m.Add(l) {
				origin = append(origin, b.RunID)
			}
		}
	}
	leads := m.Leads()

	ids, stats, err := f.persister.Persist(ctx, leads)
	if err != nil {
		return nil, eris.Wrapf(err, "finish: persist leads for %s", ls.ID)
	}

	distinct := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			distinct = append(distinct, id)
		}
	}
	if _, err := f.store.LinkLeads(ctx, ls.ID, distinct); err != nil {
		return nil, eris.Wrapf(err, "finish: link leads to %s", ls.ID)
	}

	results := make([]model.RunResult, 0, len(ids))
	for i, id := range ids {
		if origin[i] == "" {
			continue
		}
		results = append(results, model.RunResult{RunID: origin[i], LeadID: id, Position: i, Raw: leads[i].Raw})
	}
	if err := f.store.InsertRunResults(ctx, results); err != nil {
		return nil, eris.Wrapf(err, "finish: write run results for %s", ls.ID)
	}

	f.log.Info("leads delivered",
		zap.String("lead_search_id", ls.ID),
		zap.Int("leads", len(distinct)),
		zap.Int("duplicates", m.Duplicates()),
		zap.Int("created", stats.Created),
		zap.Int("matched", stats.Matched),
	)
	return &Delivery{LeadIDs: distinct, Duplicates: m.Duplicates()}, nil
}

// Complete marks the search DONE, or DONE_NO_RESULTS when total is zero,
// and posts leadSearch.completed. A search that is already terminal is
// left alone and not notified again.
func (f *Finisher) Complete(ctx context.Context, ls *model.LeadSearch, total int) error {
	status := model.SearchDone
	if total == 0 {
		status = model.SearchDoneNoResults
	}
	ok, err := f.transition(ctx, ls, model.SearchUpdate{Status: status, TotalLeads: total})
	if err != nil || !ok {
		return err
	}
	f.post(ctx, notify.Completed(ls, f.now()))
	return nil
}

// Fail marks the search FAILED with the user-facing message for cause and
// posts leadSearch.failed.
func (f *Finisher) Fail(ctx context.Context, ls *model.LeadSearch, cause error) error {
	msg := provider.UserMessage(cause)
	ok, err := f.transition(ctx, ls, model.SearchUpdate{Status: model.SearchFailed, ErrorMessage: msg})
	if err != nil || !ok {
		return err
	}
	f.post(ctx, notify.Failed(ls, f.now()))
	return nil
}

func (f *Finisher) transition(ctx context.Context, ls *model.LeadSearch, u model.SearchUpdate) (bool, error) {
	log := f.log.With(zap.String("lead_search_id", ls.ID), zap.String("status", string(u.Status)))
	err := f.store.UpdateLeadSearch(ctx, ls.ID, u)
	if errors.Is(err, store.ErrSearchTerminal) {
		log.Warn("lead search already terminal")
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "finish: mark %s %s", ls.ID, u.Status)
	}

	now := f.now().UTC()
	ls.Status = u.Status
	ls.TotalLeads = u.TotalLeads
	ls.ErrorMessage = u.ErrorMessage
	ls.CompletedAt = &now
	log.Info("lead search finished", zap.Int("total_leads", u.TotalLeads), zap.String("error", u.ErrorMessage))
	return true, nil
}

func (f *Finisher) post(ctx context.Context, msg notify.Message) {
	if f.notifier == nil {
		return
	}
	if err := f.notifier.PostEvent(ctx, msg); err != nil {
		f.log.Warn("notify failed", zap.String("lead_search_id", msg.LeadSearchID), zap.Error(err))
	}
}
