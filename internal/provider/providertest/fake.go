// Package providertest provides in-memory provider adapters for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/provider"
)

// OneShot is a one-shot adapter driven by ScrapeFunc.
type OneShot struct {
	Name       string
	Disabled   bool
	ScrapeFunc func(ctx context.Context, q model.CanonicalQuery, limit int) (*provider.ScrapeResult, error)

	mu    sync.Mutex
	calls int
}

func (f *OneShot) ID() string    { return f.Name }
func (f *OneShot) Enabled() bool { return !f.Disabled }

func (f *OneShot) Scrape(ctx context.Context, q model.CanonicalQuery, limit int) (*provider.ScrapeResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.ScrapeFunc(ctx, q, limit)
}

// Calls returns how many times Scrape ran.
func (f *OneShot) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Returning builds a OneShot that always returns leads.
func Returning(name string, leads ...model.NormalizedLead) *OneShot {
	return &OneShot{
		Name: name,
		ScrapeFunc: func(context.Context, model.CanonicalQuery, int) (*provider.ScrapeResult, error) {
			return &provider.ScrapeResult{ProviderRunID: name + "-run", Leads: leads}, nil
		},
	}
}

// Failing builds a OneShot that always fails with err.
func Failing(name string, err error) *OneShot {
	return &OneShot{
		Name: name,
		ScrapeFunc: func(context.Context, model.CanonicalQuery, int) (*provider.ScrapeResult, error) {
			return nil, err
		},
	}
}

// Steppable is a steppable adapter that scripts its status sequence.
// Statuses are consumed one per CheckStatus call; the last one repeats.
type Steppable struct {
	Name      string
	Disabled  bool
	Interval  time.Duration
	MaxPolls  int
	RunID     string
	StartErr  error
	Statuses  []provider.StatusResult
	StatusErr error
	Leads     []model.NormalizedLead
	FetchErr  error

	mu          sync.Mutex
	startCalls  int
	statusCalls int
	fetchCalls  int
}

func (f *Steppable) ID() string                  { return f.Name }
func (f *Steppable) Enabled() bool               { return !f.Disabled }
func (f *Steppable) PollInterval() time.Duration { return f.Interval }
func (f *Steppable) MaxPollAttempts() int        { return f.MaxPolls }

func (f *Steppable) Start(context.Context, model.CanonicalQuery, int) (*provider.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	return &provider.StartResult{ProviderRunID: f.RunID, FileNameHint: f.Name + ".csv"}, nil
}

func (f *Steppable) CheckStatus(context.Context, string) (*provider.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	if len(f.Statuses) == 0 {
		return &provider.StatusResult{Status: provider.JobSucceeded}, nil
	}
	i := min(f.statusCalls-1, len(f.Statuses)-1)
	st := f.Statuses[i]
	return &st, nil
}

func (f *Steppable) FetchLeads(context.Context, provider.FetchRequest) ([]model.NormalizedLead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return f.Leads, nil
}

// StartCalls returns how many times Start ran.
func (f *Steppable) StartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

// StatusCalls returns how many times CheckStatus ran.
func (f *Steppable) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// FetchCalls returns how many times FetchLeads ran.
func (f *Steppable) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// Status is shorthand for a StatusResult with no payload.
func Status(s provider.JobStatus) provider.StatusResult {
	return provider.StatusResult{Status: s}
}
