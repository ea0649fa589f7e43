package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/provider/providertest"
	"github.com/sells-group/leadgen-cli/internal/store"
)

func newSearch(t *testing.T, kind model.SearchKind) (*store.SQLiteStore, *model.LeadSearch) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ls := &model.LeadSearch{
		Provider: "any",
		Kind:     kind,
		Query:    json.RawMessage(`{"titles":["CTO"]}`),
		Limit:    10,
	}
	require.NoError(t, st.CreateLeadSearch(context.Background(), ls))
	return st, ls
}

func leads(emails ...string) []model.NormalizedLead {
	out := make([]model.NormalizedLead, len(emails))
	for i, e := range emails {
		out[i] = model.NormalizedLead{Email: e}
	}
	return out
}

func nLeads(n int) []model.NormalizedLead {
	out := make([]model.NormalizedLead, n)
	for i := range out {
		out[i] = model.NormalizedLead{ExternalID: string(rune('a' + i%26))}
	}
	return out
}

func delayed(name string, d time.Duration, l []model.NormalizedLead) *providertest.OneShot {
	return &providertest.OneShot{
		Name: name,
		ScrapeFunc: func(ctx context.Context, _ model.CanonicalQuery, _ int) (*provider.ScrapeResult, error) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &provider.ScrapeResult{ProviderRunID: name + "-job", Leads: l}, nil
		},
	}
}

func runsByProvider(t *testing.T, st store.Store, searchID string) map[string]model.Run {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), model.RunFilter{LeadSearchID: searchID})
	require.NoError(t, err)
	out := make(map[string]model.Run, len(runs))
	for _, r := range runs {
		out[r.Provider] = r
	}
	return out
}

func TestLeadDB_ResultsKeepProviderOrder(t *testing.T) {
	st, ls := newSearch(t, model.KindLeadDB)
	reg := provider.NewRegistry()
	reg.Register(delayed("slow", 40*time.Millisecond, leads("a@x.com")))
	reg.Register(delayed("fast", 0, leads("b@x.com")))
	reg.Register(providertest.Failing("broken", errors.New("connection reset")))

	agg, err := NewLeadDB(reg, st).Run(context.Background(), Request{
		LeadSearchID: ls.ID,
		Providers:    []string{"slow", "broken", "fast"},
		Query:        model.CanonicalQuery{Titles: []string{"CTO"}},
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, agg.Results, 2)
	assert.Equal(t, "slow", agg.Results[0].Provider)
	assert.Equal(t, "fast", agg.Results[1].Provider)
	assert.Equal(t, "slow", agg.Results[0].Leads[0].Provider)
	assert.Contains(t, agg.Failures, "broken")

	runs := runsByProvider(t, st, ls.ID)
	require.Len(t, runs, 3)
	assert.Equal(t, model.RunSuccess, runs["slow"].Status)
	assert.Equal(t, 1, runs["slow"].LeadsCount)
	assert.Equal(t, "slow-job", model.ParseRunMeta(runs["slow"].ResponseMeta).ProviderRunID)
	assert.Equal(t, model.RunFailed, runs["broken"].Status)
	assert.Equal(t, "connection reset", runs["broken"].ErrorMessage)
	assert.Equal(t, agg.Results[0].RunID, runs["slow"].ID)
}

func TestLeadDB_DisabledProviderGetsNoRun(t *testing.T) {
	st, ls := newSearch(t, model.KindLeadDB)
	reg := provider.NewRegistry()
	off := providertest.Returning("off", leads("a@x.com")...)
	off.Disabled = true
	reg.Register(off)
	reg.Register(providertest.Returning("on", leads("b@x.com")...))

	agg, err := NewLeadDB(reg, st).Run(context.Background(), Request{
		LeadSearchID: ls.ID,
		Providers:    []string{"off", "missing", "on"},
	})
	require.NoError(t, err)
	assert.Len(t, agg.Results, 1)
	assert.True(t, provider.IsConfigError(agg.Failures["off"]))
	assert.True(t, provider.IsConfigError(agg.Failures["missing"]))
	assert.Equal(t, 0, off.Calls())

	runs := runsByProvider(t, st, ls.ID)
	assert.Len(t, runs, 1)
}

// createFailingStore rejects CreateRun for one provider.
type createFailingStore struct {
	*store.SQLiteStore
	provider string
}

func (s *createFailingStore) CreateRun(ctx context.Context, leadSearchID, prov string, request json.RawMessage) (*model.Run, error) {
	if prov == s.provider {
		return nil, errors.New("database is locked")
	}
	return s.SQLiteStore.CreateRun(ctx, leadSearchID, prov, request)
}

func TestLeadDB_CreateRunFailureClosesEarlierRuns(t *testing.T) {
	st, ls := newSearch(t, model.KindLeadDB)
	reg := provider.NewRegistry()
	first := providertest.Returning("first", leads("a@x.com")...)
	reg.Register(first)
	reg.Register(providertest.Returning("second", leads("b@x.com")...))

	_, err := NewLeadDB(reg, &createFailingStore{SQLiteStore: st, provider: "second"}).Run(context.Background(), Request{
		LeadSearchID: ls.ID,
		Providers:    []string{"first", "second"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, first.Calls())

	runs := runsByProvider(t, st, ls.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs["first"].Status)
	assert.Contains(t, runs["first"].ErrorMessage, "second")
}

func TestLeadDB_AllFailed(t *testing.T) {
	st, ls := newSearch(t, model.KindLeadDB)
	reg := provider.NewRegistry()
	reg.Register(providertest.Failing("a", &provider.Error{Provider: "a", Code: provider.CodeInvalidFilters, Message: "bad seniority"}))
	reg.Register(providertest.Failing("b", errors.New("timeout")))

	agg, err := NewLeadDB(reg, st).Run(context.Background(), Request{LeadSearchID: ls.ID, Providers: []string{"a", "b"}})
	require.Error(t, err)
	var ae *AggregateError
	require.True(t, errors.As(err, &ae))
	assert.Len(t, ae.Failures, 2)
	assert.Equal(t, "all providers failed: a: a: bad seniority; b: timeout", err.Error())
	assert.Empty(t, agg.Results)

	runs := runsByProvider(t, st, ls.ID)
	assert.Equal(t, "a: bad seniority", runs["a"].ErrorMessage)
}

func TestScraper_StopsAtFirstSufficientProvider(t *testing.T) {
	st, ls := newSearch(t, model.KindScraper)
	reg := provider.NewRegistry()
	first := providertest.Returning("x", nLeads(5)...)
	second := providertest.Returning("y", nLeads(9)...)
	reg.Register(first)
	reg.Register(second)

	res, err := NewScraper(reg, st, ScraperOptions{MinLeads: 5, AllowUnderDeliveryFallback: true}).
		Run(context.Background(), Request{LeadSearchID: ls.ID, Providers: []string{"x", "y"}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Provider)
	assert.Equal(t, 0, second.Calls())
}

func TestScraper_UnderDeliveryThenErrorReturnsBest(t *testing.T) {
	st, ls := newSearch(t, model.KindScraper)
	reg := provider.NewRegistry()
	reg.Register(providertest.Returning("x", nLeads(40)...))
	reg.Register(providertest.Failing("y", errors.New("blocked")))

	res, err := NewScraper(reg, st, ScraperOptions{MinLeads: 100, AllowUnderDeliveryFallback: true}).
		Run(context.Background(), Request{LeadSearchID: ls.ID, Providers: []string{"x", "y"}, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Provider)
	assert.Len(t, res.Leads, 40)

	runs := runsByProvider(t, st, ls.ID)
	assert.Equal(t, model.RunSuccess, runs["x"].Status)
	assert.Equal(t, 40, runs["x"].LeadsCount)
	assert.Equal(t, model.RunFailed, runs["y"].Status)
}

func TestScraper_BestOfSeveralUnderDeliveries(t *testing.T) {
	st, ls := newSearch(t, model.KindScraper)
	reg := provider.NewRegistry()
	reg.Register(providertest.Returning("x", nLeads(3)...))
	reg.Register(providertest.Returning("y", nLeads(7)...))
	reg.Register(providertest.Returning("z", nLeads(7)...))

	res, err := NewScraper(reg, st, ScraperOptions{MinLeads: 10, AllowUnderDeliveryFallback: true}).
		Run(context.Background(), Request{LeadSearchID: ls.ID, Providers: []string{"x", "y", "z"}})
	require.NoError(t, err)
	assert.Equal(t, "y", res.Provider)
}

func TestScraper_NoFallbackReturnsFirstSuccess(t *testing.T) {
	st, ls := newSearch(t, model.KindScraper)
	reg := provider.NewRegistry()
	reg.Register(providertest.Returning("x", nLeads(1)...))
	next := providertest.Returning("y", nLeads(50)...)
	reg.Register(next)

	res, err := NewScraper(reg, st, ScraperOptions{MinLeads: 10}).
		Run(context.Background(), Request{LeadSearchID: ls.ID, Providers: []string{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Provider)
	assert.Equal(t, 0, next.Calls())
}

func TestScraper_AllFailed(t *testing.T) {
	st, ls := newSearch(t, model.KindScraper)
	reg := provider.NewRegistry()
	reg.Register(providertest.Failing("x", errors.New("boom")))

	_, err := NewScraper(reg, st, ScraperOptions{MinLeads: 1, AllowUnderDeliveryFallback: true}).
		Run(context.Background(), Request{LeadSearchID: ls.ID, Providers: []string{"x", "nope"}})
	var ae *AggregateError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, err.Error(), "x: boom")
	assert.Contains(t, err.Error(), `nope: provider "nope" is not configured`)
}

func TestScraper_DrivesSteppableThroughOneShotWrapper(t *testing.T) {
	st, ls := newSearch(t, model.KindScraper)
	reg := provider.NewRegistry()
	step := &providertest.Steppable{
		Name:     "apify",
		Interval: time.Millisecond,
		MaxPolls: 5,
		RunID:    "act-1",
		Statuses: []provider.StatusResult{
			providertest.Status(provider.JobRunning),
			providertest.Status(provider.JobSucceeded),
		},
		Leads: leads("s@x.com"),
	}
	reg.Register(step)

	res, err := NewScraper(reg, st, ScraperOptions{MinLeads: 1}).
		Run(context.Background(), Request{LeadSearchID: ls.ID, Providers: []string{"apify"}})
	require.NoError(t, err)
	assert.Equal(t, "act-1", res.ProviderRunID)
	assert.Equal(t, "apify.csv", res.FileNameHint)
	assert.Equal(t, 1, step.StartCalls())
	assert.Equal(t, 2, step.StatusCalls())
}
