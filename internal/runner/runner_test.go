package runner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/finish"
	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/notify"
	"github.com/sells-group/leadgen-cli/internal/orchestrator"
	"github.com/sells-group/leadgen-cli/internal/persist"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/provider/providertest"
	"github.com/sells-group/leadgen-cli/internal/queue"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/internal/stepjob"
	"github.com/sells-group/leadgen-cli/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) PostEvent(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg.Payload.Event)
	return nil
}

type env struct {
	st     *store.SQLiteStore
	reg    *provider.Registry
	rec    *recorder
	runner *Runner
}

func newEnv(t *testing.T, opts Options, adapters ...provider.Adapter) *env {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg := provider.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	rec := &recorder{}
	f := finish.New(st, persist.New(st), rec)
	r := New(st, reg,
		orchestrator.NewLeadDB(reg, st),
		orchestrator.NewScraper(reg, st, orchestrator.ScraperOptions{MinLeads: 1, AllowUnderDeliveryFallback: true}),
		stepjob.New(st, f, stepjob.DefaultConfig()),
		f, opts)
	return &env{st: st, reg: reg, rec: rec, runner: r}
}

func (e *env) search(t *testing.T, kind model.SearchKind, providerName, query string) *model.LeadSearch {
	t.Helper()
	ls := &model.LeadSearch{
		ThreadID: "thread-1",
		Provider: providerName,
		Kind:     kind,
		Query:    json.RawMessage(query),
		Limit:    10,
	}
	require.NoError(t, e.st.CreateLeadSearch(context.Background(), ls))
	return ls
}

func (e *env) handle(t *testing.T, ls *model.LeadSearch, attempt int) (queue.Outcome, error) {
	t.Helper()
	job := queue.NewJob(ls.ID, model.JobPayload{LeadSearchID: ls.ID}, attempt, nil)
	return e.runner.Handle(context.Background(), job)
}

func (e *env) reload(t *testing.T, id string) *model.LeadSearch {
	t.Helper()
	ls, err := e.st.GetLeadSearch(context.Background(), id)
	require.NoError(t, err)
	return ls
}

const validQuery = `{"titles":["CTO"]}`

func TestHandle_LeadDBMergesProviders(t *testing.T) {
	e := newEnv(t, Options{},
		providertest.Returning("apollo",
			model.NormalizedLead{ExternalID: "a1", Email: "jane@acme.com"},
			model.NormalizedLead{ExternalID: "a2", Email: "bob@acme.com"}),
		providertest.Returning("pdl",
			model.NormalizedLead{ExternalID: "p1", Email: "JANE@acme.com"},
			model.NormalizedLead{ExternalID: "p2", Email: "eve@acme.com"}),
	)
	require.NoError(t, e.reg.SetAlias("leaddb", []string{"apollo", "pdl"}))
	ls := e.search(t, model.KindLeadDB, "leaddb", validQuery)

	out, err := e.handle(t, ls, 1)
	require.NoError(t, err)
	assert.False(t, out.Suspended)

	got := e.reload(t, ls.ID)
	assert.Equal(t, model.SearchDone, got.Status)
	assert.Equal(t, 3, got.TotalLeads)

	leads, err := e.st.ListSearchLeads(context.Background(), ls.ID)
	require.NoError(t, err)
	assert.Len(t, leads, 3)
	assert.Equal(t, []notify.Event{notify.EventCompleted}, e.rec.events)
}

func TestHandle_LeadDBAllFailed(t *testing.T) {
	e := newEnv(t, Options{},
		providertest.Failing("apollo", &provider.Error{Provider: "apollo", Code: provider.CodeQuotaExceeded, Message: "credits exhausted"}),
	)
	ls := e.search(t, model.KindLeadDB, "apollo", validQuery)

	out, err := e.handle(t, ls, 1)
	require.NoError(t, err)
	assert.False(t, out.Suspended)

	got := e.reload(t, ls.ID)
	assert.Equal(t, model.SearchFailed, got.Status)
	assert.Equal(t, "all providers failed: apollo: apollo: credits exhausted", got.ErrorMessage)
	assert.Equal(t, []notify.Event{notify.EventFailed}, e.rec.events)
}

func TestHandle_InvalidQueryFailsWithoutRuns(t *testing.T) {
	apollo := providertest.Returning("apollo")
	e := newEnv(t, Options{}, apollo)
	ls := e.search(t, model.KindLeadDB, "apollo", `{}`)

	_, err := e.handle(t, ls, 1)
	require.NoError(t, err)

	assert.Equal(t, model.SearchFailed, e.reload(t, ls.ID).Status)
	assert.Equal(t, 0, apollo.Calls())
	runs, err := e.st.ListRuns(context.Background(), model.RunFilter{LeadSearchID: ls.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHandle_TerminalSearchIsSkipped(t *testing.T) {
	apollo := providertest.Returning("apollo", model.NormalizedLead{Email: "a@x.com"})
	e := newEnv(t, Options{}, apollo)
	ls := e.search(t, model.KindLeadDB, "apollo", validQuery)

	_, err := e.handle(t, ls, 1)
	require.NoError(t, err)
	out, err := e.handle(t, ls, 1)
	require.NoError(t, err)

	assert.False(t, out.Suspended)
	assert.Equal(t, 1, apollo.Calls())
	assert.Len(t, e.rec.events, 1)
}

func TestHandle_MissingSearchIsPermanent(t *testing.T) {
	e := newEnv(t, Options{})
	job := queue.NewJob("nope", model.JobPayload{LeadSearchID: "nope"}, 1, nil)

	_, err := e.runner.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestHandle_ScraperStepMode(t *testing.T) {
	apify := &providertest.Steppable{
		Name:     "apify",
		Interval: time.Minute,
		MaxPolls: 10,
		RunID:    "act-1",
		Statuses: []provider.StatusResult{providertest.Status(provider.JobRunning)},
	}
	e := newEnv(t, Options{StepMode: true}, providertest.Returning("phantom"), apify)
	require.NoError(t, e.reg.SetAlias("scrapers", []string{"phantom", "apify"}))
	ls := e.search(t, model.KindScraper, "scrapers", validQuery)

	out, err := e.handle(t, ls, 1)
	require.NoError(t, err)
	require.True(t, out.Suspended)
	assert.Equal(t, model.StepPoll, out.Next.Step)
	assert.Equal(t, "act-1", out.Next.ProviderRunID)
	assert.Equal(t, 1, apify.StartCalls())
	assert.Equal(t, model.SearchRunning, e.reload(t, ls.ID).Status)
}

func TestHandle_ScraperSequential(t *testing.T) {
	phantom := providertest.Returning("phantom")
	apollo := providertest.Returning("apollo", model.NormalizedLead{ExternalID: "1", Email: "a@x.com"})
	e := newEnv(t, Options{StepMode: true}, phantom, apollo)
	require.NoError(t, e.reg.SetAlias("scrapers", []string{"phantom", "apollo"}))
	ls := e.search(t, model.KindScraper, "scrapers", validQuery)

	out, err := e.handle(t, ls, 1)
	require.NoError(t, err)
	assert.False(t, out.Suspended)

	got := e.reload(t, ls.ID)
	assert.Equal(t, model.SearchDone, got.Status)
	assert.Equal(t, 1, got.TotalLeads)
	assert.Equal(t, 1, phantom.Calls())
}

func TestHandle_PermanentErrorFailsSearch(t *testing.T) {
	apify := &providertest.Steppable{
		Name:     "apify",
		Interval: time.Minute,
		MaxPolls: 10,
		StartErr: resilience.Permanent(eris.New("account suspended")),
	}
	e := newEnv(t, Options{StepMode: true}, apify)
	ls := e.search(t, model.KindScraper, "apify", validQuery)

	_, err := e.handle(t, ls, 1)
	require.Error(t, err)
	assert.Equal(t, model.SearchFailed, e.reload(t, ls.ID).Status)
}

func TestHandle_LastAttemptFailsSearch(t *testing.T) {
	apify := &providertest.Steppable{
		Name:     "apify",
		Interval: time.Minute,
		MaxPolls: 10,
		StartErr: eris.New("connection reset by peer"),
	}
	e := newEnv(t, Options{StepMode: true, MaxAttempts: 2}, apify)
	ls := e.search(t, model.KindScraper, "apify", validQuery)

	_, err := e.handle(t, ls, 1)
	require.Error(t, err)
	assert.Equal(t, model.SearchRunning, e.reload(t, ls.ID).Status)

	_, err = e.handle(t, ls, 2)
	require.Error(t, err)
	assert.Equal(t, model.SearchFailed, e.reload(t, ls.ID).Status)
	assert.Equal(t, 2, apify.StartCalls())
	e.assertNoRunningRuns(t, ls.ID)
}

func TestHandle_LastAttemptFailsStartedRun(t *testing.T) {
	apify := &providertest.Steppable{
		Name:     "apify",
		Interval: time.Minute,
		MaxPolls: 10,
		RunID:    "act-1",
	}
	e := newEnv(t, Options{StepMode: true, MaxAttempts: 2}, apify)
	ls := e.search(t, model.KindScraper, "apify", validQuery)

	out, err := e.handle(t, ls, 1)
	require.NoError(t, err)
	require.True(t, out.Suspended)

	apify.StatusErr = eris.New("connection reset by peer")
	job := queue.NewJob(ls.ID, model.JobPayload{LeadSearchID: ls.ID, Scraper: out.Next}, 2, nil)
	_, err = e.runner.Handle(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, model.SearchFailed, e.reload(t, ls.ID).Status)
	e.assertNoRunningRuns(t, ls.ID)

	runs, err := e.st.ListRuns(context.Background(), model.RunFilter{LeadSearchID: ls.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "connection reset by peer")
	assert.Equal(t, "act-1", model.ParseRunMeta(runs[0].ResponseMeta).ProviderRunID)
}

func (e *env) assertNoRunningRuns(t *testing.T, leadSearchID string) {
	t.Helper()
	runs, err := e.st.ListRuns(context.Background(), model.RunFilter{LeadSearchID: leadSearchID})
	require.NoError(t, err)
	for _, r := range runs {
		assert.NotEqual(t, model.RunRunning, r.Status, "run %s attempt %d", r.ID, r.Attempt)
	}
}
