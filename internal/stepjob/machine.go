// Package stepjob drives a steppable provider run through INIT, POLL and
// FETCH, one short tick at a time. Between ticks the job is suspended and
// its continuation persisted, so a worker can crash or redeploy mid-run
// without losing the provider job or starting it twice.
package stepjob

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/finish"
	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/queue"
)

// Store is the subset of store.Store the machine reads and writes Runs with.
type Store interface {
	CreateRun(ctx context.Context, leadSearchID, provider string, request json.RawMessage) (*model.Run, error)
	FindRunningRun(ctx context.Context, leadSearchID, provider string) (*model.Run, error)
	SetRunExternalID(ctx context.Context, runID, externalID string) error
	CompleteRun(ctx context.Context, runID string, leadsCount int, meta json.RawMessage) error
	FailRun(ctx context.Context, runID, message string, meta json.RawMessage) error
}

// Finisher delivers results and ends the lead search.
type Finisher interface {
	Deliver(ctx context.Context, ls *model.LeadSearch, batches []finish.Batch) (*finish.Delivery, error)
	Complete(ctx context.Context, ls *model.LeadSearch, total int) error
	Fail(ctx context.Context, ls *model.LeadSearch, cause error) error
}

// Config holds the INIT crash-window heuristics.
type Config struct {
	// InitGracePeriod is how long a RUNNING Run without a provider job id
	// is assumed to belong to a start call still in flight.
	InitGracePeriod time.Duration
	// InitRetryDelay is how long INIT waits before looking again.
	InitRetryDelay time.Duration
}

// DefaultConfig returns the default INIT timings.
func DefaultConfig() Config {
	return Config{InitGracePeriod: 120 * time.Second, InitRetryDelay: 15 * time.Second}
}

// Machine executes ticks.
type Machine struct {
	store    Store
	finisher Finisher
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// New creates a Machine.
func New(st Store, f Finisher, cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.InitGracePeriod <= 0 {
		cfg.InitGracePeriod = def.InitGracePeriod
	}
	if cfg.InitRetryDelay <= 0 {
		cfg.InitRetryDelay = def.InitRetryDelay
	}
	return &Machine{
		store:    st,
		finisher: f,
		cfg:      cfg,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "stepjob")),
	}
}

// tick is the state of one Tick call.
type tick struct {
	ls   *model.LeadSearch
	q    model.CanonicalQuery
	p    provider.Steppable
	job  *queue.Job
	cont *model.Continuation
	log  *zap.Logger
}

// Tick advances the search's steppable run by one step. It either finishes
// the job or suspends it with the next continuation. Errors are left to the
// job runtime's retry policy.
func (m *Machine) Tick(ctx context.Context, ls *model.LeadSearch, q model.CanonicalQuery, p provider.Steppable, job *queue.Job) (queue.Outcome, error) {
	cont := job.Payload.Scraper
	if cont == nil {
		cont = &model.Continuation{Step: model.StepInit}
	} else {
		c := *cont
		cont = &c
	}
	t := &tick{
		ls:   ls,
		q:    q,
		p:    p,
		job:  job,
		cont: cont,
		log:  m.log.With(zap.String("lead_search_id", ls.ID), zap.String("provider", p.ID())),
	}

	switch cont.Step {
	case model.StepInit, "":
		return m.init(ctx, t)
	case model.StepPoll:
		return m.poll(ctx, t)
	case model.StepFetch:
		return m.fetch(ctx, t, nil)
	default:
		return queue.Outcome{}, eris.Errorf("stepjob: unknown step %q", cont.Step)
	}
}

// init starts the provider job at most once per attempt.
func (m *Machine) init(ctx context.Context, t *tick) (queue.Outcome, error) {
	if t.cont.HasRun() {
		t.cont.Step = model.StepPoll
		return m.poll(ctx, t)
	}

	run, err := m.store.FindRunningRun(ctx, t.ls.ID, t.p.ID())
	if err != nil {
		return queue.Outcome{}, eris.Wrap(err, "stepjob: find running run")
	}
	if run != nil && run.ExternalRunID != "" {
		t.log.Info("adopting running provider job",
			zap.String("run_id", run.ID), zap.String("provider_run_id", run.ExternalRunID))
		m.adopt(t, run)
		return m.poll(ctx, t)
	}
	if run != nil {
		age := m.now().Sub(run.StartedAt)
		if age < m.cfg.InitGracePeriod {
			t.log.Info("run has no provider job id yet, waiting",
				zap.String("run_id", run.ID), zap.Duration("age", age))
			t.cont.Step = model.StepInit
			return queue.Suspend(m.now().Add(m.cfg.InitRetryDelay), t.cont), nil
		}
		t.log.Warn("abandoning run that never recorded a provider job id",
			zap.String("run_id", run.ID), zap.Duration("age", age))
		if err := m.store.FailRun(ctx, run.ID, "provider job id was never recorded", nil); err != nil {
			return queue.Outcome{}, eris.Wrap(err, "stepjob: fail abandoned run")
		}
	}

	return m.start(ctx, t)
}

func (m *Machine) adopt(t *tick, run *model.Run) {
	meta := model.ParseRunMeta(run.ResponseMeta)
	t.cont.Step = model.StepPoll
	t.cont.RunID = run.ID
	t.cont.ProviderRunID = run.ExternalRunID
	t.cont.PollAttempt = meta.PollAttempts
	t.cont.FileNameHint = meta.FileNameHint
	if t.cont.InitAtMs == 0 {
		t.cont.InitAtMs = run.StartedAt.UnixMilli()
	}
}

func (m *Machine) start(ctx context.Context, t *tick) (queue.Outcome, error) {
	run, err := m.store.CreateRun(ctx, t.ls.ID, t.p.ID(), requestPayload(t.q, t.ls.Limit))
	if err != nil {
		return queue.Outcome{}, eris.Wrap(err, "stepjob: create run")
	}
	log := t.log.With(zap.String("run_id", run.ID), zap.Int("attempt", run.Attempt))

	started, err := t.p.Start(ctx, t.q, t.ls.Limit)
	if err != nil {
		log.Warn("provider start failed", zap.Error(err))
		if ferr := m.store.FailRun(ctx, run.ID, provider.UserMessage(err), nil); ferr != nil {
			return queue.Outcome{}, eris.Wrap(ferr, "stepjob: fail run after start error")
		}
		if isFatal(err) {
			return m.failSearch(ctx, t, err)
		}
		return queue.Outcome{}, eris.Wrap(err, "stepjob: start provider job")
	}

	t.cont = &model.Continuation{
		Step:          model.StepPoll,
		RunID:         run.ID,
		ProviderRunID: started.ProviderRunID,
		InitAtMs:      m.now().UnixMilli(),
		FileNameHint:  started.FileNameHint,
	}
	// The continuation goes first: if the process dies before the Run row
	// is updated, the next tick still knows the provider job.
	if err := t.job.Checkpoint(ctx, t.cont); err != nil {
		return queue.Outcome{}, eris.Wrap(err, "stepjob: checkpoint continuation")
	}
	if err := m.store.SetRunExternalID(ctx, run.ID, started.ProviderRunID); err != nil {
		return queue.Outcome{}, eris.Wrap(err, "stepjob: record provider job id")
	}

	log.Info("provider job started", zap.String("provider_run_id", started.ProviderRunID))
	return queue.Suspend(m.now().Add(t.p.PollInterval()), t.cont), nil
}

// poll checks the provider job once.
func (m *Machine) poll(ctx context.Context, t *tick) (queue.Outcome, error) {
	if !t.cont.HasRun() {
		run, err := m.store.FindRunningRun(ctx, t.ls.ID, t.p.ID())
		if err != nil {
			return queue.Outcome{}, eris.Wrap(err, "stepjob: find running run")
		}
		if run == nil || run.ExternalRunID == "" {
			t.log.Warn("no provider job to poll, restarting from INIT")
			t.cont = &model.Continuation{Step: model.StepInit}
			return m.init(ctx, t)
		}
		m.adopt(t, run)
	}

	st, err := t.p.CheckStatus(ctx, t.cont.ProviderRunID)
	if err != nil {
		return m.providerError(ctx, t, err, "check status")
	}
	return m.onStatus(ctx, t, st)
}

func (m *Machine) onStatus(ctx context.Context, t *tick, st *provider.StatusResult) (queue.Outcome, error) {
	t.cont.LastStatus = string(st.Status)
	log := t.log.With(
		zap.String("run_id", t.cont.RunID),
		zap.String("provider_run_id", t.cont.ProviderRunID),
		zap.String("status", string(st.Status)),
	)

	switch st.Status {
	case provider.JobSucceeded:
		t.cont.Step = model.StepFetch
		return m.fetch(ctx, t, st)

	case provider.JobFailed:
		msg := st.Message
		if msg == "" {
			msg = "provider job " + t.cont.ProviderRunID + " failed"
		}
		log.Warn("provider job failed", zap.String("reason", msg))
		cause := &provider.Error{Provider: t.p.ID(), Code: provider.CodeJobFailed, Message: msg}
		if err := m.store.FailRun(ctx, t.cont.RunID, provider.UserMessage(cause), m.meta(t)); err != nil {
			return queue.Outcome{}, eris.Wrap(err, "stepjob: fail run")
		}
		return m.failSearch(ctx, t, cause)

	default:
		t.cont.Step = model.StepPoll
		t.cont.PollAttempt++
		if t.cont.PollAttempt >= t.p.MaxPollAttempts() {
			log.Warn("provider job timed out", zap.Int("poll_attempts", t.cont.PollAttempt))
			cause := &provider.Error{
				Provider: t.p.ID(),
				Code:     provider.CodeTimeout,
				Message:  "provider job " + t.cont.ProviderRunID + " did not finish in time",
			}
			if err := m.store.FailRun(ctx, t.cont.RunID, provider.UserMessage(cause), m.meta(t)); err != nil {
				return queue.Outcome{}, eris.Wrap(err, "stepjob: fail timed out run")
			}
			return m.failSearch(ctx, t, cause)
		}
		log.Debug("provider job still running", zap.Int("poll_attempt", t.cont.PollAttempt))
		return queue.Suspend(m.now().Add(t.p.PollInterval()), t.cont), nil
	}
}

// fetch reads and persists the results. st is the status seen in this
// tick; a tick resumed at FETCH re-checks it first.
func (m *Machine) fetch(ctx context.Context, t *tick, st *provider.StatusResult) (queue.Outcome, error) {
	if !t.cont.HasRun() {
		t.cont.Step = model.StepPoll
		return m.poll(ctx, t)
	}
	if st == nil {
		fresh, err := t.p.CheckStatus(ctx, t.cont.ProviderRunID)
		if err != nil {
			return m.providerError(ctx, t, err, "recheck status")
		}
		if fresh.Status != provider.JobSucceeded {
			t.log.Warn("stale FETCH continuation, back to POLL", zap.String("status", string(fresh.Status)))
			return m.onStatus(ctx, t, fresh)
		}
		st = fresh
	}

	leads, err := t.p.FetchLeads(ctx, provider.FetchRequest{
		ProviderRunID: t.cont.ProviderRunID,
		Query:         t.q,
		Limit:         t.ls.Limit,
		Status:        st,
	})
	if err != nil {
		return m.providerError(ctx, t, err, "fetch leads")
	}
	for i := range leads {
		if leads[i].Provider == "" {
			leads[i].Provider = t.p.ID()
		}
	}

	delivery, err := m.finisher.Deliver(ctx, t.ls, []finish.Batch{{RunID: t.cont.RunID, Leads: leads}})
	if err != nil {
		return queue.Outcome{}, err
	}
	if err := m.store.CompleteRun(ctx, t.cont.RunID, len(leads), m.meta(t)); err != nil {
		return queue.Outcome{}, eris.Wrap(err, "stepjob: complete run")
	}
	if err := m.finisher.Complete(ctx, t.ls, len(delivery.LeadIDs)); err != nil {
		return queue.Outcome{}, err
	}

	t.log.Info("provider job finished",
		zap.String("run_id", t.cont.RunID),
		zap.Int("fetched", len(leads)),
		zap.Int("delivered", len(delivery.LeadIDs)),
	)
	return queue.Done(), nil
}

// providerError fails the Run and search for provider-declared errors and
// hands anything else to the runtime's retries.
func (m *Machine) providerError(ctx context.Context, t *tick, err error, op string) (queue.Outcome, error) {
	if !isFatal(err) {
		return queue.Outcome{}, eris.Wrapf(err, "stepjob: %s", op)
	}
	t.log.Warn("provider rejected the job", zap.String("op", op), zap.Error(err))
	if ferr := m.store.FailRun(ctx, t.cont.RunID, provider.UserMessage(err), m.meta(t)); ferr != nil {
		return queue.Outcome{}, eris.Wrap(ferr, "stepjob: fail run")
	}
	return m.failSearch(ctx, t, err)
}

// Abandon fails the search's RUNNING run for p after the job runtime gives
// up on it. cont is the last continuation, if any, and supplies the run meta.
func (m *Machine) Abandon(ctx context.Context, ls *model.LeadSearch, p provider.Steppable, cont *model.Continuation, cause error) error {
	run, err := m.store.FindRunningRun(ctx, ls.ID, p.ID())
	if err != nil {
		return eris.Wrap(err, "stepjob: find running run")
	}
	if run == nil {
		return nil
	}
	var meta json.RawMessage
	if cont != nil && cont.RunID == run.ID {
		meta = m.meta(&tick{cont: cont})
	}
	m.log.Warn("abandoning run after retries ran out",
		zap.String("lead_search_id", ls.ID), zap.String("run_id", run.ID), zap.Error(cause))
	if err := m.store.FailRun(ctx, run.ID, provider.UserMessage(cause), meta); err != nil {
		return eris.Wrap(err, "stepjob: fail abandoned run")
	}
	return nil
}

func (m *Machine) failSearch(ctx context.Context, t *tick, cause error) (queue.Outcome, error) {
	if err := m.finisher.Fail(ctx, t.ls, cause); err != nil {
		return queue.Outcome{}, err
	}
	return queue.Done(), nil
}

func (m *Machine) meta(t *tick) json.RawMessage {
	return model.RunMeta{
		ProviderRunID: t.cont.ProviderRunID,
		FileNameHint:  t.cont.FileNameHint,
		LastStatus:    t.cont.LastStatus,
		PollAttempts:  t.cont.PollAttempt,
	}.JSON()
}

// isFatal reports errors no retry can fix: provider-declared failures,
// invalid queries and missing providers.
func isFatal(err error) bool {
	var pe *provider.Error
	return errors.As(err, &pe) || provider.IsConfigError(err) || model.IsValidationError(err)
}

func requestPayload(q model.CanonicalQuery, limit int) json.RawMessage {
	b, _ := json.Marshal(struct {
		Query model.CanonicalQuery `json:"query"`
		Limit int                  `json:"limit"`
	}{q, limit})
	return b
}
