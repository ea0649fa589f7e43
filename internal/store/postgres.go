package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/db"
	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres opens a pool against connString and pings it.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool so the job queue can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS lead_searches (
	id              TEXT PRIMARY KEY,
	thread_id       TEXT,
	provider        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	query           JSONB NOT NULL,
	lead_limit      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	total_leads     INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	triggered_by_id TEXT,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lead_search_runs (
	id              TEXT PRIMARY KEY,
	lead_search_id  TEXT NOT NULL REFERENCES lead_searches(id),
	provider        TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	status          TEXT NOT NULL,
	external_run_id TEXT,
	leads_count     INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	request_payload JSONB,
	response_meta   JSONB,
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_lead_search_runs_search_provider
	ON lead_search_runs(lead_search_id, provider, status);

CREATE TABLE IF NOT EXISTS leads (
	id             TEXT PRIMARY KEY,
	first_name     TEXT,
	last_name      TEXT,
	full_name      TEXT,
	title          TEXT,
	company        TEXT,
	company_domain TEXT,
	company_url    TEXT,
	linkedin_url   TEXT,
	location       TEXT,
	email          TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT leads_email_key UNIQUE (email),
	CONSTRAINT leads_linkedin_url_key UNIQUE (linkedin_url)
);

CREATE TABLE IF NOT EXISTS lead_provider_refs (
	provider    TEXT NOT NULL,
	external_id TEXT NOT NULL,
	lead_id     TEXT NOT NULL REFERENCES leads(id),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider, external_id)
);

CREATE TABLE IF NOT EXISTS lead_search_leads (
	lead_search_id TEXT NOT NULL REFERENCES lead_searches(id),
	lead_id        TEXT NOT NULL REFERENCES leads(id),
	position       INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (lead_search_id, lead_id)
);

CREATE TABLE IF NOT EXISTS lead_search_run_results (
	run_id     TEXT NOT NULL REFERENCES lead_search_runs(id),
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	position   INTEGER NOT NULL,
	raw        JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lead_search_run_results_run ON lead_search_run_results(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Lead searches ---

const searchColumns = `id, COALESCE(thread_id, ''), provider, kind, query, lead_limit, status, total_leads,
	COALESCE(error_message, ''), COALESCE(triggered_by_id, ''), started_at, completed_at, created_at, updated_at`

func (s *PostgresStore) CreateLeadSearch(ctx context.Context, ls *model.LeadSearch) error {
	if ls.ID == "" {
		ls.ID = uuid.New().String()
	}
	if ls.Status == "" {
		ls.Status = model.SearchPending
	}
	now := time.Now().UTC()
	ls.CreatedAt, ls.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO lead_searches (id, thread_id, provider, kind, query, lead_limit, status, triggered_by_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ls.ID, nullable(ls.ThreadID), ls.Provider, string(ls.Kind), nullJSON(ls.Query), ls.Limit,
		string(ls.Status), nullable(ls.TriggeredByID), now, now,
	)
	return eris.Wrapf(err, "postgres: insert lead search %s", ls.ID)
}

func (s *PostgresStore) GetLeadSearch(ctx context.Context, id string) (*model.LeadSearch, error) {
	ls, err := scanLeadSearch(s.pool.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM lead_searches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ls, eris.Wrapf(err, "postgres: get lead search %s", id)
}

func (s *PostgresStore) UpdateLeadSearch(ctx context.Context, id string, u model.SearchUpdate) error {
	startedAt, completedAt := transitionTimes(u.Status)
	tag, err := s.pool.Exec(ctx,
		`UPDATE lead_searches
		 SET status = $2, total_leads = $3, error_message = $4,
		     started_at = COALESCE(started_at, $5), completed_at = COALESCE($6, completed_at), updated_at = $7
		 WHERE id = $1 AND status NOT IN ('DONE', 'DONE_NO_RESULTS', 'FAILED')`,
		id, string(u.Status), u.TotalLeads, nullable(u.ErrorMessage), startedAt, completedAt, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead search %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	ls, err := s.GetLeadSearch(ctx, id)
	if err != nil {
		return err
	}
	if ls == nil {
		return eris.Wrapf(ErrNotFound, "lead search %s", id)
	}
	return eris.Wrapf(ErrSearchTerminal, "lead search %s is %s", id, ls.Status)
}

// transitionTimes returns the started_at/completed_at values a status
// transition should set, nil meaning "leave as is".
func transitionTimes(status model.SearchStatus) (startedAt, completedAt *time.Time) {
	now := time.Now().UTC()
	startedAt = &now
	if status.Terminal() {
		completedAt = &now
	}
	return startedAt, completedAt
}

// --- Runs ---

const runColumns = `id, lead_search_id, provider, attempt, status, COALESCE(external_run_id, ''), leads_count,
	COALESCE(error_message, ''), request_payload, response_meta, started_at, finished_at`

func (s *PostgresStore) CreateRun(ctx context.Context, leadSearchID, provider string, request json.RawMessage) (*model.Run, error) {
	r := &model.Run{
		ID:             uuid.New().String(),
		LeadSearchID:   leadSearchID,
		Provider:       provider,
		Status:         model.RunRunning,
		RequestPayload: request,
		StartedAt:      time.Now().UTC(),
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO lead_search_runs (id, lead_search_id, provider, attempt, status, request_payload, started_at)
		 SELECT $1, $2, $3, COALESCE(MAX(attempt), 0) + 1, $4, $5, $6
		 FROM lead_search_runs WHERE lead_search_id = $2 AND provider = $3
		 RETURNING attempt`,
		r.ID, leadSearchID, provider, string(model.RunRunning), nullJSON(request), r.StartedAt,
	).Scan(&r.Attempt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for %s/%s", leadSearchID, provider)
	}
	return r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM lead_search_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, eris.Wrapf(err, "postgres: get run %s", id)
}

func (s *PostgresStore) FindRunningRun(ctx context.Context, leadSearchID, provider string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM lead_search_runs
		 WHERE lead_search_id = $1 AND provider = $2 AND status = $3
		 ORDER BY attempt DESC LIMIT 1`,
		leadSearchID, provider, string(model.RunRunning)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, eris.Wrapf(err, "postgres: find running run %s/%s", leadSearchID, provider)
}

func (s *PostgresStore) SetRunExternalID(ctx context.Context, runID, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lead_search_runs SET external_run_id = $2
		 WHERE id = $1 AND (external_run_id IS NULL OR external_run_id = $2)`,
		runID, externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set external run id %s", runID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return externalIDConflict(runID, externalID, r)
}

// externalIDConflict explains why an external id update touched no row.
func externalIDConflict(runID, externalID string, r *model.Run) error {
	if r == nil {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return resilience.Permanent(eris.Wrapf(ErrExternalRunIDMismatch,
		"run %s already has external id %q, refusing %q", runID, r.ExternalRunID, externalID))
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, leadsCount int, meta json.RawMessage) error {
	return s.finishRun(ctx, runID, model.RunSuccess, leadsCount, "", meta)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID, message string, meta json.RawMessage) error {
	return s.finishRun(ctx, runID, model.RunFailed, 0, message, meta)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, leadsCount int, message string, meta json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lead_search_runs
		 SET status = $2, leads_count = $3, error_message = $4, response_meta = COALESCE($5, response_meta), finished_at = $6
		 WHERE id = $1`,
		runID, string(status), leadsCount, nullable(message), nullJSON(meta), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM lead_search_runs WHERE true`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if filter.LeadSearchID != "" {
		add(` AND lead_search_id = $%d`, filter.LeadSearchID)
	}
	if filter.Provider != "" {
		add(` AND provider = $%d`, filter.Provider)
	}
	if filter.Status != "" {
		add(` AND status = $%d`, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	add(` LIMIT $%d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) InsertRunResults(ctx context.Context, results []model.RunResult) error {
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = []any{r.RunID, r.LeadID, r.Position, nullJSON(r.Raw)}
	}
	_, err := db.CopyFrom(ctx, s.pool, "lead_search_run_results", []string{"run_id", "lead_id", "position", "raw"}, rows)
	return err
}

// --- Leads ---

// leadSelect returns the lead select list, with column names qualified by
// alias when one is given.
func leadSelect(alias string) string {
	cols := make([]string, 0, len(model.LeadColumns)+3)
	cols = append(cols, alias+"id")
	for _, c := range model.LeadColumns {
		cols = append(cols, fmt.Sprintf("COALESCE(%s%s, '')", alias, c))
	}
	cols = append(cols, alias+"created_at", alias+"updated_at")
	return strings.Join(cols, ", ")
}

var leadColumns = leadSelect("")

func (s *PostgresStore) findLead(ctx context.Context, what, query string, args ...any) (*model.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "postgres: find lead by %s", what)
}

func (s *PostgresStore) FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error) {
	return s.findLead(ctx, "email", `SELECT `+leadColumns+` FROM leads WHERE email = $1`, email)
}

func (s *PostgresStore) FindLeadByLinkedIn(ctx context.Context, linkedinURL string) (*model.Lead, error) {
	return s.findLead(ctx, "linkedin", `SELECT `+leadColumns+` FROM leads WHERE linkedin_url = $1`, linkedinURL)
}

func (s *PostgresStore) FindLeadByProviderRef(ctx context.Context, provider, externalID string) (*model.Lead, error) {
	return s.findLead(ctx, "provider ref",
		`SELECT `+leadSelect("l.")+` FROM leads l
		 JOIN lead_provider_refs r ON r.lead_id = l.id
		 WHERE r.provider = $1 AND r.external_id = $2`,
		provider, externalID)
}

func (s *PostgresStore) CreateLead(ctx context.Context, l *model.Lead) error {
	id := uuid.New().String()
	now := time.Now().UTC()

	args := append([]any{id}, leadArgs(l)...)
	args = append(args, now, now)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leads (id, `+strings.Join(model.LeadColumns, ", ")+`, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		args...,
	)
	if err != nil {
		return eris.Wrap(fromPgError(err), "postgres: insert lead")
	}
	l.ID, l.CreatedAt, l.UpdatedAt = id, now, now
	return nil
}

// PatchLead fills the patched columns that are still empty. A column another
// writer populated since the caller read the lead keeps its value.
func (s *PostgresStore) PatchLead(ctx context.Context, id string, patch model.LeadPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%[1]s = COALESCE(NULLIF(%[1]s, ''), $%[2]d)", c, i+1)
		args = append(args, patch[c])
	}
	args = append(args, time.Now().UTC(), id)
	query := fmt.Sprintf(`UPDATE leads SET %s, updated_at = $%d WHERE id = $%d`,
		strings.Join(sets, ", "), len(cols)+1, len(cols)+2)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(fromPgError(err), "postgres: patch lead %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "lead %s", id)
	}
	return nil
}

func (s *PostgresStore) CreateProviderRef(ctx context.Context, ref model.ProviderRef) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO lead_provider_refs (provider, external_id, lead_id, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (provider, external_id) DO NOTHING`,
		ref.Provider, ref.ExternalID, ref.LeadID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert provider ref")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) LinkLeads(ctx context.Context, leadSearchID string, leadIDs []string) (int, error) {
	rows := make([][]any, len(leadIDs))
	for i, id := range leadIDs {
		rows[i] = []any{leadSearchID, id, i}
	}
	n, err := db.InsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        "lead_search_leads",
		Columns:      []string{"lead_search_id", "lead_id", "position"},
		ConflictKeys: []string{"lead_search_id", "lead_id"},
	}, rows)
	return int(n), err
}

func (s *PostgresStore) ListSearchLeads(ctx context.Context, leadSearchID string) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leadSelect("l.")+` FROM leads l
		 JOIN lead_search_leads sl ON sl.lead_id = l.id
		 WHERE sl.lead_search_id = $1
		 ORDER BY sl.position`,
		leadSearchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list leads for %s", leadSearchID)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}
