package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS lead_searches (
	id              TEXT PRIMARY KEY,
	thread_id       TEXT,
	provider        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	query           TEXT NOT NULL,
	lead_limit      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	total_leads     INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	triggered_by_id TEXT,
	started_at      DATETIME,
	completed_at    DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
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
	request_payload TEXT,
	response_meta   TEXT,
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME
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
	linkedin_url   TEXT UNIQUE,
	location       TEXT,
	email          TEXT UNIQUE,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_provider_refs (
	provider    TEXT NOT NULL,
	external_id TEXT NOT NULL,
	lead_id     TEXT NOT NULL REFERENCES leads(id),
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (provider, external_id)
);

CREATE TABLE IF NOT EXISTS lead_search_leads (
	lead_search_id TEXT NOT NULL REFERENCES lead_searches(id),
	lead_id        TEXT NOT NULL REFERENCES leads(id),
	position       INTEGER NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (lead_search_id, lead_id)
);

CREATE TABLE IF NOT EXISTS lead_search_run_results (
	run_id     TEXT NOT NULL REFERENCES lead_search_runs(id),
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	position   INTEGER NOT NULL,
	raw        TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_lead_search_run_results_run ON lead_search_run_results(run_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Lead searches ---

func (s *SQLiteStore) CreateLeadSearch(ctx context.Context, ls *model.LeadSearch) error {
	if ls.ID == "" {
		ls.ID = uuid.New().String()
	}
	if ls.Status == "" {
		ls.Status = model.SearchPending
	}
	now := time.Now().UTC()
	ls.CreatedAt, ls.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_searches (id, thread_id, provider, kind, query, lead_limit, status, triggered_by_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ls.ID, nullable(ls.ThreadID), ls.Provider, string(ls.Kind), string(ls.Query), ls.Limit,
		string(ls.Status), nullable(ls.TriggeredByID), now, now,
	)
	return eris.Wrapf(err, "sqlite: insert lead search %s", ls.ID)
}

func (s *SQLiteStore) GetLeadSearch(ctx context.Context, id string) (*model.LeadSearch, error) {
	ls, err := scanLeadSearch(s.db.QueryRowContext(ctx,
		`SELECT `+searchColumns+` FROM lead_searches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ls, eris.Wrapf(err, "sqlite: get lead search %s", id)
}

func (s *SQLiteStore) UpdateLeadSearch(ctx context.Context, id string, u model.SearchUpdate) error {
	startedAt, completedAt := transitionTimes(u.Status)
	res, err := s.db.ExecContext(ctx,
		`UPDATE lead_searches
		 SET status = ?, total_leads = ?, error_message = ?,
		     started_at = COALESCE(started_at, ?), completed_at = COALESCE(?, completed_at), updated_at = ?
		 WHERE id = ? AND status NOT IN ('DONE', 'DONE_NO_RESULTS', 'FAILED')`,
		string(u.Status), u.TotalLeads, nullable(u.ErrorMessage), startedAt, completedAt, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead search %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
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

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, leadSearchID, provider string, request json.RawMessage) (*model.Run, error) {
	r := &model.Run{
		ID:             uuid.New().String(),
		LeadSearchID:   leadSearchID,
		Provider:       provider,
		Status:         model.RunRunning,
		RequestPayload: request,
		StartedAt:      time.Now().UTC(),
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO lead_search_runs (id, lead_search_id, provider, attempt, status, request_payload, started_at)
		 SELECT ?, ?, ?, COALESCE(MAX(attempt), 0) + 1, ?, ?, ?
		 FROM lead_search_runs WHERE lead_search_id = ? AND provider = ?
		 RETURNING attempt`,
		r.ID, leadSearchID, provider, string(model.RunRunning), nullJSON(request), r.StartedAt, leadSearchID, provider,
	).Scan(&r.Attempt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for %s/%s", leadSearchID, provider)
	}
	return r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM lead_search_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, eris.Wrapf(err, "sqlite: get run %s", id)
}

func (s *SQLiteStore) FindRunningRun(ctx context.Context, leadSearchID, provider string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM lead_search_runs
		 WHERE lead_search_id = ? AND provider = ? AND status = ?
		 ORDER BY attempt DESC LIMIT 1`,
		leadSearchID, provider, string(model.RunRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, eris.Wrapf(err, "sqlite: find running run %s/%s", leadSearchID, provider)
}

func (s *SQLiteStore) SetRunExternalID(ctx context.Context, runID, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lead_search_runs SET external_run_id = ?
		 WHERE id = ? AND (external_run_id IS NULL OR external_run_id = ?)`,
		externalID, runID, externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set external run id %s", runID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return externalIDConflict(runID, externalID, r)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, leadsCount int, meta json.RawMessage) error {
	return s.finishRun(ctx, runID, model.RunSuccess, leadsCount, "", meta)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID, message string, meta json.RawMessage) error {
	return s.finishRun(ctx, runID, model.RunFailed, 0, message, meta)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, leadsCount int, message string, meta json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lead_search_runs
		 SET status = ?, leads_count = ?, error_message = ?, response_meta = COALESCE(?, response_meta), finished_at = ?
		 WHERE id = ?`,
		string(status), leadsCount, nullable(message), nullJSON(meta), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM lead_search_runs WHERE 1=1`
	var args []any
	if filter.LeadSearchID != "" {
		query += ` AND lead_search_id = ?`
		args = append(args, filter.LeadSearchID)
	}
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY started_at DESC, attempt DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) InsertRunResults(ctx context.Context, results []model.RunResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.inTx(ctx, "insert run results", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO lead_search_run_results (run_id, lead_id, position, raw) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for _, r := range results {
			if _, err := stmt.ExecContext(ctx, r.RunID, r.LeadID, r.Position, nullJSON(r.Raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Leads ---

func (s *SQLiteStore) findLead(ctx context.Context, what, query string, args ...any) (*model.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "sqlite: find lead by %s", what)
}

func (s *SQLiteStore) FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error) {
	return s.findLead(ctx, "email", `SELECT `+leadColumns+` FROM leads WHERE email = ?`, email)
}

func (s *SQLiteStore) FindLeadByLinkedIn(ctx context.Context, linkedinURL string) (*model.Lead, error) {
	return s.findLead(ctx, "linkedin", `SELECT `+leadColumns+` FROM leads WHERE linkedin_url = ?`, linkedinURL)
}

func (s *SQLiteStore) FindLeadByProviderRef(ctx context.Context, provider, externalID string) (*model.Lead, error) {
	return s.findLead(ctx, "provider ref",
		`SELECT `+leadSelect("l.")+` FROM leads l
		 JOIN lead_provider_refs r ON r.lead_id = l.id
		 WHERE r.provider = ? AND r.external_id = ?`,
		provider, externalID)
}

func (s *SQLiteStore) CreateLead(ctx context.Context, l *model.Lead) error {
	id := uuid.New().String()
	now := time.Now().UTC()

	args := append([]any{id}, leadArgs(l)...)
	args = append(args, now, now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, `+strings.Join(model.LeadColumns, ", ")+`, created_at, updated_at)
		 VALUES (?`+strings.Repeat(", ?", len(model.LeadColumns)+2)+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrap(fromSQLiteError(err), "sqlite: insert lead")
	}
	l.ID, l.CreatedAt, l.UpdatedAt = id, now, now
	return nil
}

// PatchLead fills the patched columns that are still empty.
func (s *SQLiteStore) PatchLead(ctx context.Context, id string, patch model.LeadPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		sets[i] = c + " = COALESCE(NULLIF(" + c + ", ''), ?)"
		args = append(args, patch[c])
	}
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET `+strings.Join(sets, ", ")+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(fromSQLiteError(err), "sqlite: patch lead %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) CreateProviderRef(ctx context.Context, ref model.ProviderRef) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO lead_provider_refs (provider, external_id, lead_id, created_at) VALUES (?, ?, ?, ?)`,
		ref.Provider, ref.ExternalID, ref.LeadID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert provider ref")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) LinkLeads(ctx context.Context, leadSearchID string, leadIDs []string) (int, error) {
	if len(leadIDs) == 0 {
		return 0, nil
	}
	var linked int
	err := s.inTx(ctx, "link leads", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO lead_search_leads (lead_search_id, lead_id, position) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for i, id := range leadIDs {
			res, err := stmt.ExecContext(ctx, leadSearchID, id, i)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			linked += int(n)
		}
		return nil
	})
	return linked, err
}

func (s *SQLiteStore) ListSearchLeads(ctx context.Context, leadSearchID string) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadSelect("l.")+` FROM leads l
		 JOIN lead_search_leads sl ON sl.lead_id = l.id
		 WHERE sl.lead_search_id = ?
		 ORDER BY sl.position`,
		leadSearchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list leads for %s", leadSearchID)
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s", what)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return eris.Wrapf(err, "sqlite: %s", what)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", what)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
