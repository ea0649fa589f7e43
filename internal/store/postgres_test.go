package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

var runColumnNames = []string{
	"id", "lead_search_id", "provider", "attempt", "status", "external_run_id", "leads_count",
	"error_message", "request_payload", "response_meta", "started_at", "finished_at",
}

func runRow(id, externalID string) *pgxmock.Rows {
	return pgxmock.NewRows(runColumnNames).AddRow(
		id, "ls-1", "phantom", 2, "RUNNING", externalID, 0,
		"", []byte(nil), []byte(nil), time.Now(), (*time.Time)(nil),
	)
}

func TestPostgresStore_GetLeadSearch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM lead_searches WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ls, err := s.GetLeadSearch(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, ls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLeadSearch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM lead_searches WHERE id = \$1`).
		WithArgs("ls-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "thread_id", "provider", "kind", "query", "lead_limit", "status", "total_leads",
			"error_message", "triggered_by_id", "started_at", "completed_at", "created_at", "updated_at",
		}).AddRow("ls-1", "t-1", "phantom", "SCRAPER", []byte(`{"titles":["CEO"]}`), 25, "RUNNING", 0,
			"", "u-1", &now, (*time.Time)(nil), now, now))

	ls, err := s.GetLeadSearch(context.Background(), "ls-1")
	require.NoError(t, err)
	require.NotNil(t, ls)
	assert.Equal(t, model.KindScraper, ls.Kind)
	assert.Equal(t, model.SearchRunning, ls.Status)
	assert.Equal(t, 25, ls.Limit)
	assert.Equal(t, "u-1", ls.TriggeredByID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLeadSearch_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE lead_searches .+ WHERE id = \$1 AND status NOT IN`).
		WithArgs("ls-1", "FAILED", 0, "boom", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM lead_searches WHERE id = \$1`).
		WithArgs("ls-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "thread_id", "provider", "kind", "query", "lead_limit", "status", "total_leads",
			"error_message", "triggered_by_id", "started_at", "completed_at", "created_at", "updated_at",
		}).AddRow("ls-1", "", "apollo", "LEAD_DB", []byte(`{}`), 10, "DONE", 10,
			"", "", &now, &now, now, now))

	err := s.UpdateLeadSearch(context.Background(), "ls-1", model.SearchUpdate{Status: model.SearchFailed, ErrorMessage: "boom"})
	assert.ErrorIs(t, err, ErrSearchTerminal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_ComputesAttempt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO lead_search_runs .+ COALESCE\(MAX\(attempt\), 0\) \+ 1 .+ RETURNING attempt`).
		WithArgs(pgxmock.AnyArg(), "ls-1", "phantom", "RUNNING", `{"a":1}`, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"attempt"}).AddRow(3))

	r, err := s.CreateRun(context.Background(), "ls-1", "phantom", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Attempt)
	assert.Equal(t, model.RunRunning, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindRunningRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM lead_search_runs\s+WHERE lead_search_id = \$1 AND provider = \$2 AND status = \$3`).
		WithArgs("ls-1", "phantom", "RUNNING").
		WillReturnRows(runRow("run-1", "ext-9"))

	r, err := s.FindRunningRun(context.Background(), "ls-1", "phantom")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "ext-9", r.ExternalRunID)
	assert.Equal(t, 2, r.Attempt)
	assert.Nil(t, r.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetRunExternalID_Mismatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE lead_search_runs SET external_run_id = \$2`).
		WithArgs("run-1", "ext-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM lead_search_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(runRow("run-1", "ext-1"))

	err := s.SetRunExternalID(context.Background(), "run-1", "ext-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalRunIDMismatch)
	assert.True(t, resilience.IsPermanent(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateLead_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO leads`).
		WillReturnError(&pgconn.PgError{Code: "23505", TableName: "leads", ConstraintName: "leads_linkedin_url_key"})

	err := s.CreateLead(context.Background(), &model.Lead{LinkedInURL: "https://linkedin.com/in/a"})
	uv, ok := AsUniqueViolation(err)
	require.True(t, ok)
	assert.Equal(t, model.ColLinkedInURL, uv.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PatchLead_BuildsSetList(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET title = COALESCE\(NULLIF\(title, ''\), \$1\), email = COALESCE\(NULLIF\(email, ''\), \$2\), updated_at = \$3 WHERE id = \$4`).
		WithArgs("CTO", "a@x.com", pgxmock.AnyArg(), "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.PatchLead(context.Background(), "lead-1", model.LeadPatch{model.ColEmail: "a@x.com", model.ColTitle: "CTO"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateProviderRef_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO lead_provider_refs .+ ON CONFLICT \(provider, external_id\) DO NOTHING`).
		WithArgs("apollo", "p-1", "lead-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.CreateProviderRef(context.Background(), model.ProviderRef{Provider: "apollo", ExternalID: "p-1", LeadID: "lead-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRunResults_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"lead_search_run_results"}, []string{"run_id", "lead_id", "position", "raw"}).
		WillReturnResult(2)

	err := s.InsertRunResults(context.Background(), []model.RunResult{
		{RunID: "r", LeadID: "a", Position: 0},
		{RunID: "r", LeadID: "b", Position: 1},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LinkLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO "lead_search_leads" .+ ON CONFLICT`).
		WithArgs("ls-1", "a", 0, "ls-1", "b", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := s.LinkLeads(context.Background(), "ls-1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFromPgError(t *testing.T) {
	plain := errors.New("connection refused")
	assert.Equal(t, plain, fromPgError(plain))

	other := &pgconn.PgError{Code: "23503"}
	assert.Equal(t, error(other), fromPgError(other))

	uv, ok := AsUniqueViolation(fromPgError(&pgconn.PgError{Code: "23505", TableName: "leads", ConstraintName: "leads_email_key"}))
	require.True(t, ok)
	assert.Equal(t, model.ColEmail, uv.Field)
}
