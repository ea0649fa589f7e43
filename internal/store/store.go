// Package store persists lead searches, runs and leads. Postgres is the
// production backend; SQLite serves local runs and tests.
package store

import (
	"context"
	"encoding/json"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// Store defines the persistence interface for lead acquisition. Lookups that
// find nothing return (nil, nil).
type Store interface {
	// Lead searches
	CreateLeadSearch(ctx context.Context, s *model.LeadSearch) error
	GetLeadSearch(ctx context.Context, id string) (*model.LeadSearch, error)
	// UpdateLeadSearch applies u unless the search is already terminal, in
	// which case it returns ErrSearchTerminal.
	UpdateLeadSearch(ctx context.Context, id string, u model.SearchUpdate) error

	// Runs
	// CreateRun inserts a RUNNING run with attempt = current max + 1 for the
	// (leadSearchID, provider) pair.
	CreateRun(ctx context.Context, leadSearchID, provider string, request json.RawMessage) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	FindRunningRun(ctx context.Context, leadSearchID, provider string) (*model.Run, error)
	// SetRunExternalID records the provider's job id. Setting a different id
	// on a run that already has one returns a permanent ErrExternalRunIDMismatch.
	SetRunExternalID(ctx context.Context, runID, externalID string) error
	CompleteRun(ctx context.Context, runID string, leadsCount int, meta json.RawMessage) error
	FailRun(ctx context.Context, runID, message string, meta json.RawMessage) error
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
	InsertRunResults(ctx context.Context, results []model.RunResult) error

	// Leads
	FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error)
	FindLeadByLinkedIn(ctx context.Context, linkedinURL string) (*model.Lead, error)
	FindLeadByProviderRef(ctx context.Context, provider, externalID string) (*model.Lead, error)
	// CreateLead inserts l and sets its ID. A taken email or LinkedIn URL
	// returns *UniqueViolationError.
	CreateLead(ctx context.Context, l *model.Lead) error
	// PatchLead sets the patched columns. A taken email or LinkedIn URL
	// returns *UniqueViolationError naming the column.
	PatchLead(ctx context.Context, id string, patch model.LeadPatch) error
	// CreateProviderRef inserts ref, reporting false when it already existed.
	CreateProviderRef(ctx context.Context, ref model.ProviderRef) (bool, error)
	// LinkLeads attaches leads to a search in order, ignoring existing links.
	LinkLeads(ctx context.Context, leadSearchID string, leadIDs []string) (int, error)
	ListSearchLeads(ctx context.Context, leadSearchID string) ([]model.Lead, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// nullable maps "" to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullJSON maps empty JSON to NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// leadArgs returns the lead's mutable columns as NULL-able args in
// model.LeadColumns order.
func leadArgs(l *model.Lead) []any {
	vals := l.Values()
	args := make([]any, len(model.LeadColumns))
	for i, c := range model.LeadColumns {
		args[i] = nullable(vals[c])
	}
	return args
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
