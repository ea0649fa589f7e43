package store

import (
	"github.com/sells-group/leadgen-cli/internal/model"
)

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanLeadSearch(row scannable) (*model.LeadSearch, error) {
	var ls model.LeadSearch
	var kind, status string
	var query []byte
	err := row.Scan(&ls.ID, &ls.ThreadID, &ls.Provider, &kind, &query, &ls.Limit, &status, &ls.TotalLeads,
		&ls.ErrorMessage, &ls.TriggeredByID, &ls.StartedAt, &ls.CompletedAt, &ls.CreatedAt, &ls.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ls.Kind = model.SearchKind(kind)
	ls.Status = model.SearchStatus(status)
	ls.Query = query
	return &ls, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var request, meta []byte
	err := row.Scan(&r.ID, &r.LeadSearchID, &r.Provider, &r.Attempt, &status, &r.ExternalRunID, &r.LeadsCount,
		&r.ErrorMessage, &request, &meta, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(request) > 0 {
		r.RequestPayload = request
	}
	if len(meta) > 0 {
		r.ResponseMeta = meta
	}
	return &r, nil
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.FullName, &l.Title, &l.Company, &l.CompanyDomain,
		&l.CompanyURL, &l.LinkedInURL, &l.Location, &l.Email, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
