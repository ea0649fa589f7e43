// Package model defines the lead acquisition domain types shared by the
// store, the orchestrators and the job runtimes.
package model

import (
	"encoding/json"
	"time"
)

// SearchKind selects the acquisition mode of a LeadSearch.
type SearchKind string

const (
	KindLeadDB  SearchKind = "LEAD_DB" // one-shot providers, run in parallel
	KindScraper SearchKind = "SCRAPER" // steppable providers, long-running
)

// Valid reports whether k is a known kind.
func (k SearchKind) Valid() bool {
	return k == KindLeadDB || k == KindScraper
}

// SearchStatus is the lifecycle state of a LeadSearch.
type SearchStatus string

const (
	SearchPending       SearchStatus = "PENDING"
	SearchRunning       SearchStatus = "RUNNING"
	SearchDone          SearchStatus = "DONE"
	SearchDoneNoResults SearchStatus = "DONE_NO_RESULTS"
	SearchFailed        SearchStatus = "FAILED"
)

// Terminal reports whether no job tick may act on a search in this status.
func (s SearchStatus) Terminal() bool {
	switch s {
	case SearchDone, SearchDoneNoResults, SearchFailed:
		return true
	default:
		return false
	}
}

// TerminalStatuses lists every final status, for SQL guards.
var TerminalStatuses = []string{string(SearchDone), string(SearchDoneNoResults), string(SearchFailed)}

// LeadSearch is a request for up to Limit leads from one provider (or
// provider alias) in one acquisition mode.
type LeadSearch struct {
	ID            string          `json:"id"`
	ThreadID      string          `json:"thread_id,omitempty"`
	Provider      string          `json:"provider"`
	Kind          SearchKind      `json:"kind"`
	Query         json.RawMessage `json:"query"`
	Limit         int             `json:"limit"`
	Status        SearchStatus    `json:"status"`
	TotalLeads    int             `json:"total_leads"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	TriggeredByID string          `json:"triggered_by_id,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Duration returns how long the search has been (or was) running.
func (s *LeadSearch) Duration(now time.Time) time.Duration {
	start := s.CreatedAt
	if s.StartedAt != nil {
		start = *s.StartedAt
	}
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// SearchUpdate is a status transition applied to a non-terminal LeadSearch.
type SearchUpdate struct {
	Status       SearchStatus
	TotalLeads   int
	ErrorMessage string
}
