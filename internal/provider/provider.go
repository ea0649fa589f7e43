// Package provider defines the lead provider adapter contracts and the
// registry the orchestrators resolve adapters from.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// Adapter is the capability shared by every provider integration.
type Adapter interface {
	// ID returns the provider identifier stored on Run rows.
	ID() string
	// Enabled reports whether the provider may be called.
	Enabled() bool
}

// ScrapeResult is the outcome of a one-shot scrape.
type ScrapeResult struct {
	ProviderRunID string
	FileNameHint  string
	Leads         []model.NormalizedLead
}

// OneShot providers return leads from one logical call, blocking for the
// provider's whole internal polling duration.
type OneShot interface {
	Adapter
	Scrape(ctx context.Context, q model.CanonicalQuery, limit int) (*ScrapeResult, error)
}

// JobStatus is a steppable provider job's state.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// StartResult identifies a started provider job.
type StartResult struct {
	ProviderRunID string
	FileNameHint  string
}

// StatusResult is one status check of a provider job.
type StatusResult struct {
	Status  JobStatus
	Message string // provider's failure reason, if any
	Raw     json.RawMessage
}

// FetchRequest asks for the leads of a finished job.
type FetchRequest struct {
	ProviderRunID string
	Query         model.CanonicalQuery
	Limit         int
	Status        *StatusResult // last known status, if the caller has one
}

// Steppable providers run jobs for hours, so starting, polling and fetching
// are separate calls. FetchLeads must be safe to call more than once.
type Steppable interface {
	Adapter
	PollInterval() time.Duration
	MaxPollAttempts() int
	Start(ctx context.Context, q model.CanonicalQuery, limit int) (*StartResult, error)
	CheckStatus(ctx context.Context, providerRunID string) (*StatusResult, error)
	FetchLeads(ctx context.Context, req FetchRequest) ([]model.NormalizedLead, error)
}
