// Package orchestrator runs a canonical query against an ordered list of
// providers, either all at once (lead databases) or one after another
// until enough leads arrive (scrapers).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/provider"
)

// RunStore is the subset of store.Store the orchestrators write Runs with.
type RunStore interface {
	CreateRun(ctx context.Context, leadSearchID, provider string, request json.RawMessage) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, leadsCount int, meta json.RawMessage) error
	FailRun(ctx context.Context, runID, message string, meta json.RawMessage) error
}

// Request is one orchestration of a lead search.
type Request struct {
	LeadSearchID string
	Providers    []string
	Query        model.CanonicalQuery
	Limit        int
}

// Result is one provider's successful scrape and the Run that recorded it.
type Result struct {
	Provider      string
	RunID         string
	ProviderRunID string
	FileNameHint  string
	Leads         []model.NormalizedLead
}

// AggregateError reports that no provider produced a usable result.
// Failures holds each provider's reason in provider order.
type AggregateError struct {
	Order    []string
	Failures map[string]error
}

func (e *AggregateError) Error() string {
	if len(e.Order) == 0 {
		return "orchestrator: no providers to run"
	}
	parts := make([]string, 0, len(e.Order))
	for _, id := range e.Order {
		if err, ok := e.Failures[id]; ok {
			parts = append(parts, fmt.Sprintf("%s: %s", id, provider.UserMessage(err)))
		}
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// UnderDeliveryError records a provider that succeeded with fewer leads
// than required.
type UnderDeliveryError struct {
	Provider string
	Got      int
	Want     int
}

func (e *UnderDeliveryError) Error() string {
	return fmt.Sprintf("%s returned %d of %d required leads", e.Provider, e.Got, e.Want)
}

func requestPayload(q model.CanonicalQuery, limit int) json.RawMessage {
	b, _ := json.Marshal(struct {
		Query model.CanonicalQuery `json:"query"`
		Limit int                  `json:"limit"`
	}{q, limit})
	return b
}

func resultMeta(r *provider.ScrapeResult) json.RawMessage {
	return model.RunMeta{ProviderRunID: r.ProviderRunID, FileNameHint: r.FileNameHint}.JSON()
}

// withProvider returns leads with Provider defaulted to id.
func withProvider(leads []model.NormalizedLead, id string) []model.NormalizedLead {
	out := make([]model.NormalizedLead, len(leads))
	for i, l := range leads {
		if l.Provider == "" {
			l.Provider = id
		}
		out[i] = l
	}
	return out
}
