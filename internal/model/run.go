package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the state of one provider attempt.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// Run is one attempt against one provider for one LeadSearch. ExternalRunID
// is immutable once set.
type Run struct {
	ID             string          `json:"id"`
	LeadSearchID   string          `json:"lead_search_id"`
	Provider       string          `json:"provider"`
	Attempt        int             `json:"attempt"`
	Status         RunStatus       `json:"status"`
	ExternalRunID  string          `json:"external_run_id,omitempty"`
	LeadsCount     int             `json:"leads_count"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	ResponseMeta   json.RawMessage `json:"response_meta,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// RunMeta is the response metadata recorded on a finished Run.
type RunMeta struct {
	ProviderRunID string `json:"providerRunId,omitempty"`
	FileNameHint  string `json:"fileNameHint,omitempty"`
	LastStatus    string `json:"lastStatus,omitempty"`
	PollAttempts  int    `json:"pollAttempts,omitempty"`
}

// JSON encodes the meta for storage. An empty meta encodes as nil.
func (m RunMeta) JSON() json.RawMessage {
	if m == (RunMeta{}) {
		return nil
	}
	b, _ := json.Marshal(m)
	return b
}

// ParseRunMeta decodes stored response meta, ignoring malformed input.
func ParseRunMeta(raw json.RawMessage) RunMeta {
	var m RunMeta
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// RunFilter narrows a run listing.
type RunFilter struct {
	LeadSearchID string
	Provider     string
	Status       RunStatus
	Limit        int
}

// RunResult is an audit row linking a Run to a lead it produced.
type RunResult struct {
	RunID    string          `json:"run_id"`
	LeadID   string          `json:"lead_id"`
	Position int             `json:"position"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}
