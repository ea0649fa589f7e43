package model

// Step is a state of the step job state machine.
type Step string

const (
	StepInit  Step = "INIT"
	StepPoll  Step = "POLL"
	StepFetch Step = "FETCH"
)

// Continuation is the state a steppable run carries between ticks. Every
// field can be rebuilt from the RUNNING Run row, which is what makes a
// crashed worker recoverable.
type Continuation struct {
	Step          Step   `json:"step"`
	RunID         string `json:"runId,omitempty"`
	ProviderRunID string `json:"providerRunId,omitempty"`
	PollAttempt   int    `json:"pollAttempt,omitempty"`
	LastStatus    string `json:"lastStatus,omitempty"`
	InitAtMs      int64  `json:"initAtMs,omitempty"`
	FileNameHint  string `json:"fileNameHint,omitempty"`
}

// HasRun reports whether the continuation already identifies both the Run
// and the provider job.
func (c *Continuation) HasRun() bool {
	return c != nil && c.RunID != "" && c.ProviderRunID != ""
}

// JobPayload is the payload of a lead search job. Only Scraper changes
// between ticks.
type JobPayload struct {
	LeadSearchID  string        `json:"leadSearchId"`
	TriggeredByID string        `json:"triggeredById,omitempty"`
	Scraper       *Continuation `json:"scraper,omitempty"`
}
