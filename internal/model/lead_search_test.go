package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status SearchStatus
		want   bool
	}{
		{SearchPending, false},
		{SearchRunning, false},
		{SearchDone, true},
		{SearchDoneNoResults, true},
		{SearchFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestSearchKindValid(t *testing.T) {
	t.Parallel()
	assert.True(t, KindLeadDB.Valid())
	assert.True(t, KindScraper.Valid())
	assert.False(t, SearchKind("BOTH").Valid())
}

func TestLeadSearchDuration(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)
	done := started.Add(5 * time.Minute)

	s := LeadSearch{CreatedAt: created}
	assert.Equal(t, 2*time.Minute, s.Duration(created.Add(2*time.Minute)))

	s.StartedAt = &started
	s.CompletedAt = &done
	assert.Equal(t, 5*time.Minute, s.Duration(done.Add(time.Hour)))

	assert.Zero(t, (&LeadSearch{}).Duration(done))
}

func TestRunMetaRoundTrip(t *testing.T) {
	t.Parallel()
	assert.Nil(t, RunMeta{}.JSON())

	raw := RunMeta{ProviderRunID: "ext-1", FileNameHint: "leads.csv"}.JSON()
	assert.JSONEq(t, `{"providerRunId":"ext-1","fileNameHint":"leads.csv"}`, string(raw))
	assert.Equal(t, "leads.csv", ParseRunMeta(raw).FileNameHint)
	assert.Equal(t, RunMeta{}, ParseRunMeta(json.RawMessage(`not json`)))
}

func TestJobPayloadJSON(t *testing.T) {
	t.Parallel()

	p := JobPayload{LeadSearchID: "ls-1"}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leadSearchId":"ls-1"}`, string(b))

	p.Scraper = &Continuation{Step: StepPoll, RunID: "r1", ProviderRunID: "x1", PollAttempt: 3, InitAtMs: 1700000000000}
	b, err = json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leadSearchId":"ls-1","scraper":{"step":"POLL","runId":"r1","providerRunId":"x1","pollAttempt":3,"initAtMs":1700000000000}}`, string(b))
}

func TestContinuationHasRun(t *testing.T) {
	t.Parallel()
	var c *Continuation
	assert.False(t, c.HasRun())
	assert.False(t, (&Continuation{RunID: "r"}).HasRun())
	assert.True(t, (&Continuation{RunID: "r", ProviderRunID: "p"}).HasRun())
}
