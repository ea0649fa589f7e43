package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
)

func TestRetryPolicy_Retry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	transient := eris.New("i/o timeout")

	assert.True(t, p.Retry(1, transient))
	assert.True(t, p.Retry(2, transient))
	assert.False(t, p.Retry(3, transient))
	assert.False(t, p.Retry(1, resilience.Permanent(transient)))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second}

	assert.InDelta(t, float64(time.Second), float64(p.Backoff(1)), float64(100*time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64(p.Backoff(2)), float64(200*time.Millisecond))
	assert.LessOrEqual(t, p.Backoff(10), 4400*time.Millisecond)
}

func TestJob_Checkpoint(t *testing.T) {
	var saved []model.JobPayload
	job := NewJob("ls-1", model.JobPayload{LeadSearchID: "ls-1"}, 1, func(_ context.Context, p model.JobPayload) error {
		saved = append(saved, p)
		return nil
	})
	cont := &model.Continuation{Step: model.StepPoll, RunID: "run-1", ProviderRunID: "act-1"}

	require.NoError(t, job.Checkpoint(context.Background(), cont))
	require.Len(t, saved, 1)
	assert.Equal(t, cont, saved[0].Scraper)
	assert.Equal(t, "ls-1", saved[0].LeadSearchID)
	assert.Equal(t, cont, job.Payload.Scraper)

	inMemory := NewJob("ls-2", model.JobPayload{}, 1, nil)
	require.NoError(t, inMemory.Checkpoint(context.Background(), cont))
	assert.Equal(t, cont, inMemory.Payload.Scraper)
}

func TestHandle_RecoversPanic(t *testing.T) {
	_, err := handle(context.Background(), HandlerFunc(func(context.Context, *Job) (Outcome, error) {
		panic("nil map")
	}), NewJob("ls-1", model.JobPayload{}, 1, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panicked: nil map")
}
