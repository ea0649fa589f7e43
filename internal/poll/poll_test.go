package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type status struct {
	state string
	msg   string
}

func cfg(attempts int) Config[status] {
	return Config[status]{
		IsDone: func(s status) bool { return s.state == "done" },
		IsError: func(s status) (string, bool) {
			return s.msg, s.state == "failed"
		},
		Interval:    time.Millisecond,
		MaxAttempts: attempts,
	}
}

func TestRun_DoneImmediately(t *testing.T) {
	var calls int
	res, err := Run(context.Background(), cfg(5), func(_ context.Context, attempt int) (status, error) {
		calls++
		return status{state: "done"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.state)
	assert.Equal(t, 1, calls)
}

func TestRun_DoneAfterPolling(t *testing.T) {
	var attempts []int
	res, err := Run(context.Background(), cfg(5), func(_ context.Context, attempt int) (status, error) {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return status{state: "running"}, nil
		}
		return status{state: "done"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.state)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestRun_ErrorShortCircuits(t *testing.T) {
	_, err := Run(context.Background(), cfg(5), func(_ context.Context, attempt int) (status, error) {
		return status{state: "failed", msg: "actor crashed"}, nil
	})
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempt)
	assert.Equal(t, "actor crashed", fe.Message)
}

func TestRun_TaskErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	_, err := Run(context.Background(), cfg(5), func(_ context.Context, attempt int) (status, error) {
		calls++
		return status{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRun_Timeout(t *testing.T) {
	var calls int
	res, err := Run(context.Background(), cfg(3), func(_ context.Context, attempt int) (status, error) {
		calls++
		return status{state: "running"}, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "running", res.state)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := cfg(100)
	c.Interval = time.Hour

	_, err := Run(ctx, c, func(_ context.Context, attempt int) (status, error) {
		cancel()
		return status{state: "running"}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
