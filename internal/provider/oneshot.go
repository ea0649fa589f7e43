package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/poll"
)

// AsOneShot adapts a steppable provider into a blocking one-shot scrape:
// start, poll in-process until done, then fetch.
func AsOneShot(s Steppable) OneShot {
	if o, ok := s.(OneShot); ok {
		return o
	}
	return &stepOneShot{s: s}
}

type stepOneShot struct {
	s Steppable
}

func (o *stepOneShot) ID() string    { return o.s.ID() }
func (o *stepOneShot) Enabled() bool { return o.s.Enabled() }

func (o *stepOneShot) Scrape(ctx context.Context, q model.CanonicalQuery, limit int) (*ScrapeResult, error) {
	started, err := o.s.Start(ctx, q, limit)
	if err != nil {
		return nil, err
	}

	final, err := poll.Run(ctx, poll.Config[*StatusResult]{
		IsDone: func(st *StatusResult) bool { return st.Status == JobSucceeded },
		IsError: func(st *StatusResult) (string, bool) {
			return st.Message, st.Status == JobFailed
		},
		Interval:    o.s.PollInterval(),
		MaxAttempts: o.s.MaxPollAttempts(),
	}, func(ctx context.Context, _ int) (*StatusResult, error) {
		return o.s.CheckStatus(ctx, started.ProviderRunID)
	})
	if err != nil {
		return nil, o.pollError(started.ProviderRunID, err)
	}

	leads, err := o.s.FetchLeads(ctx, FetchRequest{
		ProviderRunID: started.ProviderRunID,
		Query:         q,
		Limit:         limit,
		Status:        final,
	})
	if err != nil {
		return nil, err
	}
	return &ScrapeResult{
		ProviderRunID: started.ProviderRunID,
		FileNameHint:  started.FileNameHint,
		Leads:         leads,
	}, nil
}

func (o *stepOneShot) pollError(runID string, err error) error {
	var fe *poll.FailedError
	switch {
	case errors.As(err, &fe):
		msg := fe.Message
		if msg == "" {
			msg = "provider job " + runID + " failed"
		}
		return &Error{Provider: o.s.ID(), Code: CodeJobFailed, Message: msg, Err: err}
	case errors.Is(err, poll.ErrTimeout):
		return &Error{Provider: o.s.ID(), Code: CodeTimeout, Message: "provider job " + runID + " did not finish in time", Err: err}
	default:
		return eris.Wrapf(err, "provider: poll %s job %s", o.s.ID(), runID)
	}
}
