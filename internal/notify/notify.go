// Package notify reports finished lead searches to the conversation that
// requested them.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// Event names a lead search lifecycle event.
type Event string

const (
	EventCompleted Event = "leadSearch.completed"
	EventFailed    Event = "leadSearch.failed"
)

// Payload is the machine-readable part of a notification.
type Payload struct {
	Event        Event              `json:"event"`
	LeadSearchID string             `json:"leadSearchId"`
	Status       model.SearchStatus `json:"status"`
	Provider     string             `json:"provider"`
	Kind         model.SearchKind   `json:"kind"`
	TotalLeads   *int               `json:"totalLeads,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	DurationMs   int64              `json:"durationMs"`
}

// Message is one event posted to a thread.
type Message struct {
	ThreadID     string  `json:"threadId,omitempty"`
	LeadSearchID string  `json:"leadSearchId"`
	Text         string  `json:"text"`
	Payload      Payload `json:"payload"`
}

// Notifier posts lead search events.
type Notifier interface {
	PostEvent(ctx context.Context, msg Message) error
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Post(ctx context.Context, msg Message) error
}

// Completed builds the event for a search that finished with a status of
// DONE or DONE_NO_RESULTS.
func Completed(ls *model.LeadSearch, now time.Time) Message {
	total := ls.TotalLeads
	text := fmt.Sprintf("Lead search finished: %d leads from %s.", total, ls.Provider)
	if total == 0 {
		text = fmt.Sprintf("Lead search finished: %s found no leads.", ls.Provider)
	}
	return Message{
		ThreadID:     ls.ThreadID,
		LeadSearchID: ls.ID,
		Text:         text,
		Payload: Payload{
			Event:        EventCompleted,
			LeadSearchID: ls.ID,
			Status:       ls.Status,
			Provider:     ls.Provider,
			Kind:         ls.Kind,
			TotalLeads:   &total,
			DurationMs:   ls.Duration(now).Milliseconds(),
		},
	}
}

// Failed builds the event for a search that ended FAILED.
func Failed(ls *model.LeadSearch, now time.Time) Message {
	return Message{
		ThreadID:     ls.ThreadID,
		LeadSearchID: ls.ID,
		Text:         fmt.Sprintf("Lead search failed: %s", ls.ErrorMessage),
		Payload: Payload{
			Event:        EventFailed,
			LeadSearchID: ls.ID,
			Status:       ls.Status,
			Provider:     ls.Provider,
			Kind:         ls.Kind,
			ErrorMessage: ls.ErrorMessage,
			DurationMs:   ls.Duration(now).Milliseconds(),
		},
	}
}

// Fanout delivers each event to every sink. Messages without a thread are
// dropped, and sink failures are logged rather than returned: a search's
// outcome never depends on its notification.
type Fanout struct {
	sinks []Sink
	log   *zap.Logger
}

// NewFanout creates a notifier over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks: sinks,
		log:   zap.L().With(zap.String("component", "notify")),
	}
}

// PostEvent implements Notifier.
func (f *Fanout) PostEvent(ctx context.Context, msg Message) error {
	log := f.log.With(
		zap.String("lead_search_id", msg.LeadSearchID),
		zap.String("event", string(msg.Payload.Event)),
	)
	if msg.ThreadID == "" {
		log.Debug("no thread, skipping notification")
		return nil
	}
	for _, s := range f.sinks {
		if err := s.Post(ctx, msg); err != nil {
			log.Warn("notification failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
	return nil
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Post(_ context.Context, msg Message) error {
	zap.L().Info(msg.Text,
		zap.String("thread_id", msg.ThreadID),
		zap.String("lead_search_id", msg.LeadSearchID),
		zap.String("event", string(msg.Payload.Event)),
		zap.String("status", string(msg.Payload.Status)),
		zap.Int64("duration_ms", msg.Payload.DurationMs),
	)
	return nil
}
