package generation

import (
	"context"
	"iter"
	"time"

	"streamchat/internal/domain"
	"streamchat/internal/stream"
)

// Status is a point-in-time view of a generation.
type Status struct {
	ChatID    string    `json:"chatId"`
	StreamID  string    `json:"streamId"`
	MessageID string    `json:"messageId"`
	Provider  string    `json:"provider"`
	Events    int       `json:"events"`
	StartedAt time.Time `json:"startedAt"`
}

// Outcome is how a generation ended.
type Outcome struct {
	// Message is the persisted assistant message, nil when nothing was produced.
	Message      *domain.Message
	ResponseID   string
	FinishReason string
	Err          error
	Elapsed      time.Duration
}

// Run is one generation attempt. Its events are readable through Events for
// as long as the Run is referenced, independent of the stream store.
type Run struct {
	ChatID    string
	StreamID  string
	MessageID string

	provider  string
	startedAt time.Time
	log       *stream.Log
	done      chan struct{}
	outcome   Outcome
}

// Events yields the run's events from position from, following live appends
// until the run finishes or ctx is done.
func (r *Run) Events(ctx context.Context, from int64) iter.Seq2[domain.Event, error] {
	return r.log.Events(ctx, from)
}

// Done is closed once the run is terminal and its message persisted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (r *Run) Status() Status {
	return Status{
		ChatID:    r.ChatID,
		StreamID:  r.StreamID,
		MessageID: r.MessageID,
		Provider:  r.provider,
		Events:    r.log.Len(),
		StartedAt: r.startedAt,
	}
}
