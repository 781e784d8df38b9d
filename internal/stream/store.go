// Package stream holds the resumable event channels that generations write
// into and viewers replay from. A channel is append-only; every event gets
// the next sequence number starting at 0, and a finish event closes it.
package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"streamchat/internal/domain"
)

var (
	ErrNotFound      = errors.New("stream not found")
	ErrClosed        = errors.New("stream closed")
	ErrAlreadyExists = errors.New("stream already exists")
)

// Store is a set of named append-only event channels.
type Store interface {
	Create(ctx context.Context, id string) error
	// Append assigns the next sequence number. Appending a domain.Finish
	// makes the channel terminal.
	Append(ctx context.Context, id string, p domain.Payload) (domain.Event, error)
	// Close makes the channel terminal without a finish event. Closing a
	// terminal channel is a no-op.
	Close(ctx context.Context, id string) error
	// Subscribe fails eagerly with ErrNotFound. The sequence yields every
	// event with Seq >= from, then follows live appends until the channel is
	// terminal or ctx is done.
	Subscribe(ctx context.Context, id string, from int64) (iter.Seq2[domain.Event, error], error)
	// Sweep removes channels whose retention elapsed and reports how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Options controls channel retention.
type Options struct {
	// Retention is how long a terminal channel stays readable after closing.
	Retention time.Duration
	// MaxLifetime expires a non-terminal channel this long after its last append.
	MaxLifetime time.Duration
	// PollInterval is how often SQL subscribers re-read the table.
	PollInterval time.Duration
	// AbandonAfter is how long a non-terminal SQL channel may go without an
	// append before it is ended with an error and a finish event. It must
	// cover the longest silence of a live writer.
	AbandonAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 5 * time.Minute
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 15 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.AbandonAfter <= 0 {
		o.AbandonAfter = 90 * time.Second
	}
	return o
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Store, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := s.Sweep(ctx, now)
			if err != nil {
				logger.Warn("stream sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired streams removed", "count", n)
			}
		}
	}
}
