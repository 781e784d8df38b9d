package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"streamchat/internal/domain"
)

// Log is an in-memory append-only event sequence. Readers copy under the
// lock and wait on a broadcast channel that is replaced on every change, so
// a slow reader never blocks the writer or another reader.
type Log struct {
	mu         sync.Mutex
	events     []domain.Event
	closed     bool
	notify     chan struct{}
	lastAppend time.Time
	closedAt   time.Time
}

func NewLog(now time.Time) *Log {
	return &Log{notify: make(chan struct{}), lastAppend: now}
}

func (l *Log) Append(p domain.Payload, now time.Time) (domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.Event{}, ErrClosed
	}
	ev := domain.Event{Seq: int64(len(l.events)), Payload: p}
	l.events = append(l.events, ev)
	l.lastAppend = now
	if ev.IsTerminal() {
		l.closed = true
		l.closedAt = now
	}
	l.broadcast()
	return ev, nil
}

// Close marks the log terminal. It is idempotent.
func (l *Log) Close(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.closedAt = now
	l.broadcast()
}

// broadcast wakes every waiting reader. Callers hold l.mu.
func (l *Log) broadcast() {
	close(l.notify)
	l.notify = make(chan struct{})
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// expired reports whether the log outlived its retention at now.
func (l *Log) expired(now time.Time, opts Options) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return now.Sub(l.closedAt) >= opts.Retention
	}
	return now.Sub(l.lastAppend) >= opts.MaxLifetime
}

func (l *Log) snapshot(from int64) ([]domain.Event, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	if from < int64(len(l.events)) {
		out = make([]domain.Event, len(l.events)-int(from))
		copy(out, l.events[from:])
	}
	return out, l.closed, l.notify
}

// Events yields every event with Seq >= from and then follows the log
// until it is closed or ctx is done.
func (l *Log) Events(ctx context.Context, from int64) iter.Seq2[domain.Event, error] {
	if from < 0 {
		from = 0
	}
	return func(yield func(domain.Event, error) bool) {
		next := from
		for {
			batch, closed, wait := l.snapshot(next)
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
				next = ev.Seq + 1
			}
			if closed {
				if len(batch) == 0 {
					return
				}
				continue
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}
