package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"streamchat/internal/domain"
)

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	logs map[string]*Log
	opts Options
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	return &Memory{
		logs: make(map[string]*Log),
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

func (m *Memory) Create(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[id]; ok && !l.expired(m.now(), m.opts) {
		return ErrAlreadyExists
	}
	m.logs[id] = NewLog(m.now())
	return nil
}

func (m *Memory) lookup(id string) (*Log, error) {
	m.mu.RLock()
	l, ok := m.logs[id]
	m.mu.RUnlock()
	if !ok || l.expired(m.now(), m.opts) {
		return nil, ErrNotFound
	}
	return l, nil
}

func (m *Memory) Append(_ context.Context, id string, p domain.Payload) (domain.Event, error) {
	l, err := m.lookup(id)
	if err != nil {
		return domain.Event{}, err
	}
	return l.Append(p, m.now())
}

func (m *Memory) Close(_ context.Context, id string) error {
	l, err := m.lookup(id)
	if err != nil {
		return err
	}
	l.Close(m.now())
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, id string, from int64) (iter.Seq2[domain.Event, error], error) {
	l, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return l.Events(ctx, from), nil
}

// Sweep drops expired logs and closes them so waiting readers return.
func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, l := range m.logs {
		if l.expired(now, m.opts) {
			l.Close(now)
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of live channels.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}
