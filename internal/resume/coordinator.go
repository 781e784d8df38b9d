// Package resume attaches late viewers to a chat's most recent generation.
// A live or retained stream is replayed from the requested position; when
// the stream is gone, a recently persisted assistant message is replayed as
// a single append-message event instead.
package resume

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"streamchat/internal/bus"
	"streamchat/internal/domain"
	"streamchat/internal/stream"
)

const defaultStaleness = 15 * time.Second

var (
	// ErrUnconfigured is returned when no stream store is configured.
	ErrUnconfigured = domain.NewError(domain.KindUnconfigured, "stream")
	ErrChatNotFound = domain.NewError(domain.KindNotFound, "chat")
	ErrForbidden    = domain.NewError(domain.KindForbidden, "chat")
	ErrNoStreams    = domain.NewError(domain.KindNotFound, "stream")
)

// Mode says what a Result carries.
type Mode int

const (
	// Live follows the stream from the requested position.
	Live Mode = iota
	// Replay carries the last assistant message as one event.
	Replay
	// Empty has nothing to resume.
	Empty
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Replay:
		return "replay"
	default:
		return "empty"
	}
}

type Request struct {
	ChatID  string
	Session *domain.Session
	// From is the first sequence position wanted.
	From int64
}

type Result struct {
	Mode     Mode
	StreamID string
	From     int64
	Events   iter.Seq2[domain.Event, error]
}

type Config struct {
	Chats     domain.ChatStore
	Streams   stream.Store // nil disables resume
	Staleness time.Duration
	Bus       *bus.EventBus
	Logger    *slog.Logger
}

type Coordinator struct {
	chats     domain.ChatStore
	streams   stream.Store
	staleness time.Duration
	bus       *bus.EventBus
	logger    *slog.Logger
	now       func() time.Time
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Staleness <= 0 {
		cfg.Staleness = defaultStaleness
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		chats:     cfg.Chats,
		streams:   cfg.Streams,
		staleness: cfg.Staleness,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Configured reports whether resumable streams are available.
func (c *Coordinator) Configured() bool { return c.streams != nil }

// Resume resolves req to a stream. ctx bounds the returned sequence.
func (c *Coordinator) Resume(ctx context.Context, req Request) (*Result, error) {
	if c.streams == nil {
		return nil, ErrUnconfigured
	}
	requestedAt := c.now()

	chat, err := c.chats.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return nil, ErrChatNotFound
	}
	if !chat.CanRead(req.Session) {
		return nil, ErrForbidden
	}

	ids, err := c.chats.StreamIDs(ctx, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load stream ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoStreams
	}
	streamID := ids[len(ids)-1]
	from := max(req.From, 0)

	events, err := c.streams.Subscribe(ctx, streamID, from)
	switch {
	case err == nil:
		c.logger.Debug("resuming live stream", "chat", req.ChatID, "stream", streamID, "from", from)
		c.bus.Emit(bus.Event{Type: bus.EventStreamResumed, ChatID: req.ChatID, StreamID: streamID, Source: "resume"})
		return &Result{Mode: Live, StreamID: streamID, From: from, Events: events}, nil
	case errors.Is(err, stream.ErrNotFound):
		return c.fallback(ctx, req.ChatID, streamID, requestedAt)
	default:
		return nil, fmt.Errorf("subscribe %s: %w", streamID, err)
	}
}

// fallback replays the last message when it is an assistant turn created no
// more than the staleness window before the request.
func (c *Coordinator) fallback(ctx context.Context, chatID, streamID string, requestedAt time.Time) (*Result, error) {
	msgs, err := c.chats.GetMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	empty := &Result{Mode: Empty, StreamID: streamID, Events: func(func(domain.Event, error) bool) {}}
	if len(msgs) == 0 {
		return empty, nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant {
		return empty, nil
	}
	if age := requestedAt.Sub(last.CreatedAt); age > c.staleness {
		c.logger.Debug("last message too old to replay", "chat", chatID, "age", age)
		return empty, nil
	}

	c.bus.Emit(bus.Event{Type: bus.EventStreamFallback, ChatID: chatID, StreamID: streamID, Source: "resume"})
	ev := domain.Event{Seq: 0, Payload: domain.AppendMessage{Message: last}}
	return &Result{Mode: Replay, StreamID: streamID, Events: oneShot(ev)}, nil
}

func oneShot(events ...domain.Event) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		for _, ev := range slices.Clone(events) {
			if !yield(ev, nil) {
				return
			}
		}
	}
}
