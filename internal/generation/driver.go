// Package generation runs model generations for chats. A generation is
// detached from the request that started it: it keeps writing to its stream
// after the client goes away, and always ends with a terminal event and the
// assistant message persisted.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"streamchat/internal/bus"
	"streamchat/internal/domain"
	"streamchat/internal/stream"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultLeaseTTL = 90 * time.Second
	persistTimeout  = 10 * time.Second
)

// ErrGenerationInProgress is returned by Start while another generation holds the chat.
var ErrGenerationInProgress = domain.NewError(domain.KindConflict, "chat")

// ProviderResolver resolves a streaming provider by name; "" is the default.
type ProviderResolver interface {
	Streaming(name string) (domain.StreamingProvider, error)
}

type Config struct {
	Chats     domain.ChatStore
	Streams   stream.Store // nil when resumable streams are not configured
	Providers ProviderResolver
	Bus       *bus.EventBus
	Logger    *slog.Logger

	Timeout      time.Duration
	LeaseTTL     time.Duration
	SystemPrompt string
	MaxTokens    int
}

// Request starts a generation for ChatID. Messages is the persisted history
// ending with the new user turn. When UserMessage is set it is saved once the
// lease is held and Messages is reloaded from the store.
type Request struct {
	ChatID             string
	UserMessage        *domain.Message
	Messages           []domain.Message
	Provider           string
	Model              string
	PreviousResponseID string
}

// Driver starts generations and tracks the ones still running.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*Run // by stream id
	wg     sync.WaitGroup
}

func NewDriver(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LeaseTTL < cfg.Timeout {
		cfg.LeaseTTL = max(defaultLeaseTTL, cfg.Timeout+persistTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		active: make(map[string]*Run),
	}
}

// Start acquires the chat's lease, registers a new stream and launches the
// generation in the background. ctx only bounds the setup; the generation
// itself outlives it.
func (d *Driver) Start(ctx context.Context, req Request) (*Run, error) {
	provider, err := d.cfg.Providers.Streaming(req.Provider)
	if err != nil {
		return nil, domain.NewError(domain.KindBadRequest, "api").WithCause("unknown provider").Wrap(err)
	}

	token := shortuuid.New()
	if _, err := d.cfg.Chats.AcquireLease(ctx, req.ChatID, token, d.cfg.LeaseTTL); err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			return nil, ErrGenerationInProgress.Wrap(err)
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}

	if req.UserMessage != nil {
		history, err := d.saveTurn(ctx, *req.UserMessage)
		if err != nil {
			d.release(context.WithoutCancel(ctx), req.ChatID, token)
			return nil, err
		}
		req.Messages = history
	}

	run := &Run{
		ChatID:    req.ChatID,
		StreamID:  uuid.NewString(),
		MessageID: uuid.NewString(),
		provider:  provider.Name(),
		startedAt: d.now(),
		log:       stream.NewLog(d.now()),
		done:      make(chan struct{}),
	}

	if err := d.cfg.Chats.CreateStreamID(ctx, run.StreamID, req.ChatID); err != nil {
		d.release(context.WithoutCancel(ctx), req.ChatID, token)
		return nil, fmt.Errorf("register stream: %w", err)
	}

	streams := d.cfg.Streams
	if streams != nil {
		if err := streams.Create(ctx, run.StreamID); err != nil {
			d.logger.Warn("stream store unavailable for generation", "chat", req.ChatID, "stream", run.StreamID, "err", err)
			streams = nil
		}
	}

	d.mu.Lock()
	d.active[run.StreamID] = run
	d.mu.Unlock()
	d.wg.Add(1)

	w := &writer{run: run, streams: streams, logger: d.logger, now: d.now}
	go d.generate(context.WithoutCancel(ctx), run, w, provider, req, token)
	return run, nil
}

func (d *Driver) generate(base context.Context, run *Run, w *writer, provider domain.StreamingProvider, req Request, token string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.active, run.StreamID)
		d.mu.Unlock()
		close(run.done)
	}()

	log := d.logger.With("chat", run.ChatID, "stream", run.StreamID, "provider", provider.Name())
	log.Info("generation started")
	d.cfg.Bus.Emit(bus.Event{Type: bus.EventGenerationStarted, ChatID: run.ChatID, StreamID: run.StreamID, Source: "generation"})

	w.emit(base, domain.Start{MessageID: run.MessageID})

	ctx, cancel := context.WithTimeout(base, d.cfg.Timeout)
	defer cancel()

	out := make(chan domain.StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- provider.ChatStream(ctx, domain.ChatRequest{
			Messages:           buildPrompt(d.cfg.SystemPrompt, req.Messages),
			Model:              req.Model,
			MaxTokens:          d.cfg.MaxTokens,
			PreviousResponseID: req.PreviousResponseID,
		}, out)
	}()

	var (
		text       strings.Builder
		responseID string
		finish     = "stop"
		inBandErr  error
	)
	for ev := range out {
		switch ev.Type {
		case domain.StreamToken:
			text.WriteString(ev.Content)
			w.emit(base, domain.Delta{Text: ev.Content})
		case domain.StreamField:
			w.emit(base, domain.FieldStart{Field: ev.Field, Value: ev.Content})
		case domain.StreamDone:
			responseID = ev.ResponseID
			if ev.Finish != "" {
				finish = ev.Finish
			}
		case domain.StreamError:
			inBandErr = errors.New(ev.Content)
		}
	}
	err := <-errCh
	if err == nil {
		err = inBandErr
	}

	if err != nil {
		finish = "error"
		upstream := domain.NewError(domain.KindUpstream, "chat")
		msg := upstream.Message()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "The response took too long and was stopped."
		}
		w.emit(base, domain.ErrorPart{Message: msg})
		err = upstream.Wrap(err)
		log.Warn("generation failed", "err", err, "chars", text.Len())
	}

	outcome := Outcome{ResponseID: responseID, FinishReason: finish, Err: err}
	if text.Len() > 0 {
		msg := domain.Message{
			ID:        run.MessageID,
			ChatID:    run.ChatID,
			Role:      domain.RoleAssistant,
			Parts:     []domain.Part{domain.TextPart(text.String())},
			CreatedAt: d.now().UTC(),
		}
		if responseID != "" {
			msg.Attachments = []domain.Attachment{{ResponseID: responseID}}
		}
		pctx, pcancel := context.WithTimeout(base, persistTimeout)
		if perr := d.cfg.Chats.SaveMessages(pctx, []domain.Message{msg}); perr != nil {
			log.Error("failed to persist assistant message", "err", perr)
		} else {
			outcome.Message = &msg
		}
		pcancel()
	}

	w.emit(base, domain.Finish{Reason: finish})
	w.close(base)
	d.release(base, run.ChatID, token)

	outcome.Elapsed = d.now().Sub(run.startedAt)
	run.outcome = outcome

	evType := bus.EventGenerationFinished
	if err != nil {
		evType = bus.EventGenerationFailed
	} else {
		log.Info("generation finished", "chars", text.Len(), "finish", finish, "elapsed", outcome.Elapsed)
	}
	d.cfg.Bus.Emit(bus.Event{
		Type:     evType,
		ChatID:   run.ChatID,
		StreamID: run.StreamID,
		Source:   "generation",
		Payload:  map[string]any{"elapsed": outcome.Elapsed, "finish": finish},
	})
}

func (d *Driver) saveTurn(ctx context.Context, msg domain.Message) ([]domain.Message, error) {
	if err := d.cfg.Chats.SaveMessages(ctx, []domain.Message{msg}); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	history, err := d.cfg.Chats.GetMessages(ctx, msg.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

func (d *Driver) release(ctx context.Context, chatID, token string) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := d.cfg.Chats.ReleaseLease(ctx, chatID, token); err != nil {
		d.logger.Warn("failed to release chat lease", "chat", chatID, "err", err)
	}
}

// Active lists running generations, oldest first.
func (d *Driver) Active() []Status {
	d.mu.Lock()
	out := make([]Status, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r.Status())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Wait blocks until every running generation has finished or ctx is done.
func (d *Driver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writer appends each event to the stream store first, then to the live
// log, so any position a live viewer has seen is already resumable. After
// the first store failure the store is closed and only the live log is
// written, keeping the stored channel a prefix of the live one.
type writer struct {
	run     *Run
	streams stream.Store
	logger  *slog.Logger
	now     func() time.Time
}

func (w *writer) emit(ctx context.Context, p domain.Payload) {
	if w.streams != nil {
		if _, err := w.streams.Append(ctx, w.run.StreamID, p); err != nil {
			w.logger.Warn("stream append failed, continuing live only", "stream", w.run.StreamID, "kind", p.Kind(), "err", err)
			if cerr := w.streams.Close(ctx, w.run.StreamID); cerr != nil && !errors.Is(cerr, stream.ErrNotFound) {
				w.logger.Debug("stream close failed", "stream", w.run.StreamID, "err", cerr)
			}
			w.streams = nil
		}
	}
	if _, err := w.run.log.Append(p, w.now()); err != nil {
		w.logger.Debug("live log append after close", "stream", w.run.StreamID, "err", err)
	}
}

// close marks both channels terminal. The finish event normally already
// did; this covers the case where appending it failed.
func (w *writer) close(ctx context.Context) {
	if w.streams != nil {
		if err := w.streams.Close(ctx, w.run.StreamID); err != nil {
			w.logger.Debug("stream close failed", "stream", w.run.StreamID, "err", err)
		}
	}
	w.run.log.Close(w.now())
}
