package provider

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamchat/internal/domain"
)

// Echo is a local provider that streams the last user message back word by
// word. It needs no network and is the default for development.
type Echo struct {
	name  string
	delay time.Duration
}

func NewEcho(name string, delay time.Duration) *Echo {
	if name == "" {
		name = "echo"
	}
	return &Echo{name: name, delay: delay}
}

func (e *Echo) Name() string                    { return e.name }
func (e *Echo) Models() []string                { return []string{"echo"} }
func (e *Echo) Healthy(ctx context.Context) error { return nil }

func (e *Echo) reply(req domain.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return "You said: " + req.Messages[i].Content
		}
	}
	return "Hello!"
}

func (e *Echo) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{
		Content:      e.reply(req),
		ResponseID:   "echo-" + uuid.NewString(),
		FinishReason: "stop",
	}, nil
}

func (e *Echo) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	words := strings.SplitAfter(e.reply(req), " ")
	for _, w := range words {
		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.delay):
			}
		}
		if err := send(ctx, out, domain.StreamEvent{Type: domain.StreamToken, Content: w}); err != nil {
			return err
		}
	}
	return send(ctx, out, domain.StreamEvent{Type: domain.StreamDone, ResponseID: "echo-" + uuid.NewString(), Finish: "stop"})
}
