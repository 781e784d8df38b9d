package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"streamchat/internal/domain"
)

// Throttled limits how often a provider is called. Callers block until a
// token is available or ctx ends.
type Throttled struct {
	domain.StreamingProvider
	limiter *rate.Limiter
}

// NewThrottled allows perMinute calls per minute with a burst of one
// minute's quota divided by ten (at least one).
func NewThrottled(p domain.StreamingProvider, perMinute int) *Throttled {
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	limit := rate.Every(time.Minute / time.Duration(perMinute))
	return &Throttled{StreamingProvider: p, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", t.Name(), err)
	}
	return t.StreamingProvider.Chat(ctx, req)
}

func (t *Throttled) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	if err := t.limiter.Wait(ctx); err != nil {
		close(out)
		return fmt.Errorf("%s rate limit: %w", t.Name(), err)
	}
	return t.StreamingProvider.ChatStream(ctx, req, out)
}
