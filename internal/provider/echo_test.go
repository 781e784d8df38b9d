package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
)

func TestEcho_ChatStream(t *testing.T) {
	p := NewEcho("", 0)
	out := make(chan domain.StreamEvent, 16)
	req := domain.ChatRequest{Messages: []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "ok"},
		{Role: domain.RoleUser, Content: "ping pong"},
	}}
	require.NoError(t, p.ChatStream(context.Background(), req, out))

	var text strings.Builder
	var last domain.StreamEvent
	n := 0
	for ev := range out {
		text.WriteString(ev.Content)
		last = ev
		n++
	}
	require.Equal(t, "You said: ping pong", text.String())
	require.Equal(t, 5, n) // four words plus done
	require.Equal(t, domain.StreamDone, last.Type)
	require.True(t, strings.HasPrefix(last.ResponseID, "echo-"))
}

func TestEcho_ChatStream_Cancelled(t *testing.T) {
	p := NewEcho("slow", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan domain.StreamEvent)
	err := p.ChatStream(ctx, domain.ChatRequest{}, out)
	require.ErrorIs(t, err, context.Canceled)
	_, open := <-out
	require.False(t, open)
}

func TestThrottled_WaitsForToken(t *testing.T) {
	p := NewThrottled(NewEcho("", 0), 1)

	_, err := p.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := make(chan domain.StreamEvent, 16)
	err = p.ChatStream(ctx, domain.ChatRequest{}, out)
	require.Error(t, err)
	_, open := <-out
	require.False(t, open)
	require.Equal(t, "echo", p.Name())
}
