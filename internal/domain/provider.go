package domain

import "context"

// Provider is the interface all LLM providers must implement.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Models() []string
	Healthy(ctx context.Context) error
}

// StreamingProvider is an optional extension for providers that support
// token-by-token streaming. Implementations close out before returning.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken StreamEventType = "token"
	StreamField StreamEventType = "field"
	StreamDone  StreamEventType = "done"
	StreamError StreamEventType = "error"
)

// StreamEvent represents a single streaming event from an LLM provider.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Content    string          `json:"content,omitempty"` // token text, field value or error message
	Field      Field           `json:"field,omitempty"`
	ResponseID string          `json:"response_id,omitempty"` // upstream response id, set on done
	Finish     string          `json:"finish,omitempty"`      // stop | length
}

// ChatMessage is one turn of the prompt sent upstream.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages           []ChatMessage
	Model              string
	MaxTokens          int
	Temperature        float64
	PreviousResponseID string
	Provider           string // optional: override default provider for this request
}

type ChatResponse struct {
	Content      string
	ResponseID   string
	FinishReason string // stop | length
	Usage        Usage
	LatencyMs    int64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
