package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"streamchat/internal/domain"
)

// LangChain drives an OpenAI-compatible endpoint through langchaingo's
// llms.Model, streaming chunks via llms.WithStreamingFunc.
type LangChain struct {
	name  string
	model string
	llm   llms.Model
}

type LangChainConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewLangChain(cfg LangChainConfig) (*LangChain, error) {
	if cfg.Name == "" {
		cfg.Name = "langchain"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithHTTPClient(cfg.Client),
	}
	if cfg.APIBase != "" {
		opts = append(opts, openai.WithBaseURL(cfg.APIBase))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain client %s: %w", cfg.Name, err)
	}
	return newLangChainWithModel(cfg.Name, cfg.Model, llm), nil
}

func newLangChainWithModel(name, model string, llm llms.Model) *LangChain {
	return &LangChain{name: name, model: model, llm: llm}
}

func (l *LangChain) Name() string     { return l.name }
func (l *LangChain) Models() []string { return []string{l.model} }

// Healthy sends a one-token prompt.
func (l *LangChain) Healthy(ctx context.Context) error {
	_, err := l.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "ping"),
	}, llms.WithMaxTokens(1))
	if err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	return nil
}

func toMessageContent(msgs []domain.ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case domain.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case domain.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func (l *LangChain) callOptions(req domain.ChatRequest) []llms.CallOption {
	var opts []llms.CallOption
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	return opts
}

func (l *LangChain) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := l.llm.GenerateContent(ctx, toMessageContent(req.Messages), l.callOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	return choiceResponse(resp), nil
}

func (l *LangChain) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	opts := append(l.callOptions(req), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		return send(ctx, out, domain.StreamEvent{Type: domain.StreamToken, Content: string(chunk)})
	}))
	resp, err := l.llm.GenerateContent(ctx, toMessageContent(req.Messages), opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	final := choiceResponse(resp)
	return send(ctx, out, domain.StreamEvent{Type: domain.StreamDone, ResponseID: final.ResponseID, Finish: final.FinishReason})
}

func choiceResponse(resp *llms.ContentResponse) *domain.ChatResponse {
	out := &domain.ChatResponse{FinishReason: "stop"}
	if resp == nil || len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Content
	if choice.StopReason != "" {
		out.FinishReason = choice.StopReason
	}
	if id, ok := choice.GenerationInfo["ID"].(string); ok {
		out.ResponseID = id
	}
	if n, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
		out.Usage.CompletionTokens = n
	}
	if n, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
		out.Usage.PromptTokens = n
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	return out
}
