package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamchat/internal/domain"
	"streamchat/internal/stream"
)

// Outcome says how a Resume or Send call ended.
type Outcome int

const (
	// Completed means the stream was read to its end.
	Completed Outcome = iota
	// NotNeeded means the last message was not a user turn.
	NotNeeded
	// Unconfigured means the server has no resumable streams.
	Unconfigured
	// NothingToResume means the chat has no stream to attach to.
	NothingToResume
	// Cancelled means ctx ended before the stream did.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case NotNeeded:
		return "not-needed"
	case Unconfigured:
		return "unconfigured"
	case NothingToResume:
		return "nothing-to-resume"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result summarises one streamed response.
type Result struct {
	Outcome  Outcome
	StreamID string
	Mode     string
	Applied  int
	Skipped  int
	Dropped  int
}

// APIError is a non-success response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Status, e.Code)
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	return msg
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnEvent, when set, sees every decoded event after it is applied.
	OnEvent func(ev domain.Event, applied bool)
}

// Agent talks to a streamchat server on behalf of one user.
type Agent struct {
	base    string
	token   string
	http    *http.Client
	logger  *slog.Logger
	onEvent func(domain.Event, bool)
}

func NewAgent(cfg Config) *Agent {
	if cfg.HTTPClient == nil {
		// No overall timeout: streams stay open for as long as generation runs.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		onEvent: cfg.OnEvent,
	}
}

func (a *Agent) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return nil, err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return req, nil
}

// Load fetches a chat and its persisted messages.
func (a *Agent) Load(ctx context.Context, chatID string) (*Conversation, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var view struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	return NewConversation(chatID, view.Messages...), nil
}

// Resume reattaches to the chat's latest generation when the last local
// message is a user turn. The cursor of the last seen stream is sent as
// Last-Event-ID; when the server answers with a different stream the request
// is repeated from the start of that stream.
func (a *Agent) Resume(ctx context.Context, conv *Conversation) (Result, error) {
	if !conv.NeedsResume() {
		return Result{Outcome: NotNeeded}, nil
	}
	last := conv.LastStream()
	cursor, hasCursor := conv.Cursor(last)

	res, err := a.resume(ctx, conv, last, cursor, hasCursor)
	if errors.Is(err, errStreamChanged) {
		a.logger.Debug("latest stream changed, resuming from start", "chat", conv.ChatID, "previous", last)
		return a.resume(ctx, conv, "", 0, false)
	}
	return res, err
}

var errStreamChanged = errors.New("latest stream differs from cursor stream")

func (a *Agent) resume(ctx context.Context, conv *Conversation, last string, cursor int64, hasCursor bool) (Result, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/chat/"+url.PathEscape(conv.ChatID)+"/stream", nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if hasCursor {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(cursor, 10))
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled}, nil
		}
		return Result{}, fmt.Errorf("resume: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return Result{Outcome: Unconfigured}, nil
	case http.StatusNotFound:
		return Result{Outcome: NothingToResume}, nil
	default:
		return Result{}, readAPIError(resp)
	}

	streamID := resp.Header.Get("X-Stream-Id")
	if hasCursor && streamID != last {
		return Result{}, errStreamChanged
	}
	return a.consume(ctx, conv, resp)
}

// SendOptions select the model and visibility for a new message.
type SendOptions struct {
	ModelID            string
	Visibility         domain.Visibility
	PreviousResponseID string
}

// Send posts text as a new user message and applies the streamed reply.
func (a *Agent) Send(ctx context.Context, conv *Conversation, text string, opts SendOptions) (Result, error) {
	if opts.ModelID == "" {
		opts.ModelID = "chat-model"
	}
	if opts.Visibility == "" {
		opts.Visibility = domain.VisibilityPrivate
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		ChatID:    conv.ChatID,
		Role:      domain.RoleUser,
		Parts:     []domain.Part{domain.TextPart(text)},
		CreatedAt: time.Now(),
	}
	body, err := json.Marshal(map[string]any{
		"id": conv.ChatID,
		"message": map[string]any{
			"id":    msg.ID,
			"role":  msg.Role,
			"parts": msg.Parts,
		},
		"selectedModelId":        opts.ModelID,
		"selectedVisibilityType": opts.Visibility,
		"previousResponseId":     opts.PreviousResponseID,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	conv.Upsert(msg)
	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled}, nil
		}
		return Result{}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, readAPIError(resp)
	}
	return a.consume(ctx, conv, resp)
}

// consume applies every event in resp to conv. A cancelled ctx ends the read
// without an error.
func (a *Agent) consume(ctx context.Context, conv *Conversation, resp *http.Response) (Result, error) {
	res := Result{
		StreamID: resp.Header.Get("X-Stream-Id"),
		Mode:     resp.Header.Get("X-Resume-Mode"),
	}
	dec := stream.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			res.Dropped = dec.Dropped()
			switch {
			case errors.Is(err, io.EOF):
				res.Outcome = Completed
				return res, nil
			case ctx.Err() != nil:
				res.Outcome = Cancelled
				return res, nil
			default:
				return res, fmt.Errorf("read stream %s: %w", res.StreamID, err)
			}
		}
		applied := conv.Apply(res.StreamID, ev)
		if applied {
			res.Applied++
		} else {
			res.Skipped++
		}
		if a.onEvent != nil {
			a.onEvent(ev, applied)
		}
	}
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Cause = strings.TrimSpace(string(b))
	}
	return apiErr
}
