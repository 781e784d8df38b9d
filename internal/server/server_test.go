package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"streamchat/internal/auth"
	"streamchat/internal/bus"
	"streamchat/internal/catalog"
	"streamchat/internal/chatstore"
	"streamchat/internal/domain"
	"streamchat/internal/generation"
	"streamchat/internal/metrics"
	"streamchat/internal/resume"
	"streamchat/internal/sqldb"
	"streamchat/internal/stream"
)

type scripted struct {
	tokens  []string
	release chan struct{}
}

func (s *scripted) Name() string                      { return "scripted" }
func (s *scripted) Models() []string                  { return []string{"m"} }
func (s *scripted) Healthy(ctx context.Context) error { return nil }
func (s *scripted) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (s *scripted) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, tok := range s.tokens {
		out <- domain.StreamEvent{Type: domain.StreamToken, Content: tok}
	}
	out <- domain.StreamEvent{Type: domain.StreamDone, ResponseID: "resp-1", Finish: "stop"}
	return nil
}

type resolver struct{ p domain.StreamingProvider }

func (r resolver) Streaming(string) (domain.StreamingProvider, error) { return r.p, nil }

type fixture struct {
	srv     *Server
	chats   *chatstore.Store
	streams *stream.Memory
	driver  *generation.Driver
	auth    *auth.Authenticator
	bus     *bus.EventBus
}

type options struct {
	provider  *scripted
	catalog   *catalog.Catalog
	noStreams bool
	heartbeat time.Duration
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()
	db, err := sqldb.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	chats, err := chatstore.New(ctx, db, logger)
	require.NoError(t, err)

	if opts.provider == nil {
		opts.provider = &scripted{tokens: []string{"Hi", " there"}}
	}
	a, err := auth.New(auth.Config{Secret: "test-secret-123"})
	require.NoError(t, err)

	f := &fixture{chats: chats, auth: a, bus: bus.NewEventBus(logger)}
	var streams stream.Store
	if !opts.noStreams {
		f.streams = stream.NewMemory(stream.Options{})
		streams = f.streams
	}
	f.driver = generation.NewDriver(generation.Config{
		Chats: chats, Streams: streams, Providers: resolver{opts.provider}, Bus: f.bus, Logger: logger,
	})
	f.srv = New(Config{
		Heartbeat:   opts.heartbeat,
		Chats:       chats,
		Driver:      f.driver,
		Coordinator: resume.NewCoordinator(resume.Config{Chats: chats, Streams: streams, Bus: f.bus, Logger: logger}),
		Auth:        a,
		Catalog:     opts.catalog,
		Bus:         f.bus,
		Metrics:     metrics.NewSet(metrics.NewCollector()),
		Logger:      logger,
		Version:     "test",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.driver.Wait(ctx)
	})
	return f
}

func (f *fixture) token(t *testing.T, userID string, typ domain.UserType) string {
	t.Helper()
	tok, _, err := f.auth.Issue(domain.Session{UserID: userID, Type: typ})
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func chatBody(chatID, text string) map[string]any {
	return map[string]any{
		"id": chatID,
		"message": map[string]any{
			"id":    uuid.NewString(),
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": text}},
		},
		"selectedModelId":        catalog.DefaultModelID,
		"selectedVisibilityType": "private",
	}
}

func postChat(t *testing.T, body any, token string) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeEvents(t *testing.T, r io.Reader) []domain.Event {
	t.Helper()
	dec := stream.NewDecoder(r)
	var out []domain.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.driver.Wait(ctx))
}

func TestPostChat_StreamsReplyAndPersists(t *testing.T) {
	f := newFixture(t, options{})
	chatID := uuid.NewString()
	tok := f.token(t, "u1", domain.UserRegular)

	rec := f.do(postChat(t, chatBody(chatID, "hello\nsecond line"), tok))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Stream-Id"))

	events := decodeEvents(t, rec.Body)
	require.Len(t, events, 4)
	require.IsType(t, domain.Start{}, events[0].Payload)
	require.Equal(t, domain.Delta{Text: "Hi"}, events[1].Payload)
	require.Equal(t, domain.Delta{Text: " there"}, events[2].Payload)
	require.True(t, events[3].IsTerminal())
	for i, ev := range events {
		require.Equal(t, int64(i), ev.Seq)
	}
	f.waitIdle(t)

	get := httptest.NewRequest(http.MethodGet, "/chat/"+chatID, nil)
	get.Header.Set("Authorization", "Bearer "+tok)
	rec = f.do(get)
	require.Equal(t, http.StatusOK, rec.Code)
	var view chatView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "hello", view.Chat.Title)
	require.Equal(t, "u1", view.Chat.UserID)
	require.Len(t, view.Messages, 2)
	require.Equal(t, domain.RoleAssistant, view.Messages[1].Role)
	require.Equal(t, "Hi there", view.Messages[1].Text())
}

func TestPostChat_Validation(t *testing.T) {
	f := newFixture(t, options{})
	tok := f.token(t, "u1", domain.UserRegular)
	chatID := uuid.NewString()

	tests := []struct {
		name   string
		mutate func(b map[string]any)
	}{
		{"bad chat id", func(b map[string]any) { b["id"] = "not-a-uuid" }},
		{"bad message id", func(b map[string]any) { b["message"].(map[string]any)["id"] = "x" }},
		{"assistant role", func(b map[string]any) { b["message"].(map[string]any)["role"] = "assistant" }},
		{"empty text", func(b map[string]any) {
			b["message"].(map[string]any)["parts"] = []map[string]any{{"type": "text", "text": ""}}
		}},
		{"text too long", func(b map[string]any) {
			b["message"].(map[string]any)["parts"] = []map[string]any{{"type": "text", "text": strings.Repeat("a", 2001)}}
		}},
		{"gif file", func(b map[string]any) {
			b["message"].(map[string]any)["parts"] = []map[string]any{
				{"type": "file", "mediaType": "image/gif", "name": "a.gif", "url": "https://x/a.gif"},
			}
		}},
		{"bad visibility", func(b map[string]any) { b["selectedVisibilityType"] = "team" }},
		{"unknown model", func(b map[string]any) { b["selectedModelId"] = "gpt-9" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := chatBody(chatID, "hello")
			tt.mutate(body)
			rec := f.do(postChat(t, body, tok))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "bad_request:api", errorCode(t, rec))
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{"))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := f.do(req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("file part accepted", func(t *testing.T) {
		body := chatBody(chatID, "hello")
		body["message"].(map[string]any)["parts"] = []map[string]any{
			{"type": "file", "mediaType": "image/png", "name": "a.png", "url": "https://x/a.png"},
			{"type": "text", "text": "what is this?"},
		}
		rec := f.do(postChat(t, body, tok))
		require.Equal(t, http.StatusOK, rec.Code)
		f.waitIdle(t)
	})
}

func TestPostChat_RequiresSession(t *testing.T) {
	f := newFixture(t, options{})
	rec := f.do(postChat(t, chatBody(uuid.NewString(), "hello"), ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized:chat", errorCode(t, rec))
}

func TestPostChat_OtherUsersChat(t *testing.T) {
	f := newFixture(t, options{})
	chatID := uuid.NewString()
	require.Equal(t, http.StatusOK, f.do(postChat(t, chatBody(chatID, "mine"), f.token(t, "owner", domain.UserRegular))).Code)
	f.waitIdle(t)

	rec := f.do(postChat(t, chatBody(chatID, "theirs"), f.token(t, "intruder", domain.UserRegular)))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden:chat", errorCode(t, rec))
}

func writeCatalog(t *testing.T, yaml string) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	c, err := catalog.Load(path, nil)
	require.NoError(t, err)
	return c
}

const restrictedCatalog = `
models:
  - id: chat-model
    name: Chat model
  - id: chat-model-reasoning
    name: Reasoning model
entitlements:
  guest:
    maxMessagesPerDay: 1
    models: [chat-model]
  regular:
    maxMessagesPerDay: 100
    models: []
`

func TestPostChat_ModelEntitlement(t *testing.T) {
	f := newFixture(t, options{catalog: writeCatalog(t, restrictedCatalog)})
	body := chatBody(uuid.NewString(), "hello")
	body["selectedModelId"] = catalog.ReasoningModelID

	rec := f.do(postChat(t, body, f.token(t, "g1", domain.UserGuest)))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden:model", errorCode(t, rec))

	rec = f.do(postChat(t, body, f.token(t, "r1", domain.UserRegular)))
	require.Equal(t, http.StatusOK, rec.Code)
	f.waitIdle(t)
}

func TestPostChat_DailyQuota(t *testing.T) {
	f := newFixture(t, options{catalog: writeCatalog(t, restrictedCatalog)})
	tok := f.token(t, "g1", domain.UserGuest)
	var exceeded int
	f.bus.On(bus.EventQuotaExceeded, func(bus.Event) { exceeded++ })

	chatID := uuid.NewString()
	require.Equal(t, http.StatusOK, f.do(postChat(t, chatBody(chatID, "first"), tok)).Code)
	f.waitIdle(t)

	rec := f.do(postChat(t, chatBody(chatID, "second"), tok))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limit:chat", errorCode(t, rec))
	require.Equal(t, 1, exceeded)
}

func TestPostChat_ConcurrentGenerationConflicts(t *testing.T) {
	p := &scripted{tokens: []string{"slow"}, release: make(chan struct{})}
	f := newFixture(t, options{provider: p})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	tok := f.token(t, "u1", domain.UserRegular)
	chatID := uuid.NewString()
	send := func(text string) *http.Response {
		b, err := json.Marshal(chatBody(chatID, text))
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/chat", bytes.NewReader(b))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := send("one")
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := send("two")
	second.Body.Close()
	require.Equal(t, http.StatusConflict, second.StatusCode)

	close(p.release)
	events := decodeEvents(t, first.Body)
	require.True(t, events[len(events)-1].IsTerminal())
	f.waitIdle(t)

	msgs, err := f.chats.GetMessages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "one", msgs[0].Text())
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	n, err := f.chats.CountRecentMessages(context.Background(), "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPostChat_MessageIDFromAnotherChat(t *testing.T) {
	f := newFixture(t, options{})
	ownerTok := f.token(t, "owner", domain.UserRegular)
	victimChat := uuid.NewString()
	body := chatBody(victimChat, "hello")
	body["selectedVisibilityType"] = "public"
	require.Equal(t, http.StatusOK, f.do(postChat(t, body, ownerTok)).Code)
	f.waitIdle(t)

	before, err := f.chats.GetMessages(context.Background(), victimChat)
	require.NoError(t, err)
	require.Len(t, before, 2)

	otherTok := f.token(t, "other", domain.UserRegular)
	for _, stolen := range before {
		otherChat := uuid.NewString()
		reuse := chatBody(otherChat, "copy")
		reuse["message"].(map[string]any)["id"] = stolen.ID

		rec := f.do(postChat(t, reuse, otherTok))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "bad_request:api", errorCode(t, rec))

		chat, err := f.chats.GetChat(context.Background(), otherChat)
		require.NoError(t, err)
		require.Nil(t, chat)
	}

	after, err := f.chats.GetMessages(context.Background(), victimChat)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func resumeRequest(chatID, token, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/chat/"+chatID+"/stream"+query, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestResume_Unconfigured(t *testing.T) {
	f := newFixture(t, options{noStreams: true})
	rec := f.do(resumeRequest("not-a-uuid", "", ""))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestResume_RequestChecks(t *testing.T) {
	f := newFixture(t, options{})
	owner := f.token(t, "owner", domain.UserRegular)
	chatID := uuid.NewString()
	require.Equal(t, http.StatusOK, f.do(postChat(t, chatBody(chatID, "hello"), owner)).Code)
	f.waitIdle(t)

	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"bad id", resumeRequest("nope", owner, ""), http.StatusBadRequest, "bad_request:stream"},
		{"no session", resumeRequest(chatID, "", ""), http.StatusUnauthorized, "unauthorized:chat"},
		{"bad offset", resumeRequest(chatID, owner, "?fromEventId=-1"), http.StatusBadRequest, "bad_request:stream"},
		{"unknown chat", resumeRequest(uuid.NewString(), owner, ""), http.StatusNotFound, "not_found:chat"},
		{"private chat", resumeRequest(chatID, f.token(t, "other", domain.UserRegular), ""), http.StatusForbidden, "forbidden:chat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.req)
			require.Equal(t, tt.status, rec.Code)
			require.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestResume_FromOffset(t *testing.T) {
	f := newFixture(t, options{})
	tok := f.token(t, "u1", domain.UserRegular)
	chatID := uuid.NewString()
	post := f.do(postChat(t, chatBody(chatID, "hello"), tok))
	require.Equal(t, http.StatusOK, post.Code)
	f.waitIdle(t)

	rec := f.do(resumeRequest(chatID, tok, "?fromEventId=2"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, post.Header().Get("X-Stream-Id"), rec.Header().Get("X-Stream-Id"))
	require.Equal(t, "2", rec.Header().Get("X-Start-From-Id"))
	require.Equal(t, "live", rec.Header().Get("X-Resume-Mode"))
	events := decodeEvents(t, rec.Body)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].Seq)
	require.Equal(t, domain.Delta{Text: " there"}, events[0].Payload)

	req := resumeRequest(chatID, tok, "")
	req.Header.Set("Last-Event-ID", "2")
	rec = f.do(req)
	require.Equal(t, "3", rec.Header().Get("X-Start-From-Id"))
	events = decodeEvents(t, rec.Body)
	require.Len(t, events, 1)
	require.True(t, events[0].IsTerminal())
}

func TestResume_ReplaysRecentMessageWhenStreamIsGone(t *testing.T) {
	f := newFixture(t, options{})
	tok := f.token(t, "u1", domain.UserRegular)
	chatID := uuid.NewString()
	require.Equal(t, http.StatusOK, f.do(postChat(t, chatBody(chatID, "hello"), tok)).Code)
	f.waitIdle(t)

	_, err := f.streams.Sweep(context.Background(), time.Now().Add(24*time.Hour))
	require.NoError(t, err)

	rec := f.do(resumeRequest(chatID, tok, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "replay", rec.Header().Get("X-Resume-Mode"))
	events := decodeEvents(t, rec.Body)
	require.Len(t, events, 1)
	msg, ok := events[0].Payload.(domain.AppendMessage)
	require.True(t, ok)
	require.Equal(t, "Hi there", msg.Message.Text())
}

func TestResume_WebSocket(t *testing.T) {
	f := newFixture(t, options{})
	tok := f.token(t, "u1", domain.UserRegular)
	chatID := uuid.NewString()
	require.Equal(t, http.StatusOK, f.do(postChat(t, chatBody(chatID, "hello"), tok)).Code)
	f.waitIdle(t)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/" + chatID + "/stream/ws?fromEventId=1&token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "1", resp.Header.Get("X-Start-From-Id"))

	var events []domain.Event
	for {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	require.Equal(t, int64(1), events[0].Seq)
	require.True(t, events[2].IsTerminal())
}

func TestServeEvents_Heartbeat(t *testing.T) {
	f := newFixture(t, options{heartbeat: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	idle := func(yield func(domain.Event, error) bool) { <-ctx.Done() }
	f.srv.serveEvents(rec, req, idle)
	require.Contains(t, rec.Body.String(), ": keepalive\n\n")
}

func TestDeleteChat(t *testing.T) {
	f := newFixture(t, options{})
	owner := f.token(t, "owner", domain.UserRegular)
	chatID := uuid.NewString()
	require.Equal(t, http.StatusOK, f.do(postChat(t, chatBody(chatID, "hello"), owner)).Code)
	f.waitIdle(t)

	del := func(token, id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/chat?id="+id, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return f.do(req)
	}
	require.Equal(t, http.StatusBadRequest, del(owner, "").Code)
	require.Equal(t, http.StatusUnauthorized, del("", chatID).Code)
	require.Equal(t, http.StatusForbidden, del(f.token(t, "other", domain.UserRegular), chatID).Code)
	require.Equal(t, http.StatusNotFound, del(owner, uuid.NewString()).Code)

	rec := del(owner, chatID)
	require.Equal(t, http.StatusOK, rec.Code)
	var chat domain.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	require.Equal(t, chatID, chat.ID)

	get := httptest.NewRequest(http.MethodGet, "/chat/"+chatID, nil)
	get.Header.Set("Authorization", "Bearer "+owner)
	require.Equal(t, http.StatusNotFound, f.do(get).Code)
}

func TestModelsStatusAndGuest(t *testing.T) {
	f := newFixture(t, options{catalog: writeCatalog(t, restrictedCatalog)})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var models struct {
		Models            []catalog.Model `json:"models"`
		MaxMessagesPerDay int             `json:"maxMessagesPerDay"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	require.Len(t, models.Models, 1)
	require.Equal(t, 1, models.MaxMessagesPerDay)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "ok", status["status"])
	require.Equal(t, "test", status["version"])
	require.Equal(t, true, status["resumable"])

	rec = f.do(httptest.NewRequest(http.MethodPost, "/auth/guest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "streamchat_session", cookies[0].Name)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.AddCookie(cookies[0])
	sess := f.auth.CurrentSession(req)
	require.NotNil(t, sess)
	require.Equal(t, domain.UserGuest, sess.Type)
}
