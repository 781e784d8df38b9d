package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
)

func TestOpenAI_ChatStream(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL + "/", Model: "m1", Logger: testLogger()})
	text, done, err := collect(t, p)
	require.NoError(t, err)
	require.Equal(t, "Hi there", text)
	require.Equal(t, "chatcmpl-1", done.ResponseID)
	require.Equal(t, "length", done.Finish)
	require.True(t, got.Stream)
	require.Equal(t, "m1", got.Model)
}

func TestOpenAI_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-9","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, "cmpl-9", resp.ResponseID)
	require.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAI_ClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	_, _, err := collect(t, p)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	require.False(t, statusErr.Retryable())
	require.True(t, strings.Contains(statusErr.Body, "bad key"))
	require.Equal(t, 1, calls)
}

func TestOpenAI_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	require.NoError(t, NewOpenAI(OpenAIConfig{APIBase: srv.URL, APIKey: "good"}).Healthy(context.Background()))
	require.Error(t, NewOpenAI(OpenAIConfig{APIBase: srv.URL, APIKey: "bad"}).Healthy(context.Background()))
}

func TestStatusError_Retryable(t *testing.T) {
	require.True(t, (&StatusError{StatusCode: 503}).Retryable())
	require.True(t, (&StatusError{StatusCode: 429}).Retryable())
	require.False(t, (&StatusError{StatusCode: 404}).Retryable())
}
