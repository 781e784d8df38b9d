package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_CodeAndStatus(t *testing.T) {
	tests := []struct {
		err    *Error
		code   string
		status int
	}{
		{NewError(KindBadRequest, "api"), "bad_request:api", http.StatusBadRequest},
		{NewError(KindNotFound, "stream"), "not_found:stream", http.StatusNotFound},
		{NewError(KindRateLimit, "chat"), "rate_limit:chat", http.StatusTooManyRequests},
		{NewError(KindConflict, "chat"), "conflict:chat", http.StatusConflict},
		{NewError(KindUnconfigured, "stream"), "unconfigured:stream", http.StatusNoContent},
		{NewError(KindOffline, "chat"), "offline:chat", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.err.Code(); got != tt.code {
			t.Errorf("Code() = %q, want %q", got, tt.code)
		}
		if got := tt.err.StatusCode(); got != tt.status {
			t.Errorf("%s StatusCode() = %d, want %d", tt.code, got, tt.status)
		}
	}
}

func TestError_IsMatchesKindAndSurface(t *testing.T) {
	notFound := NewError(KindNotFound, "chat")
	wrapped := fmt.Errorf("load: %w", notFound.WithCause("chat 42"))

	if !errors.Is(wrapped, notFound) {
		t.Fatal("expected wrapped error to match sentinel")
	}
	if errors.Is(wrapped, NewError(KindNotFound, "stream")) {
		t.Fatal("different surface must not match")
	}
}

func TestAsError_FallsBackToOffline(t *testing.T) {
	e := AsError(errors.New("disk gone"), "chat")
	if e.Kind != KindOffline || e.Surface != "chat" {
		t.Fatalf("got %s", e.Code())
	}
	if e.Err == nil {
		t.Fatal("expected cause to be preserved")
	}
}

func TestChat_CanRead(t *testing.T) {
	owner := &Session{UserID: "u1"}
	other := &Session{UserID: "u2"}

	private := &Chat{UserID: "u1", Visibility: VisibilityPrivate}
	if !private.CanRead(owner) {
		t.Error("owner should read private chat")
	}
	if private.CanRead(other) {
		t.Error("non-owner should not read private chat")
	}

	public := &Chat{UserID: "u1", Visibility: VisibilityPublic}
	if !public.CanRead(other) || !public.CanRead(nil) {
		t.Error("public chat should be readable")
	}
}
