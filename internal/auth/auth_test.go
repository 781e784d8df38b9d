package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(Config{Secret: "test-secret-123", TTL: time.Hour})
	require.NoError(t, err)
	return a
}

func TestIssueAndParse(t *testing.T) {
	a := newTestAuth(t)

	tok, exp, err := a.Issue(domain.Session{UserID: "u1"})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	s, err := a.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, &domain.Session{UserID: "u1", Type: domain.UserRegular}, s)
}

func TestParse_Rejects(t *testing.T) {
	a := newTestAuth(t)
	other, err := New(Config{Secret: "another-secret"})
	require.NoError(t, err)
	foreign, _, err := other.Issue(domain.Session{UserID: "u1"})
	require.NoError(t, err)

	expired := newTestAuth(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.Issue(domain.Session{UserID: "u1"})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, claims{UserType: domain.UserRegular})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"expired":      old,
		"alg none":     unsigned,
	} {
		_, err := a.Parse(tok)
		require.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestCurrentSession(t *testing.T) {
	a := newTestAuth(t)
	guest, tok, exp, err := a.IssueGuest()
	require.NoError(t, err)
	require.Equal(t, domain.UserGuest, guest.Type)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Nil(t, a.CurrentSession(r))

	r.Header.Set("Authorization", "Bearer "+tok)
	require.Equal(t, guest.UserID, a.CurrentSession(r).UserID)

	rec := httptest.NewRecorder()
	a.SetCookie(rec, tok, exp)
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		r.AddCookie(c)
	}
	require.Equal(t, guest.UserID, a.CurrentSession(r).UserID)

	r.Header.Set("Authorization", "Bearer broken")
	require.Nil(t, a.CurrentSession(r))
}

func TestNew_ShortSecret(t *testing.T) {
	_, err := New(Config{Secret: "short"})
	require.Error(t, err)
}
