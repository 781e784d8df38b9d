// Package auth issues and verifies session tokens. A token is an HS256 JWT
// whose subject is the user id and whose "typ" claim is the user type; it is
// accepted from an Authorization bearer header or the session cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"streamchat/internal/domain"
)

const (
	issuer            = "streamchat"
	defaultCookieName = "streamchat_session"
	defaultTTL        = 30 * 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid session token")

type claims struct {
	UserType domain.UserType `json:"typ"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret     string
	CookieName string
	TTL        time.Duration
}

// Authenticator resolves the session of a request.
type Authenticator struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
	now        func() time.Time
}

func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) < 8 {
		return nil, errors.New("auth secret must be at least 8 characters")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Authenticator{secret: []byte(cfg.Secret), cookieName: cfg.CookieName, ttl: cfg.TTL, now: time.Now}, nil
}

// Issue signs a token for s.
func (a *Authenticator) Issue(s domain.Session) (string, time.Time, error) {
	if s.UserID == "" {
		return "", time.Time{}, errors.New("session has no user id")
	}
	if s.Type == "" {
		s.Type = domain.UserRegular
	}
	now := a.now()
	expires := now.Add(a.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserType: s.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// IssueGuest creates a new guest identity and signs a token for it.
func (a *Authenticator) IssueGuest() (domain.Session, string, time.Time, error) {
	s := domain.Session{UserID: "guest-" + uuid.NewString(), Type: domain.UserGuest}
	tok, exp, err := a.Issue(s)
	return s, tok, exp, err
}

// Parse verifies a token and returns its session.
func (a *Authenticator) Parse(token string) (*domain.Session, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	switch c.UserType {
	case domain.UserGuest, domain.UserRegular:
	default:
		return nil, fmt.Errorf("%w: unknown user type %q", ErrInvalidToken, c.UserType)
	}
	return &domain.Session{UserID: c.Subject, Type: c.UserType}, nil
}

// CurrentSession returns the caller's session, or nil when the request
// carries no valid token. The bearer header wins over the cookie.
func (a *Authenticator) CurrentSession(r *http.Request) *domain.Session {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(a.cookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil
	}
	s, err := a.Parse(token)
	if err != nil {
		return nil
	}
	return s
}

// SetCookie stores token in the session cookie.
func (a *Authenticator) SetCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
