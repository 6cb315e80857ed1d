// Package nonce issues and validates single-use anti-forgery tokens that bind
// an OAuth2 callback to the login attempt that started it.
//
// A token is an HS256 JWT carrying a purpose and a random id. The id is kept
// in the session; when no session is available it travels in a signed,
// HttpOnly cookie instead. Validation always clears the stored id and a
// validated id can never be validated again.
package nonce

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	oerrors "github.com/tendant/simple-oauth2/pkg/errors"
	"github.com/tendant/simple-oauth2/pkg/session"
)

const (
	kindState   = "state"
	kindBinding = "binding"

	// DefaultTTL bounds how long a user may spend at the provider.
	DefaultTTL = 10 * time.Minute
)

type claims struct {
	Purpose string `json:"purpose"`
	Kind    string `json:"kind"`
	jwt.RegisteredClaims
}

// Token is an issued anti-forgery token. Cookie is set only when the session
// could not hold the binding and must be sent with the redirect.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Cookie    *http.Cookie
}

// Service issues and validates tokens.
type Service struct {
	secret     []byte
	ttl        time.Duration
	secure     bool
	sameSite   http.SameSite
	cookiePath string
	now        func() time.Time

	mu       sync.Mutex
	consumed map[string]time.Time
}

// Option configures a Service
type Option func(*Service)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithCookie configures the fallback binding cookie.
func WithCookie(secure bool, sameSite http.SameSite, path string) Option {
	return func(s *Service) {
		s.secure = secure
		s.sameSite = sameSite
		s.cookiePath = path
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a token service signing with secret.
func NewService(secret []byte, opts ...Option) *Service {
	s := &Service{
		secret:     secret,
		ttl:        DefaultTTL,
		secure:     true,
		sameSite:   http.SameSiteLaxMode,
		cookiePath: "/",
		now:        time.Now,
		consumed:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// CookieName returns the binding cookie name for purpose. The __Secure-
// prefix is used whenever cookies are marked Secure.
func (s *Service) CookieName(purpose string) string {
	name := "oauth2nonce_" + sanitize(purpose)
	if s.secure {
		return "__Secure-" + name
	}
	return name
}

// ClearCookie returns a cookie that deletes the binding cookie for purpose.
func (s *Service) ClearCookie(purpose string) *http.Cookie {
	return &http.Cookie{
		Name:     s.CookieName(purpose),
		Value:    "",
		Path:     s.cookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
	}
}

// Issue creates a token for purpose and records its id in store. A nil
// store or one returning session.ErrUnavailable yields a binding cookie.
func (s *Service) Issue(ctx context.Context, store session.Store, purpose string) (Token, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	jti := uuid.NewString()

	value, err := s.sign(kindState, purpose, jti, now, expiresAt)
	if err != nil {
		return Token{}, err
	}
	token := Token{Value: value, ExpiresAt: expiresAt}

	if store != nil {
		err := store.Set(ctx, storageKey(purpose), jti, s.ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, session.ErrUnavailable) {
			return Token{}, fmt.Errorf("failed to store nonce: %w", err)
		}
	}

	binding, err := s.sign(kindBinding, purpose, jti, now, expiresAt)
	if err != nil {
		return Token{}, err
	}
	token.Cookie = &http.Cookie{
		Name:     s.CookieName(purpose),
		Value:    binding,
		Path:     s.cookiePath,
		Expires:  expiresAt,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
	}
	slog.Debug("Session unavailable, nonce bound to cookie", "purpose", purpose)
	return token, nil
}

// Validate checks token against the binding stored for purpose. The stored
// binding is cleared whatever the outcome. Every failure carries a protocol
// error code; callers treat it as "no identity".
func (s *Service) Validate(ctx context.Context, store session.Store, cookies []*http.Cookie, token, purpose string) error {
	expected := s.takeStored(ctx, store, purpose)
	if expected == "" {
		expected = s.bindingFromCookie(cookies, purpose)
	}

	if token == "" {
		return oerrors.Protocol("missing state token")
	}

	c, err := s.parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return oerrors.Wrap(err, oerrors.ErrCodeTokenExpired, "state token expired")
		}
		return oerrors.Wrap(err, oerrors.ErrCodeTokenInvalid, "state token invalid")
	}
	if c.Kind != kindState {
		return oerrors.New(oerrors.ErrCodeTokenInvalid, "not a state token")
	}
	if !s.consume(c.ID, c.ExpiresAt.Time) {
		return oerrors.Protocol("state token already used")
	}
	if c.Purpose != purpose {
		return oerrors.Protocol("state token purpose mismatch")
	}
	if expected == "" {
		return oerrors.Protocol("no login attempt bound to this session")
	}
	if subtle.ConstantTimeCompare([]byte(c.ID), []byte(expected)) != 1 {
		return oerrors.Protocol("state token does not match login attempt")
	}
	return nil
}

func (s *Service) takeStored(ctx context.Context, store session.Store, purpose string) string {
	if store == nil {
		return ""
	}
	key := storageKey(purpose)
	value, ok, err := store.Get(ctx, key)
	if err != nil && !errors.Is(err, session.ErrUnavailable) {
		slog.Warn("Failed to read nonce from session", "purpose", purpose, "error", err)
	}
	if err := store.Delete(ctx, key); err != nil && !errors.Is(err, session.ErrUnavailable) {
		slog.Warn("Failed to clear nonce from session", "purpose", purpose, "error", err)
	}
	if !ok {
		return ""
	}
	return value
}

func (s *Service) bindingFromCookie(cookies []*http.Cookie, purpose string) string {
	name := s.CookieName(purpose)
	for _, cookie := range cookies {
		if cookie.Name != name || cookie.Value == "" {
			continue
		}
		c, err := s.parse(cookie.Value)
		if err != nil || c.Kind != kindBinding || c.Purpose != purpose {
			return ""
		}
		return c.ID
	}
	return ""
}

func (s *Service) sign(kind, purpose, jti string, issuedAt, expiresAt time.Time) (string, error) {
	c := claims{
		Purpose: purpose,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign nonce: %w", err)
	}
	return value, nil
}

func (s *Service) parse(value string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(value, c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, errors.New("nonce without id")
	}
	return c, nil
}

// consume marks jti as used. Returns false when it already was.
func (s *Service) consume(jti string, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.consumed {
		if now.After(exp) {
			delete(s.consumed, id)
		}
	}
	if _, used := s.consumed[jti]; used {
		return false
	}
	s.consumed[jti] = expiresAt
	return true
}

func storageKey(purpose string) string {
	return "nonce." + purpose
}

func sanitize(purpose string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, purpose)
}
