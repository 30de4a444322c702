// Package auth implements the static allow-list connect hook spec.md's
// Non-goals name as the one piece of end-user authentication in scope:
// no user accounts, no OAuth, just a signed JWT or a fixed bearer-token
// allow-list checked once at connect time. Grounded on the teacher's
// internal/auth (Service wrapping a JWTService plus a static API-key
// map, constant-time key comparison) and internal/auth/jwt.go
// (golang-jwt/jwt/v5, HS256, RegisteredClaims), narrowed to this
// spec's single identity concept — a bearer token is either valid or
// it isn't, with no embedded user profile to extract.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDisabled is returned when no JWT secret and no allow-list were
// configured, so every token validation trivially fails closed.
var ErrDisabled = errors.New("auth: disabled (no jwt secret or allow-list configured)")

// ErrInvalidToken covers both a malformed/expired JWT and a token not
// present in the static allow-list.
var ErrInvalidToken = errors.New("auth: invalid token")

// Config configures the Service.
type Config struct {
	// JWTSecret, if set, enables HS256 JWT verification.
	JWTSecret string
	// TokenExpiry bounds how long a JWT issued by Generate remains
	// valid. Verification of externally-issued tokens relies on each
	// token's own exp claim, not this value.
	TokenExpiry time.Duration
	// AllowedTokens is the static bearer-token allow-list: opaque
	// strings compared in constant time, independent of the JWT path.
	AllowedTokens []string
}

// claims is the JWT payload shape this gateway issues and accepts.
// Subject is the only identity carried; spec.md's gateway has no
// broader user model to embed.
type claims struct {
	jwt.RegisteredClaims
}

// Service validates connect-time bearer tokens against a JWT secret, a
// static allow-list, or both. A nil *Service (and a zero-value Service
// with neither configured) is "disabled": Enabled reports false and
// every connect proceeds unauthenticated, matching spec.md's framing of
// auth as an optional hook rather than a mandatory gate.
type Service struct {
	secret        []byte
	expiry        time.Duration
	allowedTokens []string
}

// NewService builds a Service from static configuration.
func NewService(cfg Config) *Service {
	s := &Service{expiry: cfg.TokenExpiry}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		s.secret = []byte(cfg.JWTSecret)
	}
	for _, tok := range cfg.AllowedTokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			s.allowedTokens = append(s.allowedTokens, tok)
		}
	}
	return s
}

// Enabled reports whether connect-time token validation should run at
// all. A disabled Service lets every client connect, per spec.md's
// framing of end-user auth as out of scope beyond this hook.
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	return len(s.secret) > 0 || len(s.allowedTokens) > 0
}

// Validate checks token against the JWT secret (if configured) and then
// the static allow-list, returning the JWT subject when the token
// verified as a JWT, or "" when it matched the allow-list instead (an
// opaque token carries no subject).
func (s *Service) Validate(token string) (subject string, err error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	if len(s.secret) > 0 {
		if sub, err := s.validateJWT(token); err == nil {
			return sub, nil
		}
	}
	// Constant-time compare against every allow-listed token, matching
	// the whole list regardless of where a match occurs, so timing
	// can't reveal which entry (or whether any) matched early.
	matched := false
	for _, allowed := range s.allowedTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			matched = true
		}
	}
	if matched {
		return "", nil
	}
	return "", ErrInvalidToken
}

// Generate issues a signed HS256 JWT for subject, for operators that
// want to hand out short-lived tokens rather than distribute a static
// allow-list. Returns ErrDisabled when no JWT secret is configured.
func (s *Service) Generate(subject string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrDisabled
	}
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if s.expiry > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

func (s *Service) validateJWT(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}

