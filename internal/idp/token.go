// Package idp verifies access tokens minted by the managed identity provider
// and extracts the raw user record fed into identity resolution. The gateway
// never mints tokens itself.
package idp

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenantgate.io/internal/identity"
)

// ErrInvalidToken indicates the token failed verification.
var ErrInvalidToken = errors.New("idp: invalid token")

// Claims are the provider claims the gateway consumes. Profile metadata is
// kept free-form; name extraction happens during identity resolution.
type Claims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 provider tokens against a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures Verifier behavior.
type Option func(*Verifier)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier constructs a Verifier for the given provider secret and issuer.
func NewVerifier(secret, issuer string, opts ...Option) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("idp: signing secret is required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("idp: issuer is required")
	}
	v := &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks the token signature and required claims and returns the raw
// user record carried by the session.
func (v *Verifier) Verify(token string) (identity.RawUser, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identity.RawUser{}, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return identity.RawUser{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return identity.RawUser{}, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return identity.RawUser{}, ErrInvalidToken
	}

	return identity.RawUser{
		ID:       strings.TrimSpace(claims.Subject),
		Email:    strings.TrimSpace(claims.Email),
		Metadata: claims.UserMetadata,
	}, nil
}

func (v *Verifier) validateClaims(claims *Claims) error {
	if claims.Issuer != v.issuer {
		return errors.New("unexpected issuer")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := v.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
