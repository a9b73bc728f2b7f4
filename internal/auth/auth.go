// Package auth supplies the current user's identity and bearer credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential is returned when no bearer token is configured.
	ErrNoCredential = errors.New("no credential configured")
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is the authentication collaborator: who the current user is and
// which credential authorizes their writes.
type Identity interface {
	UserID() string
	Token(ctx context.Context) (string, error)
}

// Static is an Identity with a fixed user and token.
type Static struct {
	User   string
	Bearer string
}

// UserID returns the configured user.
func (s Static) UserID() string {
	return s.User
}

// Token returns the configured token, or ErrNoCredential.
func (s Static) Token(ctx context.Context) (string, error) {
	if s.Bearer == "" {
		return "", ErrNoCredential
	}
	return s.Bearer, nil
}

// FromToken builds an Identity whose user is read from the token's claims.
// The token is not verified here; the backend does that. An explicit user
// takes precedence over the claims.
func FromToken(token, user string) (Static, error) {
	if token == "" {
		return Static{User: user}, nil
	}
	if user == "" {
		claimed, err := UserFromClaims(token)
		if err != nil {
			return Static{}, err
		}
		user = claimed
	}
	return Static{User: user, Bearer: token}, nil
}

// UserFromClaims extracts the user identity from an unverified JWT, using
// the email claim and falling back to sub.
func UserFromClaims(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	return userFrom(claims)
}

func userFrom(claims jwt.MapClaims) (string, error) {
	if email, ok := claims["email"].(string); ok && strings.TrimSpace(email) != "" {
		return email, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: no email or sub claim", ErrInvalidToken)
	}
	return sub, nil
}

// Issuer mints and verifies HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl issues tokens without expiry.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for user.
func (i *Issuer) Issue(user string) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sub":   user,
		"email": user,
		"iat":   now.Unix(),
	}
	if i.ttl > 0 {
		claims["exp"] = now.Add(i.ttl).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns its user.
func (i *Issuer) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	return userFrom(claims)
}
