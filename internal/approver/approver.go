// Package approver issues and verifies signed identity tokens for the
// humans who approve or reject queued commands. Decisions recorded in the
// queue carry the verified approver name, not a caller-supplied string.
package approver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("approver: invalid token")
	ErrExpiredToken = errors.New("approver: token expired")
)

// Identity is the verified subject of an approver token.
type Identity struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"` // scope ids this approver may decide for, empty means all
}

type claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies approver tokens with a shared HMAC secret.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewManager builds a token manager. A ttl of zero defaults to 24h.
func NewManager(secret []byte, issuer string, ttl time.Duration) (*Manager, error) {
	if len(secret) < 16 {
		return nil, errors.New("approver: secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed token for the named approver.
func (m *Manager) Issue(name string, scopes []string) (string, error) {
	if name == "" {
		return "", errors.New("approver: name is required")
	}
	now := time.Now()
	c := claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("approver: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the approver identity.
func (m *Manager) Verify(tokenString string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{Name: c.Subject, Scopes: c.Scopes}, nil
}

// MayDecide reports whether the identity is allowed to decide requests in
// the given scope.
func (i *Identity) MayDecide(scopeID string) bool {
	if len(i.Scopes) == 0 {
		return true
	}
	for _, s := range i.Scopes {
		if s == scopeID {
			return true
		}
	}
	return false
}
