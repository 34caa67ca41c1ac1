// Package auth verifies the short-lived handshake tokens the chat API issues
// to widget users and dashboard admins, and turns them into a Principal.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TNortnern/reusable-chat/internal/channel"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by a handshake token. Subject is the principal id.
type Claims struct {
	Kind        string `json:"kind"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	jwt.RegisteredClaims
}

// DefaultTokenTTL is the lifetime of issued tokens when the Verifier has no
// expiry of its own.
const DefaultTokenTTL = 5 * time.Minute

// Verifier signs and verifies HS256 handshake tokens. Tokens without an exp
// claim are rejected.
type Verifier struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// NewVerifier builds a Verifier. issuer may be empty to skip the iss check.
// expiry sets the lifetime of issued tokens; zero means DefaultTokenTTL.
func NewVerifier(secret string, expiry time.Duration, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), expiry: expiry, issuer: issuer}
}

// Issue signs a token for p. The chat API does this in production; the
// realtime server uses it in tests and for local tooling.
func (v *Verifier) Issue(p channel.Principal) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if !p.Valid() {
		return "", errors.New("auth: incomplete principal")
	}

	now := time.Now()
	claims := Claims{
		Kind:        p.Kind.String(),
		WorkspaceID: p.WorkspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	ttl := v.expiry
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses token and returns the principal it names.
func (v *Verifier) Verify(token string) (channel.Principal, error) {
	if v == nil || len(v.secret) == 0 {
		return channel.Principal{}, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return channel.Principal{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return channel.Principal{}, ErrInvalidToken
	}
	kind, err := channel.ParseKind(claims.Kind)
	if err != nil {
		return channel.Principal{}, ErrInvalidToken
	}

	p := channel.Principal{Kind: kind, ID: strings.TrimSpace(claims.Subject)}
	if kind == channel.KindChatUser {
		p.WorkspaceID = strings.TrimSpace(claims.WorkspaceID)
	}
	if !p.Valid() {
		return channel.Principal{}, ErrInvalidToken
	}
	return p, nil
}
