// Package jwtauth authenticates AUTH tokens as HS256-signed JWTs.
//
// A token may restrict the documents it opens and may carry the readonly
// scope:
//
//	{"sub": "u1", "name": "Ada", "scope": "readonly", "documents": ["notes"]}
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"docsync/internal/protocol"
	"docsync/internal/services/collaboration"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrDocumentNotAllowed = errors.New("token does not grant this document")

// Context keys filled on the first successful authentication.
const (
	ContextUserID   = "user_id"
	ContextUserName = "user_name"
)

type Claims struct {
	gojwt.RegisteredClaims
	Name      string   `json:"name,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	Documents []string `json:"documents,omitempty"`
}

// Allows reports whether the claims grant access to name. An empty list
// grants every document.
func (c *Claims) Allows(name string) bool {
	return len(c.Documents) == 0 || slices.Contains(c.Documents, name)
}

type Extension struct {
	secret []byte
	issuer string
}

var (
	_ collaboration.Extension          = (*Extension)(nil)
	_ collaboration.OnAuthenticateHook = (*Extension)(nil)
)

// New returns the extension. With a non-empty issuer the iss claim must match.
func New(secret []byte, issuer string) *Extension {
	return &Extension{secret: secret, issuer: issuer}
}

func (e *Extension) Name() string { return "jwtauth" }

func (e *Extension) OnAuthenticate(_ context.Context, p *collaboration.AuthenticatePayload) error {
	claims, err := e.Parse(p.Token)
	if err != nil {
		return err
	}
	if !claims.Allows(p.DocumentName) {
		return fmt.Errorf("%w: %s", ErrDocumentNotAllowed, p.DocumentName)
	}
	if claims.Scope == protocol.ScopeReadOnly {
		p.ReadOnly = true
	}

	if p.Context != nil && !p.Context.Frozen() {
		_ = p.Context.Set(ContextUserID, claims.Subject)
		if claims.Name != "" {
			_ = p.Context.Set(ContextUserName, claims.Name)
		}
	}
	return nil
}

// Parse verifies token and returns its claims.
func (e *Extension) Parse(token string) (*Claims, error) {
	opts := []gojwt.ParserOption{gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})}
	if e.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(e.issuer))
	}

	claims := &Claims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return e.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// Sign issues a token for subject valid for ttl. Zero ttl never expires.
func Sign(secret []byte, issuer, subject string, ttl time.Duration, configure func(*Claims)) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	if configure != nil {
		configure(claims)
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}
