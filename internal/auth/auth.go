// Package auth verifies the bearer tokens presented by live-session and API
// clients. Tokens are minted elsewhere; this side only checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zot/scholar-hub/internal/errs"
)

// Claims carried by a session token. The user id is the subject; tokens
// issued by older clients carry it as userId instead.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
}

// User returns the id the token was issued for.
func (c *Claims) User() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// Verifier checks HMAC-signed tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier. Empty issuer or audience are not checked.
func NewVerifier(secret, issuer, audience string, leeway time.Duration) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Verify checks signature, expiry and the configured issuer/audience and
// returns the claims. Every failure wraps errs.ErrAuthentication.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", errs.ErrAuthentication)
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return nil, fmt.Errorf("%s: %w", reason, errs.ErrAuthentication)
	}
	if claims.User() == "" {
		return nil, fmt.Errorf("token has no subject: %w", errs.ErrAuthentication)
	}
	return claims, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter that browser WebSocket clients
// use since they cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
