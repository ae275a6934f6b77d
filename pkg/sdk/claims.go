package sdk

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the validated claim set of an access token.
type Claims struct {
	// Subject is the user ID, or the client ID for machine tokens.
	Subject string

	// ClientID is the OAuth client the token was issued to. Empty for
	// first-party tokens.
	ClientID string

	// Scopes are the granted scopes, split from the scope claim.
	Scopes []string

	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time

	// Raw is the full claim set for anything not lifted above.
	Raw jwt.MapClaims
}

// newClaims lifts the well-known claims out of the raw map. Validation
// already happened; missing optional claims stay zero.
func newClaims(raw jwt.MapClaims) *Claims {
	c := &Claims{Raw: raw}
	if sub, err := raw.GetSubject(); err == nil {
		c.Subject = sub
	}
	if clientID, ok := raw["client_id"].(string); ok {
		c.ClientID = clientID
	}
	if scope, ok := raw["scope"].(string); ok && scope != "" {
		c.Scopes = strings.Fields(scope)
	}
	if expiry, err := raw.GetExpirationTime(); err == nil && expiry != nil {
		c.ExpiresAt = expiry.Time
	}
	return c
}

// HasScope reports whether the token was granted the scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// ClaimsContextKey is the context key the middleware stores claims under.
// An empty struct type cannot collide with keys from other packages.
type ClaimsContextKey struct{}

// WithClaims stores validated claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves the claims the middleware attached.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*Claims)
	return claims, ok
}
