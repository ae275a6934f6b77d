package v1

import (
	"context"
	"net"
	"net/http"
	"strings"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/signer"
)

// Identity is the verified caller a bearer token resolved to.
type Identity struct {
	// UserID is the token subject. For client-credentials tokens this is
	// the machine client's ID.
	UserID string
	// ClientID is the authorized party, empty on first-party tokens.
	ClientID string
	// Scope is the space-separated scope string the token carries.
	Scope string
	// Claims is the full verified claim set.
	Claims *signer.Claims
}

type identityContextKey struct{}

// withIdentity stores the verified identity on the request context.
func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the verified identity, or nil when the request
// carried no usable bearer token.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// bearerToken extracts the RFC 6750 bearer token, empty when absent.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// verifyBearer resolves the request's bearer token to an identity. MFA
// pending tokens are not access tokens and never authenticate a request.
func verifyBearer(r *http.Request, issuer *oauth.TokenIssuer) (*Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, uaerrors.NewInvalidTokenError("missing bearer token", nil)
	}
	claims, err := issuer.Verify(r.Context(), raw, "")
	if err != nil {
		return nil, uaerrors.NewInvalidTokenError("invalid or expired token", err)
	}
	if claims.StringClaim("type") == oauth.MFATokenType {
		return nil, uaerrors.NewInvalidTokenError("token is not an access token", nil)
	}
	return &Identity{
		UserID:   claims.Subject,
		ClientID: claims.AuthorizedParty,
		Scope:    claims.Scope,
		Claims:   claims,
	}, nil
}

// requireAuth rejects requests without a valid bearer token.
func requireAuth(issuer *oauth.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := verifyBearer(r, issuer)
			if err != nil {
				respondError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// optionalAuth attaches an identity when a valid bearer token is present and
// passes the request through untouched otherwise.
func optionalAuth(issuer *oauth.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := verifyBearer(r, issuer); err == nil {
				r = r.WithContext(withIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestMeta captures the client context stamped onto credentials and
// audit entries. The RealIP middleware has already rewritten RemoteAddr
// from X-Forwarded-For when the request came through a proxy.
func requestMeta(r *http.Request) oauth.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return oauth.RequestMeta{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Device:    r.Header.Get("X-Device-Name"),
	}
}
