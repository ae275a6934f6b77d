package sdk

import (
	"fmt"
	"net/http"
	"strings"
)

// escapeQuotes makes a string safe for a quoted HTTP header parameter.
func escapeQuotes(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}

// wwwAuthenticate builds the RFC 6750 WWW-Authenticate value for a 401.
func (v *Validator) wwwAuthenticate(includeError bool, description string) string {
	var parts []string
	if v.issuer != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(v.issuer)))
	}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if description != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(description)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// Middleware enforces bearer authentication: requests without a valid
// access token get a 401, everything else proceeds with the claims attached
// to the request context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			w.Header().Set("WWW-Authenticate", v.wwwAuthenticate(false, ""))
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			w.Header().Set("WWW-Authenticate", v.wwwAuthenticate(false, ""))
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := v.ValidateToken(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			w.Header().Set("WWW-Authenticate", v.wwwAuthenticate(true, err.Error()))
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireScope layers a scope check over Middleware. Authenticated requests
// missing the scope get a 403.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			if !claims.HasScope(scope) {
				http.Error(w, "Insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
