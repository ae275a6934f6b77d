package oauth

import (
	"strings"
)

// Scopes this server registers at bootstrap and advertises in discovery
// metadata.
const (
	// ScopeOpenID requests an ID token alongside the access token.
	ScopeOpenID = "openid"
	// ScopeProfile grants the name and picture claims.
	ScopeProfile = "profile"
	// ScopeEmail grants the email and email_verified claims.
	ScopeEmail = "email"
	// ScopePhone grants the phone_number and phone_verified claims.
	ScopePhone = "phone"
	// ScopeOfflineAccess marks grants whose refresh tokens outlive the
	// browser session.
	ScopeOfflineAccess = "offline_access"
)

// ParseScope splits a space-separated scope string into its values,
// dropping duplicates while preserving first-seen order. Scope is always a
// space-separated string on the wire.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScope renders scope values back into the wire format.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// NormalizeScope collapses repeated whitespace and duplicate values so that
// stored scope strings compare bytewise.
func NormalizeScope(scope string) string {
	return JoinScope(ParseScope(scope))
}

// HasScope reports whether the space-separated scope string contains want.
func HasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

// scopeExcess returns the first requested scope missing from permitted, or
// "" when requested is a subset.
func scopeExcess(requested, permitted []string) string {
	allowed := make(map[string]struct{}, len(permitted))
	for _, p := range permitted {
		allowed[p] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := allowed[r]; !ok {
			return r
		}
	}
	return ""
}
