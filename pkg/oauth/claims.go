package oauth

import (
	"time"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/storage"
)

// reservedClaims are the registered JWT claims plus the standard OIDC
// profile claims this server emits. Application custom claims must never
// shadow any of them.
var reservedClaims = map[string]struct{}{
	"iss":            {},
	"sub":            {},
	"aud":            {},
	"exp":            {},
	"iat":            {},
	"nbf":            {},
	"jti":            {},
	"auth_time":      {},
	"nonce":          {},
	"acr":            {},
	"amr":            {},
	"azp":            {},
	"scope":          {},
	"email":          {},
	"email_verified": {},
	"phone_number":   {},
	"phone_verified": {},
	"name":           {},
	"picture":        {},
}

// ReservedClaim reports whether name is a registered or standard profile
// claim that application custom claims may not overwrite.
func ReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// idTokenClaims assembles the extra claim set of an ID token: the OIDC
// profile claims that exist for the user, the nonce and auth_time when
// known, and the application's custom claims filtered through the reserved
// set. The registered claims (iss, sub, aud, iat, exp) are stamped by the
// signer.
func idTokenClaims(user *storage.User, app *storage.Application, nonce string, authTime time.Time) map[string]any {
	claims := map[string]any{}

	if user.Email != "" {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	if user.Phone != "" {
		claims["phone_number"] = user.Phone
		claims["phone_verified"] = user.PhoneVerified
	}
	if user.Nickname != "" {
		claims["name"] = user.Nickname
	}
	if user.AvatarURL != "" {
		claims["picture"] = user.AvatarURL
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if !authTime.IsZero() {
		claims["auth_time"] = authTime.Unix()
	}

	for name, value := range app.CustomClaims {
		if ReservedClaim(name) {
			logger.Debugw("dropping custom claim that shadows a reserved claim",
				"client_id", app.ClientID,
				"claim", name,
			)
			continue
		}
		claims[name] = value
	}

	return claims
}
