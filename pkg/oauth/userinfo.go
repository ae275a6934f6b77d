package oauth

import (
	"context"
	"errors"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
)

// UserInfo answers GET /oauth2/userinfo: the OIDC claim subset the access
// token's granted scopes allow. The token must carry the openid scope.
// Claims whose backing profile field is empty are omitted.
func (e *Engine) UserInfo(ctx context.Context, rawToken string) (map[string]any, error) {
	claims, err := e.issuer.Verify(ctx, rawToken, "")
	if err != nil {
		return nil, err
	}
	if !HasScope(claims.Scope, ScopeOpenID) {
		return nil, uaerrors.NewForbiddenError("token does not carry the openid scope", nil)
	}

	user, err := e.users.GetByID(ctx, claims.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewInvalidTokenError("token subject no longer exists", nil)
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading user", err)
	}
	if user.Status == storage.UserStatusSuspended {
		return nil, uaerrors.NewSuspendedError("user account is suspended", nil)
	}

	info := map[string]any{"sub": user.ID}
	if HasScope(claims.Scope, ScopeProfile) {
		if user.Nickname != "" {
			info["name"] = user.Nickname
		}
		if user.AvatarURL != "" {
			info["picture"] = user.AvatarURL
		}
	}
	if HasScope(claims.Scope, ScopeEmail) && user.Email != "" {
		info["email"] = user.Email
		info["email_verified"] = user.EmailVerified
	}
	if HasScope(claims.Scope, ScopePhone) && user.Phone != "" {
		info["phone_number"] = user.Phone
		info["phone_verified"] = user.PhoneVerified
	}

	return info, nil
}

// ValidationResult is the body of GET /oauth2/validate, a lightweight
// check first-party gateways call on every request.
type ValidationResult struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Validate verifies a bearer access token offline: signature, issuer, and
// expiry only, no storage reads. Gateways that need revocation awareness
// use Introspect instead.
func (e *Engine) Validate(ctx context.Context, rawToken string) *ValidationResult {
	claims, err := e.issuer.Verify(ctx, rawToken, "")
	if err != nil {
		return &ValidationResult{Active: false}
	}
	return &ValidationResult{
		Active:    true,
		Subject:   claims.Subject,
		ClientID:  claims.AuthorizedParty,
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}
}
