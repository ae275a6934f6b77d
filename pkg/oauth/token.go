package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/webhook"
)

// Grant types dispatched by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// TokenRequest is the body of POST /oauth2/token. The façade decodes both
// form and JSON bodies into it; client credentials sent via HTTP Basic are
// merged in before dispatch.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token dispatches a token request on grant_type. Protocol failures come
// back as typed errors the façade maps onto the OAuth error envelope.
func (e *Engine) Token(ctx context.Context, req *TokenRequest, meta RequestMeta) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return e.redeemAuthorizationCode(ctx, req, meta)
	case GrantRefreshToken:
		return e.refreshGrant(ctx, req, meta)
	case GrantClientCredentials:
		return e.clientCredentialsGrant(ctx, req)
	case "":
		return nil, uaerrors.NewInvalidRequestError("grant_type is required", nil)
	default:
		return nil, uaerrors.NewUnsupportedGrantError(
			fmt.Sprintf("grant type %q is not supported", req.GrantType), nil)
	}
}

// redeemAuthorizationCode exchanges a single-use authorization code for an
// access token, a refresh token, and an ID token when openid was granted.
// The code is burned inside the store's consume transaction, so a second
// redemption of the same code always fails regardless of parameters.
func (e *Engine) redeemAuthorizationCode(
	ctx context.Context,
	req *TokenRequest,
	meta RequestMeta,
) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, uaerrors.NewInvalidRequestError("code is required", nil)
	}

	app, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, false)
	if err != nil {
		return nil, err
	}

	code, err := e.codes.Consume(ctx, crypto.HashToken(req.Code))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, uaerrors.NewInvalidGrantError("authorization code is invalid", nil)
	case errors.Is(err, storage.ErrAlreadyConsumed):
		return nil, uaerrors.NewInvalidGrantError("authorization code has already been used", nil)
	case err != nil:
		return nil, uaerrors.NewInternalError("consuming authorization code", err)
	}

	now := e.now().UTC()
	if !code.ExpiresAt.After(now) {
		return nil, uaerrors.NewInvalidGrantError("authorization code has expired", nil)
	}
	if code.ClientID != app.ClientID {
		return nil, uaerrors.NewInvalidGrantError("authorization code was issued to another client", nil)
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, uaerrors.NewInvalidGrantError("redirect_uri does not match the authorization request", nil)
	}

	switch {
	case code.CodeChallenge != "" && req.CodeVerifier == "":
		return nil, uaerrors.NewInvalidGrantError("code_verifier is required", nil)
	case code.CodeChallenge != "" && !crypto.VerifyPKCEChallenge(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod):
		return nil, uaerrors.NewInvalidGrantError("code_verifier does not satisfy the code_challenge", nil)
	case code.CodeChallenge == "" && req.CodeVerifier != "":
		return nil, uaerrors.NewInvalidGrantError("code_verifier was not expected", nil)
	case code.CodeChallenge == "" && app.IsPublic():
		return nil, uaerrors.NewInvalidGrantError("authorization code is missing a code_challenge", nil)
	}

	user, err := e.activeUser(ctx, code.UserID)
	if err != nil {
		return nil, err
	}

	accessToken, expiresIn, err := e.issuer.AccessToken(ctx, user.ID, app.ClientID, code.Scope)
	if err != nil {
		return nil, err
	}
	rawRefresh, _, err := e.issuer.RefreshToken(ctx, user.ID, app.ClientID, code.Scope, meta)
	if err != nil {
		return nil, err
	}

	var idToken string
	if HasScope(code.Scope, ScopeOpenID) {
		idToken, err = e.issuer.IDToken(ctx, user, app, code.Nonce, code.AuthTime)
		if err != nil {
			return nil, err
		}
	}

	e.events.Enqueue(ctx, webhook.EventAppAuthorized, map[string]any{
		"user_id":   user.ID,
		"client_id": app.ClientID,
		"scope":     code.Scope,
	})

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: rawRefresh,
		IDToken:      idToken,
		Scope:        code.Scope,
	}, nil
}

// refreshGrant rotates a refresh token: the presented token is revoked and
// its replacement inserted in one transaction, so no observer ever sees
// both valid. Presenting an already-revoked token is treated as a replay
// and revokes the whole rotation family.
func (e *Engine) refreshGrant(ctx context.Context, req *TokenRequest, meta RequestMeta) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, uaerrors.NewInvalidRequestError("refresh_token is required", nil)
	}

	row, err := e.refresh.GetByHash(ctx, crypto.HashToken(req.RefreshToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewInvalidGrantError("refresh token is invalid", nil)
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading refresh token", err)
	}

	if row.Revoked {
		e.revokeFamily(ctx, row)
		return nil, uaerrors.NewInvalidGrantError("refresh token has been revoked", nil)
	}
	if !row.ExpiresAt.After(e.now().UTC()) {
		return nil, uaerrors.NewInvalidGrantError("refresh token has expired", nil)
	}

	// Tokens bound to an OAuth client stay bound: the same client must
	// present them, authenticating with its secret when it has one.
	// First-party tokens carry no client binding.
	if row.ClientID != "" {
		app, err := e.apps.GetByClientID(ctx, row.ClientID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, uaerrors.NewInvalidGrantError("client no longer exists", nil)
		}
		if err != nil {
			return nil, uaerrors.NewInternalError("loading application", err)
		}
		if !app.Active {
			return nil, uaerrors.NewInvalidClientError("application is disabled", nil)
		}
		if req.ClientID != row.ClientID {
			return nil, uaerrors.NewInvalidGrantError("refresh token was issued to another client", nil)
		}
		if !app.IsPublic() && !crypto.VerifySecret(app.ClientSecretHash, req.ClientSecret) {
			return nil, uaerrors.NewInvalidClientError("client authentication failed", nil)
		}
	}

	user, err := e.activeUser(ctx, row.UserID)
	if err != nil {
		return nil, err
	}

	rawRefresh, _, err := e.issuer.Rotate(ctx, row, meta)
	if errors.Is(err, storage.ErrAlreadyConsumed) {
		e.revokeFamily(ctx, row)
		return nil, uaerrors.NewInvalidGrantError("refresh token has been revoked", nil)
	}
	if err != nil {
		return nil, err
	}

	accessToken, expiresIn, err := e.issuer.AccessToken(ctx, user.ID, row.ClientID, row.Scope)
	if err != nil {
		return nil, err
	}

	e.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionTokenRefresh,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"client_id": row.ClientID},
	})

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: rawRefresh,
		Scope:        row.Scope,
	}, nil
}

// clientCredentialsGrant mints an access token for a machine-to-machine
// client. The subject and authorized party are both the client itself and
// no refresh token is issued.
func (e *Engine) clientCredentialsGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	app, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, true)
	if err != nil {
		return nil, err
	}

	if app.Type != storage.AppTypeM2M || !app.AllowsGrant(GrantClientCredentials) {
		return nil, uaerrors.NewInvalidClientError("client is not authorized for the client_credentials grant", nil)
	}

	permitted, err := e.apps.ListScopes(ctx, app.ID)
	if err != nil {
		return nil, uaerrors.NewInternalError("loading granted scopes", err)
	}

	// An empty scope request grants everything the app is permitted.
	granted := ParseScope(req.Scope)
	if len(granted) == 0 {
		granted = permitted
	} else if excess := scopeExcess(granted, permitted); excess != "" {
		return nil, uaerrors.NewInvalidScopeError(
			fmt.Sprintf("scope %q is not granted to this client", excess), nil)
	}

	scope := JoinScope(granted)
	accessToken, expiresIn, err := e.issuer.AccessToken(ctx, app.ClientID, app.ClientID, scope)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Scope:       scope,
	}, nil
}

// authenticateClient loads the application and verifies its secret.
// Public clients carry no secret; when requireSecret is false they pass
// here and prove possession through PKCE instead.
func (e *Engine) authenticateClient(
	ctx context.Context,
	clientID, clientSecret string,
	requireSecret bool,
) (*storage.Application, error) {
	if clientID == "" {
		return nil, uaerrors.NewInvalidClientError("client authentication required", nil)
	}

	app, err := e.apps.GetByClientID(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewInvalidClientError("unknown client", nil)
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading application", err)
	}
	if !app.Active {
		return nil, uaerrors.NewInvalidClientError("application is disabled", nil)
	}

	if app.IsPublic() && !requireSecret {
		return app, nil
	}
	if !crypto.VerifySecret(app.ClientSecretHash, clientSecret) {
		return nil, uaerrors.NewInvalidClientError("client authentication failed", nil)
	}
	return app, nil
}

// activeUser loads a user and rejects grants for missing or suspended
// accounts.
func (e *Engine) activeUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := e.users.GetByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewInvalidGrantError("user no longer exists", nil)
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading user", err)
	}
	if user.Status == storage.UserStatusSuspended {
		return nil, uaerrors.NewInvalidGrantError("user account is suspended", nil)
	}
	return user, nil
}

// revokeFamily kills every token in the presented token's rotation family.
// Failures are logged, not surfaced: the grant is already being rejected.
func (e *Engine) revokeFamily(ctx context.Context, row *storage.RefreshToken) {
	if row.FamilyID == "" {
		return
	}
	if _, err := e.refresh.RevokeFamily(ctx, row.FamilyID); err != nil {
		logger.Warnw("failed to revoke refresh token family",
			"family_id", row.FamilyID,
			"user_id", row.UserID,
			"error", err,
		)
	}
}
