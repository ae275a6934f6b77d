package oauth

import (
	"context"
	"errors"

	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
)

// IntrospectionResponse is the RFC 7662 introspection document. Every field
// except active is omitted for inactive tokens.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}

var inactiveToken = &IntrospectionResponse{Active: false}

// Introspect answers POST /oauth2/introspect. The calling resource server
// authenticates with its client credentials; a failed authentication is an
// invalid_client error (the façade renders 401 with an inactive document).
// A token that does not verify is not an error: the response is simply
// inactive with HTTP 200.
//
// Access tokens are verified against the signing keys and then checked
// against the live state of their subject, which is the whole point of
// introspection over local validation: a suspended user or disabled client
// makes the token inactive before it expires. Refresh tokens are looked up
// by hash. The hint orders the two lookups.
func (e *Engine) Introspect(
	ctx context.Context,
	clientID, clientSecret, token, tokenTypeHint string,
) (*IntrospectionResponse, error) {
	if _, err := e.authenticateClient(ctx, clientID, clientSecret, true); err != nil {
		return nil, err
	}

	if token == "" {
		return inactiveToken, nil
	}

	if tokenTypeHint == GrantRefreshToken {
		if resp, err := e.introspectRefreshToken(ctx, token); err != nil || resp.Active {
			return resp, err
		}
		return e.introspectAccessToken(ctx, token)
	}

	if resp, err := e.introspectAccessToken(ctx, token); err != nil || resp.Active {
		return resp, err
	}
	return e.introspectRefreshToken(ctx, token)
}

func (e *Engine) introspectAccessToken(ctx context.Context, token string) (*IntrospectionResponse, error) {
	claims, err := e.issuer.Verify(ctx, token, "")
	if err != nil {
		return inactiveToken, nil
	}

	// Tokens from the client_credentials grant carry the client as both
	// subject and authorized party; everything else names a user.
	if claims.Subject == claims.AuthorizedParty {
		app, err := e.apps.GetByClientID(ctx, claims.Subject)
		if errors.Is(err, storage.ErrNotFound) {
			return inactiveToken, nil
		}
		if err != nil {
			return nil, uaerrors.NewInternalError("loading application", err)
		}
		if !app.Active {
			return inactiveToken, nil
		}
	} else {
		user, err := e.users.GetByID(ctx, claims.Subject)
		if errors.Is(err, storage.ErrNotFound) {
			return inactiveToken, nil
		}
		if err != nil {
			return nil, uaerrors.NewInternalError("loading user", err)
		}
		if user.Status == storage.UserStatusSuspended {
			return inactiveToken, nil
		}
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.AuthorizedParty,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		TokenType: "Bearer",
	}, nil
}

func (e *Engine) introspectRefreshToken(ctx context.Context, token string) (*IntrospectionResponse, error) {
	row, err := e.refresh.GetByHash(ctx, crypto.HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return inactiveToken, nil
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading refresh token", err)
	}

	if row.Revoked || !row.ExpiresAt.After(e.now().UTC()) {
		return inactiveToken, nil
	}

	user, err := e.users.GetByID(ctx, row.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return inactiveToken, nil
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading user", err)
	}
	if user.Status == storage.UserStatusSuspended {
		return inactiveToken, nil
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     row.Scope,
		ClientID:  row.ClientID,
		Subject:   row.UserID,
		ExpiresAt: row.ExpiresAt.Unix(),
		IssuedAt:  row.CreatedAt.Unix(),
		Issuer:    e.issuer.Issuer(),
		TokenType: GrantRefreshToken,
	}, nil
}
