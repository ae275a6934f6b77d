package oauth

import (
	"context"
	"errors"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
)

// Revoke handles POST /oauth2/revoke in the RFC 7009 shape: the caller
// presents a refresh token and either client credentials or, for
// first-party surfaces, the bearer user resolved by the façade. Revocation
// of an unknown token succeeds silently, and so does a request for a token
// the caller does not own; the endpoint never confirms token existence to
// anyone who could not use the token anyway. Access tokens are stateless
// and simply fall through as unknown.
func (e *Engine) Revoke(ctx context.Context, clientID, clientSecret, bearerUserID, token string, meta RequestMeta) error {
	if token == "" {
		return uaerrors.NewInvalidRequestError("token is required", nil)
	}
	if bearerUserID == "" && clientID == "" {
		return uaerrors.NewInvalidClientError("client authentication required", nil)
	}

	// Client credentials are verified before the token lookup so a bad
	// secret fails identically for known and unknown tokens.
	var app *storage.Application
	if bearerUserID == "" {
		var err error
		app, err = e.authenticateClient(ctx, clientID, clientSecret, false)
		if err != nil {
			return err
		}
	}

	row, err := e.refresh.GetByHash(ctx, crypto.HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return uaerrors.NewInternalError("loading refresh token", err)
	}

	switch {
	case bearerUserID != "":
		if row.UserID != bearerUserID {
			return nil
		}
	default:
		if row.ClientID != app.ClientID {
			return nil
		}
	}

	if err := e.refresh.Revoke(ctx, row.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Already revoked; revocation is idempotent.
			return nil
		}
		return uaerrors.NewInternalError("revoking refresh token", err)
	}

	e.recorder.Record(ctx, audit.Event{
		UserID:    row.UserID,
		Action:    audit.ActionTokenRevoke,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"client_id": row.ClientID},
	})

	return nil
}
