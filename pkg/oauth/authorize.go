package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
)

// AuthorizeRequest is the parsed query of GET /oauth2/authorize, also
// accepted as the body of the POST consent endpoint.
type AuthorizeRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce"`
}

// DecisionKind discriminates the outcomes of an authorize request.
type DecisionKind int

const (
	// DecisionRedirect sends the browser to Location: back to the client
	// with a code or an error, or to the login page.
	DecisionRedirect DecisionKind = iota
	// DecisionErrorPage renders an error locally because no trustworthy
	// redirect target exists.
	DecisionErrorPage
)

// AuthorizeDecision is what the façade turns into an HTTP response: either
// a 302 to Location or a rendered error page.
type AuthorizeDecision struct {
	Kind             DecisionKind
	Location         string
	ErrorCode        string
	ErrorDescription string
}

func redirectDecision(location string) *AuthorizeDecision {
	return &AuthorizeDecision{Kind: DecisionRedirect, Location: location}
}

func errorPageDecision(code, description string) *AuthorizeDecision {
	return &AuthorizeDecision{Kind: DecisionErrorPage, ErrorCode: code, ErrorDescription: description}
}

// Authorize evaluates a GET /oauth2/authorize request. The façade resolves
// the SSO cookie first and passes the session, or nil when absent.
//
// Validation failures before the redirect URI is proven registered render
// an error page; after that point protocol errors travel back to the client
// as error redirects with state preserved. A valid session mints a code
// bound to the request tuple and joins the client to the session; no
// session sends the browser to the login page with the OAuth parameters
// propagated.
func (e *Engine) Authorize(
	ctx context.Context,
	req *AuthorizeRequest,
	sess *storage.SSOSession,
	meta RequestMeta,
) (*AuthorizeDecision, error) {
	if req.ClientID == "" {
		return errorPageDecision("invalid_request", "client_id is required"), nil
	}

	app, err := e.apps.GetByClientID(ctx, req.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorPageDecision("invalid_client", "unknown client"), nil
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading application", err)
	}

	// The redirect URI cannot be trusted until it matches a registered one
	// exactly, path included.
	if req.RedirectURI == "" {
		return errorPageDecision("invalid_request", "redirect_uri is required"), nil
	}
	if !app.AllowsRedirectURI(req.RedirectURI) {
		return errorPageDecision("invalid_request", "redirect_uri is not registered for this client"), nil
	}

	if !app.Active {
		return e.errorRedirect(req, "invalid_client", "application is disabled")
	}
	if app.Type == storage.AppTypeM2M || !app.AllowsGrant(GrantAuthorizationCode) {
		return e.errorRedirect(req, "unauthorized_client", "client may not use the authorization endpoint")
	}
	if req.ResponseType != "code" {
		return e.errorRedirect(req, "unsupported_response_type", "only the code response type is supported")
	}
	if code, description := validateChallengeParams(app, req); code != "" {
		return e.errorRedirect(req, code, description)
	}

	if sess == nil {
		return e.loginRedirect(req)
	}

	user, err := e.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		// The session outlived its user; treat it as absent.
		return e.loginRedirect(req)
	}
	if err != nil {
		return nil, uaerrors.NewInternalError("loading user", err)
	}
	if user.Status == storage.UserStatusSuspended {
		return e.errorRedirect(req, "access_denied", "user account is suspended")
	}

	rawCode, err := e.mintCode(ctx, user.ID, app, req, sess.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := e.sessions.Join(ctx, sess.ID, app.ClientID); err != nil {
		return nil, uaerrors.NewInternalError("joining client to session", err)
	}

	e.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionConsentGranted,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail: map[string]any{
			"client_id": app.ClientID,
			"scope":     NormalizeScope(req.Scope),
			"silent":    true,
		},
	})

	location, err := appendQuery(req.RedirectURI, "code", rawCode, "state", req.State)
	if err != nil {
		return nil, uaerrors.NewInternalError("building redirect", err)
	}
	return redirectDecision(location), nil
}

// Consent handles POST /oauth2/authorize: the login UI confirms the user's
// approval with a bearer token and receives the redirect URL to send the
// browser to.
func (e *Engine) Consent(
	ctx context.Context,
	userID string,
	req *AuthorizeRequest,
	meta RequestMeta,
) (string, error) {
	if userID == "" {
		return "", uaerrors.NewInvalidTokenError("authentication required", nil)
	}

	user, err := e.users.GetByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", uaerrors.NewInvalidTokenError("user no longer exists", nil)
	}
	if err != nil {
		return "", uaerrors.NewInternalError("loading user", err)
	}
	if user.Status == storage.UserStatusSuspended {
		return "", uaerrors.NewSuspendedError("user account is suspended", nil)
	}

	if req.ClientID == "" {
		return "", uaerrors.NewInvalidRequestError("client_id is required", nil)
	}
	app, err := e.apps.GetByClientID(ctx, req.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", uaerrors.NewInvalidClientError("unknown client", nil)
	}
	if err != nil {
		return "", uaerrors.NewInternalError("loading application", err)
	}
	if !app.Active {
		return "", uaerrors.NewInvalidClientError("application is disabled", nil)
	}
	if app.Type == storage.AppTypeM2M || !app.AllowsGrant(GrantAuthorizationCode) {
		return "", uaerrors.NewForbiddenError("client may not use the authorization-code flow", nil)
	}
	if req.ResponseType != "" && req.ResponseType != "code" {
		return "", uaerrors.NewInvalidRequestError("only the code response type is supported", nil)
	}
	if req.RedirectURI == "" {
		return "", uaerrors.NewInvalidRequestError("redirect_uri is required", nil)
	}
	if !app.AllowsRedirectURI(req.RedirectURI) {
		return "", uaerrors.NewRedirectURIMismatchError("redirect_uri is not registered for this client", nil)
	}
	if code, description := validateChallengeParams(app, req); code != "" {
		return "", uaerrors.NewInvalidRequestError(description, nil)
	}

	rawCode, err := e.mintCode(ctx, user.ID, app, req, e.now().UTC())
	if err != nil {
		return "", err
	}

	e.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionConsentGranted,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail: map[string]any{
			"client_id": app.ClientID,
			"scope":     NormalizeScope(req.Scope),
		},
	})

	location, err := appendQuery(req.RedirectURI, "code", rawCode, "state", req.State)
	if err != nil {
		return "", uaerrors.NewInternalError("building redirect", err)
	}
	return location, nil
}

// validateChallengeParams checks the PKCE parameters against the client
// registration and RFC 7636: public clients must send a challenge, the
// method must be stated explicitly, and only S256 and plain are accepted.
// Returns an OAuth error code and description, or two empty strings.
func validateChallengeParams(app *storage.Application, req *AuthorizeRequest) (string, string) {
	switch {
	case app.IsPublic() && req.CodeChallenge == "":
		return "invalid_request", "code_challenge is required for public clients"
	case req.CodeChallenge == "" && req.CodeChallengeMethod != "":
		return "invalid_request", "code_challenge_method requires a code_challenge"
	case req.CodeChallenge != "" && req.CodeChallengeMethod == "":
		return "invalid_request", "code_challenge_method is required when code_challenge is set"
	case req.CodeChallengeMethod != "" && !crypto.ValidChallengeMethod(req.CodeChallengeMethod):
		return "invalid_request", fmt.Sprintf("code_challenge_method %q is not supported", req.CodeChallengeMethod)
	}
	return "", ""
}

// mintCode persists a new authorization code bound to the redemption tuple
// and returns the raw opaque value for the redirect.
func (e *Engine) mintCode(
	ctx context.Context,
	userID string,
	app *storage.Application,
	req *AuthorizeRequest,
	authTime time.Time,
) (string, error) {
	raw, err := crypto.NewOpaqueToken(crypto.AuthorizationCodeBytes)
	if err != nil {
		return "", uaerrors.NewInternalError("generating authorization code", err)
	}

	now := e.now().UTC()
	code := &storage.AuthorizationCode{
		CodeHash:            crypto.HashToken(raw),
		UserID:              userID,
		ClientID:            app.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               NormalizeScope(req.Scope),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            authTime.UTC(),
		ExpiresAt:           now.Add(e.authCodeTTL),
		CreatedAt:           now,
	}
	if err := e.codes.Create(ctx, code); err != nil {
		return "", uaerrors.NewInternalError("storing authorization code", err)
	}

	return raw, nil
}

// errorRedirect builds a 302 decision carrying the OAuth error back to the
// client's registered redirect URI with state preserved.
func (e *Engine) errorRedirect(req *AuthorizeRequest, code, description string) (*AuthorizeDecision, error) {
	location, err := appendQuery(req.RedirectURI,
		"error", code,
		"error_description", description,
		"state", req.State,
	)
	if err != nil {
		return nil, uaerrors.NewInternalError("building redirect", err)
	}
	return redirectDecision(location), nil
}

// loginRedirect sends the browser to the login page with every OAuth
// parameter propagated so the login UI can resume the flow after
// authentication.
func (e *Engine) loginRedirect(req *AuthorizeRequest) (*AuthorizeDecision, error) {
	location, err := appendQuery(e.loginURL,
		"response_type", req.ResponseType,
		"client_id", req.ClientID,
		"redirect_uri", req.RedirectURI,
		"scope", req.Scope,
		"state", req.State,
		"code_challenge", req.CodeChallenge,
		"code_challenge_method", req.CodeChallengeMethod,
		"nonce", req.Nonce,
	)
	if err != nil {
		return nil, uaerrors.NewInternalError("building login redirect", err)
	}
	return redirectDecision(location), nil
}
