package v1

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/telemetry"
)

// OAuth2Routes defines the routes for the OAuth 2.0 / OIDC protocol surface.
// Unlike the rest of the API these endpoints speak the RFC 6749 wire format,
// not the application envelope.
type OAuth2Routes struct {
	engine   *oauth.Engine
	sessions *session.Manager
	issuer   *oauth.TokenIssuer
	metrics  *telemetry.Metrics
}

// OAuth2Router creates a new router for the OAuth 2.0 protocol endpoints.
func OAuth2Router(
	engine *oauth.Engine,
	sessions *session.Manager,
	issuer *oauth.TokenIssuer,
	metrics *telemetry.Metrics,
) http.Handler {
	routes := OAuth2Routes{
		engine:   engine,
		sessions: sessions,
		issuer:   issuer,
		metrics:  metrics,
	}

	r := chi.NewRouter()
	r.Get("/authorize", routes.authorize)
	r.Post("/token", routes.token)
	r.Post("/introspect", routes.introspect)
	r.Post("/revoke", routes.revoke)
	r.Get("/userinfo", routes.userinfo)
	r.Post("/userinfo", routes.userinfo)
	r.Get("/validate", routes.validate)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth(issuer))
		r.Post("/authorize", routes.consent)
	})
	return r
}

// authorize
//
//	@Summary		OAuth 2.0 authorization endpoint
//	@Description	Starts the authorization code flow; redirects back to the client, to the login page, or renders an error page
//	@Tags			oauth2
//	@Param			response_type			query	string	true	"Must be code"
//	@Param			client_id				query	string	true	"Client identifier"
//	@Param			redirect_uri			query	string	true	"Registered redirect URI"
//	@Param			scope					query	string	false	"Requested scope"
//	@Param			state					query	string	false	"Opaque client state"
//	@Param			code_challenge			query	string	false	"PKCE challenge"
//	@Param			code_challenge_method	query	string	false	"PKCE method, S256 or plain"
//	@Param			nonce					query	string	false	"OIDC nonce"
//	@Success		302
//	@Failure		400	{string}	string	"error page"
//	@Router			/api/v1/oauth2/authorize [get]
func (s *OAuth2Routes) authorize(w http.ResponseWriter, r *http.Request) {
	req := authorizeRequestFromQuery(r.URL.Query())

	sess, err := s.sessions.Resolve(r.Context(), sessionToken(r))
	if err != nil {
		writeWireError(w, err)
		return
	}

	decision, err := s.engine.Authorize(r.Context(), req, sess, requestMeta(r))
	if err != nil {
		writeWireError(w, err)
		return
	}
	if decision.Kind == oauth.DecisionErrorPage {
		writeErrorPage(w, decision.ErrorCode, decision.ErrorDescription)
		return
	}
	http.Redirect(w, r, decision.Location, http.StatusFound)
}

// consent
//
//	@Summary		Grant consent
//	@Description	Records the authenticated user's consent for the pending authorization request and returns the redirect target
//	@Tags			oauth2
//	@Accept			json
//	@Produce		json
//	@Param			body	body		oauth.AuthorizeRequest	true	"The authorization request being approved"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/oauth2/authorize [post]
func (s *OAuth2Routes) consent(w http.ResponseWriter, r *http.Request) {
	var req oauth.AuthorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	redirectURL, err := s.engine.Consent(r.Context(), id.UserID, &req, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, consentResponse{RedirectURL: redirectURL})
}

// token
//
//	@Summary		OAuth 2.0 token endpoint
//	@Description	Exchanges an authorization code, refresh token, or client credentials for tokens
//	@Tags			oauth2
//	@Accept			x-www-form-urlencoded
//	@Produce		json
//	@Param			grant_type	formData	string	true	"authorization_code, refresh_token, or client_credentials"
//	@Success		200			{object}	oauth.TokenResponse
//	@Failure		400			{object}	oauth.ErrorResponse
//	@Failure		401			{object}	oauth.ErrorResponse
//	@Router			/api/v1/oauth2/token [post]
func (s *OAuth2Routes) token(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTokenRequest(r)
	if err != nil {
		writeWireError(w, err)
		return
	}

	resp, err := s.engine.Token(r.Context(), req, requestMeta(r))
	if err != nil {
		writeWireError(w, err)
		return
	}
	s.metrics.RecordTokenIssued(r.Context(), req.GrantType)

	// RFC 6749 section 5.1: token responses must not be cached.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorf("failed to encode token response: %v", err)
	}
}

// introspect
//
//	@Summary		OAuth 2.0 token introspection
//	@Description	Reports whether a token is active and its metadata; requires resource server client credentials
//	@Tags			oauth2
//	@Accept			x-www-form-urlencoded
//	@Produce		json
//	@Param			token	formData	string	true	"Token to introspect"
//	@Success		200		{object}	oauth.IntrospectionResponse
//	@Failure		401		{object}	oauth.IntrospectionResponse
//	@Router			/api/v1/oauth2/introspect [post]
func (s *OAuth2Routes) introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeWireError(w, uaerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	clientID, clientSecret := clientCredentials(r)

	resp, err := s.engine.Introspect(
		r.Context(),
		clientID,
		clientSecret,
		r.PostForm.Get("token"),
		r.PostForm.Get("token_type_hint"),
	)
	if err != nil {
		// RFC 7662 section 2.3: a caller that fails to authenticate
		// learns nothing about the token.
		if uaerrors.Code(err) == uaerrors.ErrInvalidClient {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"active":false}`)
			return
		}
		writeWireError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorf("failed to encode introspection response: %v", err)
	}
}

// revoke
//
//	@Summary		OAuth 2.0 token revocation
//	@Description	Revokes a refresh token; replies 200 whether or not the token existed
//	@Tags			oauth2
//	@Accept			x-www-form-urlencoded
//	@Param			token	formData	string	true	"Token to revoke"
//	@Success		200
//	@Failure		401	{object}	oauth.ErrorResponse
//	@Router			/api/v1/oauth2/revoke [post]
func (s *OAuth2Routes) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeWireError(w, uaerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	clientID, clientSecret := clientCredentials(r)

	var bearerUserID string
	if id, err := verifyBearer(r, s.issuer); err == nil {
		bearerUserID = id.UserID
	}

	err := s.engine.Revoke(
		r.Context(),
		clientID,
		clientSecret,
		bearerUserID,
		r.PostForm.Get("token"),
		requestMeta(r),
	)
	if err != nil {
		writeWireError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// userinfo
//
//	@Summary		OIDC userinfo endpoint
//	@Description	Returns the claims the presented access token's scope unlocks
//	@Tags			oauth2
//	@Produce		json
//	@Success		200	{object}	map[string]any
//	@Failure		401	{object}	oauth.ErrorResponse
//	@Router			/api/v1/oauth2/userinfo [get]
func (s *OAuth2Routes) userinfo(w http.ResponseWriter, r *http.Request) {
	claims, err := s.engine.UserInfo(r.Context(), bearerToken(r))
	if err != nil {
		status, body := oauth.WireError(err)
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Errorf("failed to encode userinfo error: %v", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(claims); err != nil {
		logger.Errorf("failed to encode userinfo response: %v", err)
	}
}

// validate
//
//	@Summary		Validate an access token
//	@Description	Lightweight signature and expiry check for first-party services; always replies 200
//	@Tags			oauth2
//	@Produce		json
//	@Success		200	{object}	oauth.ValidationResult
//	@Router			/api/v1/oauth2/validate [get]
func (s *OAuth2Routes) validate(w http.ResponseWriter, r *http.Request) {
	result := s.engine.Validate(r.Context(), bearerToken(r))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Errorf("failed to encode validation response: %v", err)
	}
}

// authorizeRequestFromQuery reads the RFC 6749 authorization parameters.
func authorizeRequestFromQuery(query url.Values) *oauth.AuthorizeRequest {
	return &oauth.AuthorizeRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Nonce:               query.Get("nonce"),
	}
}

// decodeTokenRequest accepts the form encoding RFC 6749 mandates and the
// JSON bodies SDKs tend to send anyway. Basic credentials win only when the
// body carries none.
func decodeTokenRequest(r *http.Request) (*oauth.TokenRequest, error) {
	var req oauth.TokenRequest

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, uaerrors.NewInvalidRequestError("malformed form body", err)
		}
		req = oauth.TokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
		}
	}

	if req.ClientID == "" && req.ClientSecret == "" {
		if id, secret, ok := basicClientCredentials(r); ok {
			req.ClientID, req.ClientSecret = id, secret
		}
	}
	return &req, nil
}

// clientCredentials resolves client authentication for endpoints that accept
// both HTTP Basic and body parameters, preferring Basic per RFC 6749.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := basicClientCredentials(r); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

// basicClientCredentials decodes RFC 6749 section 2.3.1 Basic credentials,
// which are form-urlencoded before being base64d.
func basicClientCredentials(r *http.Request) (string, string, bool) {
	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	id, err := url.QueryUnescape(rawID)
	if err != nil {
		id = rawID
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil {
		secret = rawSecret
	}
	return id, secret, true
}

// writeWireError renders an error in the OAuth envelope.
func writeWireError(w http.ResponseWriter, err error) {
	status, body := oauth.WireError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logger.Errorf("failed to encode error response: %v", encodeErr)
	}
}

// writeErrorPage renders the minimal page shown when an authorize request
// cannot be safely redirected back to the client.
func writeErrorPage(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(
		w,
		"<!DOCTYPE html><html><head><title>Authorization Error</title></head>"+
			"<body><h1>Authorization Error</h1><p><strong>%s</strong>: %s</p></body></html>",
		html.EscapeString(code),
		html.EscapeString(description),
	)
}

type consentResponse struct {
	RedirectURL string `json:"redirect_url"`
}
