package authn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/networking"
)

// Upstream code exchanges are paced per provider so a flood of callback
// requests cannot hammer the IDP.
const (
	exchangeRate  = 10
	exchangeBurst = 20
)

// ErrNonceMismatch is returned when the nonce claim in the ID token does
// not match the value sent with the authorization request.
var ErrNonceMismatch = errors.New("id token nonce does not match expected value")

// OIDCProvider drives a social provider through OIDC discovery and
// validated ID tokens.
type OIDCProvider struct {
	name     string
	conf     *oauth2.Config
	verifier *oidc.IDTokenVerifier
	limiter  *rate.Limiter
	client   *http.Client
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDCProvider discovers the issuer's endpoints and prepares an ID
// token verifier bound to the client ID. Discovery happens once, at
// construction.
func NewOIDCProvider(ctx context.Context, name string, cfg ProviderConfig) (*OIDCProvider, error) {
	if name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("provider %s: client_id is required", name)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("provider %s: issuer is required", name)
	}
	if err := networking.ValidateEndpointURL(cfg.Issuer); err != nil {
		return nil, fmt.Errorf("provider %s: invalid issuer: %w", name, err)
	}

	httpClient, err := networking.NewHTTPClientBuilder().
		WithTimeout(networking.HTTPTimeout).
		WithPrivateIPs(cfg.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("provider %s: building http client: %w", name, err)
	}

	// go-oidc picks the HTTP client up from the context, for discovery now
	// and for JWKS fetches during later verifications.
	ctx = oidc.ClientContext(ctx, httpClient)
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("provider %s: discovery failed: %w", name, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	if !slices.Contains(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}

	// Send client credentials in the request body for consistent behavior
	// across IDP implementations.
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	logger.Infow("social provider configured", "provider", name, "type", "oidc", "issuer", cfg.Issuer)

	return &OIDCProvider{
		name: name,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		limiter:  rate.NewLimiter(exchangeRate, exchangeBurst),
		client:   httpClient,
	}, nil
}

// Name returns the registry key.
func (p *OIDCProvider) Name() string { return p.name }

// AuthURL builds the upstream authorization redirect.
func (p *OIDCProvider) AuthURL(state, nonce string) string {
	var opts []oauth2.AuthCodeOption
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	return p.conf.AuthCodeURL(state, opts...)
}

// Exchange trades the callback code for tokens and resolves the identity
// from the validated ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, nonce string) (*Identity, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx = oidc.ClientContext(ctx, p.client)
	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("provider %s: code exchange failed: %w", p.name, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("provider %s: token response is missing an id_token", p.name)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("provider %s: id token validation failed: %w", p.name, err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("provider %s: parsing id token claims: %w", p.name, err)
	}

	logger.Debugw("resolved social identity", "provider", p.name, "subject", idToken.Subject)

	return &Identity{
		Provider:       p.name,
		ProviderUserID: idToken.Subject,
		Email:          claims.Email,
		EmailVerified:  claims.EmailVerified,
		Name:           claims.Name,
		AvatarURL:      claims.Picture,
	}, nil
}
