package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/networking"
)

// defaultFieldMapping covers providers that follow the OIDC userinfo claim
// names without supporting discovery.
var defaultFieldMapping = FieldMapping{
	ID:     "sub",
	Email:  "email",
	Name:   "name",
	Avatar: "picture",
}

// OAuth2Provider drives a social provider that has no OIDC support:
// explicit endpoints, a userinfo fetch, and gjson paths to map the profile
// document onto the normalized identity.
type OAuth2Provider struct {
	name        string
	conf        *oauth2.Config
	userinfoURL string
	fields      FieldMapping
	limiter     *rate.Limiter
	client      *http.Client
}

var _ Provider = (*OAuth2Provider)(nil)

// NewOAuth2Provider builds a provider from explicit endpoints.
func NewOAuth2Provider(name string, cfg ProviderConfig) (*OAuth2Provider, error) {
	if name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("provider %s: client_id is required", name)
	}
	for field, value := range map[string]string{
		"auth_url":     cfg.AuthURL,
		"token_url":    cfg.TokenURL,
		"userinfo_url": cfg.UserinfoURL,
	} {
		if value == "" {
			return nil, fmt.Errorf("provider %s: %s is required", name, field)
		}
		if err := networking.ValidateEndpointURL(value); err != nil {
			return nil, fmt.Errorf("provider %s: invalid %s: %w", name, field, err)
		}
	}

	fields := cfg.Fields
	if fields.ID == "" {
		fields.ID = defaultFieldMapping.ID
	}
	if fields.Email == "" {
		fields.Email = defaultFieldMapping.Email
	}
	if fields.Name == "" {
		fields.Name = defaultFieldMapping.Name
	}
	if fields.Avatar == "" {
		fields.Avatar = defaultFieldMapping.Avatar
	}

	client, err := networking.NewHTTPClientBuilder().
		WithTimeout(networking.HTTPTimeout).
		WithPrivateIPs(cfg.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("provider %s: building http client: %w", name, err)
	}

	logger.Infow("social provider configured", "provider", name, "type", "oauth2", "token_url", cfg.TokenURL)

	return &OAuth2Provider{
		name: name,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userinfoURL: cfg.UserinfoURL,
		fields:      fields,
		limiter:     rate.NewLimiter(exchangeRate, exchangeBurst),
		client:      client,
	}, nil
}

// Name returns the registry key.
func (p *OAuth2Provider) Name() string { return p.name }

// AuthURL builds the upstream authorization redirect. Plain OAuth 2.0
// providers carry no nonce.
func (p *OAuth2Provider) AuthURL(state, _ string) string {
	return p.conf.AuthCodeURL(state)
}

// Exchange trades the callback code for an access token and maps the
// userinfo document onto the normalized identity.
func (p *OAuth2Provider) Exchange(ctx context.Context, code, _ string) (*Identity, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("provider %s: code exchange failed: %w", p.name, err)
	}

	result, err := networking.FetchJSON[json.RawMessage](ctx, p.client, p.userinfoURL,
		networking.WithHeader("Authorization", "Bearer "+token.AccessToken),
		networking.WithErrorHandler(providerError))
	if err != nil {
		return nil, fmt.Errorf("provider %s: userinfo fetch failed: %w", p.name, err)
	}

	doc := []byte(result.Data)
	id := gjson.GetBytes(doc, p.fields.ID)
	if !id.Exists() || id.String() == "" {
		return nil, fmt.Errorf("provider %s: userinfo document is missing %q", p.name, p.fields.ID)
	}

	logger.Debugw("resolved social identity", "provider", p.name, "subject", id.String())

	return &Identity{
		Provider:       p.name,
		ProviderUserID: id.String(),
		Email:          gjson.GetBytes(doc, p.fields.Email).String(),
		EmailVerified:  gjson.GetBytes(doc, "email_verified").Bool(),
		Name:           gjson.GetBytes(doc, p.fields.Name).String(),
		AvatarURL:      gjson.GetBytes(doc, p.fields.Avatar).String(),
	}, nil
}

// providerError lifts the readable part out of a provider's error document.
// Providers disagree on its shape: OAuth 2.0 defines error and
// error_description, GitHub answers with message. Unrecognized bodies fall
// through to the generic HTTP error.
func providerError(resp *http.Response, body []byte) error {
	for _, path := range []string{"error_description", "error", "message"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return fmt.Errorf("userinfo endpoint answered %d: %s", resp.StatusCode, v.String())
		}
	}
	return nil
}
