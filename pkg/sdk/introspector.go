package sdk

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/uniauth/uniauth/pkg/networking"
)

// ErrIntrospectionDenied reports that the issuer rejected the resource
// server's own credentials, not the inspected token.
var ErrIntrospectionDenied = errors.New("introspection credentials rejected")

// maxIntrospectionResponse bounds responses from the introspection and
// discovery endpoints. Both documents are tiny; anything bigger is a
// misconfigured URL.
const maxIntrospectionResponse = 64 * 1024

// IntrospectorConfig configures an Introspector.
type IntrospectorConfig struct {
	// Issuer is the uniauth issuer URL. When IntrospectionURL is empty the
	// endpoint is discovered from its openid-configuration document.
	Issuer string

	// ClientID and ClientSecret authenticate this resource server to the
	// introspection endpoint. Both are required.
	ClientID     string
	ClientSecret string

	// IntrospectionURL overrides discovery.
	IntrospectionURL string

	// CACertPath is a CA certificate bundle for the issuer endpoints.
	CACertPath string

	// AllowPrivateIP permits issuer endpoints on private addresses.
	// Development and test use only.
	AllowPrivateIP bool
}

// Introspection is the issuer's live answer for one token. Inactive tokens
// carry nothing beyond Active.
type Introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope"`
	ClientID  string   `json:"client_id"`
	Subject   string   `json:"sub"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	Issuer    string   `json:"iss"`
	Audience  []string `json:"aud"`
	TokenType string   `json:"token_type"`
}

// Scopes splits the space-separated scope field.
func (i *Introspection) Scopes() []string {
	return strings.Fields(i.Scope)
}

// HasScope reports whether the token was granted the scope.
func (i *Introspection) HasScope(scope string) bool {
	return slices.Contains(i.Scopes(), scope)
}

// Introspector asks the issuer whether a token is still good. Unlike
// Validator it observes revocation, user suspension, and client disablement
// immediately, at the cost of one round trip per check. Pair the two:
// Validator on every request, Introspector before high-value operations.
type Introspector struct {
	endpoint   string
	authHeader string
	client     *http.Client
}

// NewIntrospector builds an introspection client. When cfg.IntrospectionURL
// is empty the endpoint is discovered once, at construction.
func NewIntrospector(ctx context.Context, cfg IntrospectorConfig) (*Introspector, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("introspection requires client credentials")
	}

	client, err := networking.NewHTTPClientBuilder().
		WithTimeout(networking.HTTPTimeout).
		WithCABundle(cfg.CACertPath).
		WithPrivateIPs(cfg.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	endpoint := cfg.IntrospectionURL
	if endpoint == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("either issuer or introspection URL must be provided")
		}
		result, err := networking.FetchJSON[discoveryDocument](ctx, client,
			strings.TrimSuffix(cfg.Issuer, "/")+"/.well-known/openid-configuration",
			networking.WithMaxResponseSize(maxIntrospectionResponse))
		if err != nil {
			return nil, fmt.Errorf("discovering introspection_endpoint: %w", err)
		}
		endpoint = result.Data.IntrospectionEndpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("issuer %s: discovery document has no introspection_endpoint", cfg.Issuer)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(cfg.ClientID + ":" + cfg.ClientSecret))

	return &Introspector{
		endpoint:   endpoint,
		authHeader: "Basic " + basic,
		client:     client,
	}, nil
}

// Endpoint returns the introspection URL the client posts to.
func (i *Introspector) Endpoint() string {
	return i.endpoint
}

// Introspect reports the issuer's view of one token. A revoked, expired, or
// simply unknown token is not an error: the answer has Active false. The
// error ErrIntrospectionDenied means this resource server's own credentials
// were rejected.
func (i *Introspector) Introspect(ctx context.Context, token string) (*Introspection, error) {
	result, err := networking.FetchJSONWithForm[Introspection](ctx, i.client, i.endpoint,
		url.Values{"token": {token}},
		networking.WithHeader("Authorization", i.authHeader),
		networking.WithMaxResponseSize(maxIntrospectionResponse))
	if networking.IsHTTPError(err, http.StatusUnauthorized) {
		return nil, ErrIntrospectionDenied
	}
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	return &result.Data, nil
}
