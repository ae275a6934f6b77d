// Package authn implements end-user authentication: verification code
// logins, password logins, social identity providers, multi-factor step-up,
// and the account binding surface behind them. The Orchestrator is the
// single entry point; HTTP handlers translate requests into its calls.
package authn

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Identity is the normalized profile a social provider resolves after a
// successful code exchange.
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string
	// EmailVerified reports whether the upstream provider vouches for the
	// address. Only verified emails participate in account linking.
	EmailVerified bool
	Name          string
	AvatarURL     string
}

// Provider exchanges an upstream authorization code for a verified
// identity. OIDC providers resolve it from a validated ID token; plain
// OAuth 2.0 providers fetch a userinfo document.
type Provider interface {
	// Name returns the registry key, e.g. "google" or "github".
	Name() string

	// AuthURL builds the upstream authorization redirect. State is the CSRF
	// value the callback must echo. Nonce binds the ID token for OIDC
	// providers and is ignored by plain OAuth 2.0 providers.
	AuthURL(state, nonce string) string

	// Exchange trades the callback code for the upstream identity.
	Exchange(ctx context.Context, code, nonce string) (*Identity, error)
}

// ProviderType selects how a social provider is driven.
type ProviderType string

const (
	// ProviderTypeOIDC uses discovery and validated ID tokens.
	ProviderTypeOIDC ProviderType = "oidc"
	// ProviderTypeOAuth2 uses explicit endpoints and a userinfo fetch.
	ProviderTypeOAuth2 ProviderType = "oauth2"
)

// FieldMapping holds gjson paths into a userinfo document for plain
// OAuth 2.0 providers whose profile shapes differ. Empty fields fall back
// to the OIDC standard claim names.
type FieldMapping struct {
	ID     string
	Email  string
	Name   string
	Avatar string
}

// ProviderConfig describes one upstream social provider.
type ProviderConfig struct {
	Type         ProviderType
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Issuer drives discovery for OIDC providers.
	Issuer string

	// Explicit endpoints for plain OAuth 2.0 providers.
	AuthURL     string
	TokenURL    string
	UserinfoURL string

	// AllowPrivateIP permits upstream endpoints on private addresses.
	// Development and test use only.
	AllowPrivateIP bool

	Fields FieldMapping
}

// NewProvider builds a provider appropriate for the config type.
func NewProvider(ctx context.Context, name string, cfg ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case ProviderTypeOIDC:
		return NewOIDCProvider(ctx, name, cfg)
	case ProviderTypeOAuth2:
		return NewOAuth2Provider(name, cfg)
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q (must be %q or %q)",
			name, cfg.Type, ProviderTypeOIDC, ProviderTypeOAuth2)
	}
}

// Registry holds the configured social providers keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
