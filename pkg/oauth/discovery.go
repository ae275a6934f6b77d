package oauth

import (
	"strings"

	"github.com/uniauth/uniauth/pkg/crypto"
)

// DiscoveryDocument is the OpenID Connect provider metadata served at
// /.well-known/openid-configuration.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery builds the provider metadata. Endpoint URLs join the issuer
// with the configured base path, mirroring how the façade mounts the
// routes.
func (e *Engine) Discovery() *DiscoveryDocument {
	issuer := strings.TrimSuffix(e.issuer.Issuer(), "/")
	base := issuer + e.basePath

	return &DiscoveryDocument{
		Issuer:                issuer,
		AuthorizationEndpoint: base + "/oauth2/authorize",
		TokenEndpoint:         base + "/oauth2/token",
		UserinfoEndpoint:      base + "/oauth2/userinfo",
		JWKSURI:               base + "/.well-known/jwks.json",
		IntrospectionEndpoint: base + "/oauth2/introspect",
		RevocationEndpoint:    base + "/oauth2/revoke",
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			GrantAuthorizationCode,
			GrantRefreshToken,
			GrantClientCredentials,
		},
		SubjectTypesSupported: []string{
			"public",
		},
		IDTokenSigningAlgValuesSupported: []string{
			"RS256",
		},
		ScopesSupported: []string{
			ScopeOpenID,
			ScopeProfile,
			ScopeEmail,
			ScopePhone,
		},
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat",
			"email", "email_verified", "phone_number", "phone_verified",
			"name", "picture", "nonce", "auth_time",
		},
		CodeChallengeMethodsSupported: []string{
			crypto.ChallengeMethodS256,
			crypto.ChallengeMethodPlain,
		},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
		},
	}
}
