package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/signer"
	"github.com/uniauth/uniauth/pkg/webhook"
)

func TestDiscovery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	want := &DiscoveryDocument{
		Issuer:                "https://auth.example.com",
		AuthorizationEndpoint: "https://auth.example.com/api/v1/oauth2/authorize",
		TokenEndpoint:         "https://auth.example.com/api/v1/oauth2/token",
		UserinfoEndpoint:      "https://auth.example.com/api/v1/oauth2/userinfo",
		JWKSURI:               "https://auth.example.com/api/v1/.well-known/jwks.json",
		IntrospectionEndpoint: "https://auth.example.com/api/v1/oauth2/introspect",
		RevocationEndpoint:    "https://auth.example.com/api/v1/oauth2/revoke",
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			"authorization_code", "refresh_token", "client_credentials",
		},
		SubjectTypesSupported: []string{
			"public",
		},
		IDTokenSigningAlgValuesSupported: []string{
			"RS256",
		},
		ScopesSupported: []string{
			"openid", "profile", "email", "phone",
		},
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat",
			"email", "email_verified", "phone_number", "phone_verified",
			"name", "picture", "nonce", "auth_time",
		},
		CodeChallengeMethodsSupported: []string{
			"S256", "plain",
		},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post",
		},
	}

	got := env.engine.Discovery()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Discovery() mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscovery_TrailingSlashIssuer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	provider, err := signer.NewStaticProvider(key)
	require.NoError(t, err)

	slashed := NewEngine(EngineConfig{}, env.store,
		NewTokenIssuer(signer.New("https://auth.example.com/", provider), env.store.RefreshTokens(), TokenTTLs{}),
		env.sessions,
		audit.NewRecorder(env.store.Audit()),
		webhook.NewEnqueuer(env.store.Webhooks(), env.store.Deliveries()),
	)

	doc := slashed.Discovery()
	assert.Equal(t, "https://auth.example.com", doc.Issuer)
	assert.Equal(t, "https://auth.example.com/api/v1/oauth2/token", doc.TokenEndpoint)
}
