package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/uniauth/uniauth/pkg/audit"
	uacrypto "github.com/uniauth/uniauth/pkg/crypto"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/signer"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/storage/sqlite"
	"github.com/uniauth/uniauth/pkg/webhook"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://app.example.com/callback"

	// RFC 7636 appendix B test vector.
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type testEnv struct {
	store    storage.Store
	engine   *Engine
	issuer   *TokenIssuer
	sessions *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewStore(ctx, sqlite.Config{
		Path: filepath.Join(t.TempDir(), "oauth.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	provider, err := signer.NewStaticProvider(key)
	require.NoError(t, err)

	issuer := NewTokenIssuer(signer.New(testIssuer, provider), store.RefreshTokens(), TokenTTLs{})
	sessions := session.NewManager(store.Sessions())
	engine := NewEngine(EngineConfig{}, store, issuer, sessions,
		audit.NewRecorder(store.Audit()),
		webhook.NewEnqueuer(store.Webhooks(), store.Deliveries()),
	)

	return &testEnv{store: store, engine: engine, issuer: issuer, sessions: sessions}
}

func seedUser(t *testing.T, env *testEnv, mutate ...func(*storage.User)) *storage.User {
	t.Helper()
	now := time.Now().UTC()
	user := &storage.User{
		ID:            uuid.NewString(),
		Email:         uuid.NewString()[:8] + "@example.com",
		EmailVerified: true,
		Status:        storage.UserStatusActive,
		Nickname:      "Ada",
		AvatarURL:     "https://cdn.example.com/ada.png",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, m := range mutate {
		m(user)
	}
	require.NoError(t, env.store.Users().Create(context.Background(), user))
	return user
}

func seedApp(t *testing.T, env *testEnv, typ storage.AppType, grants []string) (*storage.Application, string) {
	t.Helper()

	var rawSecret, secretHash string
	if typ == storage.AppTypeWeb || typ == storage.AppTypeM2M {
		var err error
		rawSecret, err = uacrypto.NewClientSecret()
		require.NoError(t, err)
		secretHash = uacrypto.HashToken(rawSecret)
	}

	owner := seedUser(t, env)
	now := time.Now().UTC()
	app := &storage.Application{
		ID:               uuid.NewString(),
		ClientID:         "app_" + uuid.NewString()[:8],
		ClientSecretHash: secretHash,
		Name:             "Test App",
		Type:             typ,
		Active:           true,
		RedirectURIs:     []string{testRedirectURI},
		GrantTypes:       grants,
		OwnerUserID:      owner.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, env.store.Applications().Create(context.Background(), app))
	return app, rawSecret
}

func seedWebApp(t *testing.T, env *testEnv) (*storage.Application, string) {
	t.Helper()
	return seedApp(t, env, storage.AppTypeWeb, []string{GrantAuthorizationCode, GrantRefreshToken})
}

func seedSPAApp(t *testing.T, env *testEnv) *storage.Application {
	t.Helper()
	app, _ := seedApp(t, env, storage.AppTypeSPA, []string{GrantAuthorizationCode, GrantRefreshToken})
	return app
}

func seedM2MApp(t *testing.T, env *testEnv, scopes ...string) (*storage.Application, string) {
	t.Helper()
	ctx := context.Background()
	app, rawSecret := seedApp(t, env, storage.AppTypeM2M, []string{GrantClientCredentials})

	for _, name := range scopes {
		require.NoError(t, env.store.Scopes().Ensure(ctx, &storage.Scope{
			Name:      name,
			CreatedAt: time.Now().UTC(),
		}))
	}
	if len(scopes) > 0 {
		require.NoError(t, env.store.Applications().GrantScopes(ctx, app.ID, scopes))
	}
	return app, rawSecret
}

func createSession(t *testing.T, env *testEnv, userID, clientID string) *storage.SSOSession {
	t.Helper()
	sess, _, err := env.sessions.Create(context.Background(), session.CreateParams{
		UserID:   userID,
		ClientID: clientID,
	})
	require.NoError(t, err)
	return sess
}

// queryParam pulls one query parameter out of a redirect location.
func queryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query().Get(key)
}

// authorizeWithSession runs the GET authorize flow for a freshly seeded
// logged-in user and returns the minted code plus the user.
func authorizeWithSession(t *testing.T, env *testEnv, req *AuthorizeRequest) (string, *storage.User) {
	t.Helper()
	user := seedUser(t, env)
	sess := createSession(t, env, user.ID, "")

	decision, err := env.engine.Authorize(context.Background(), req, sess, RequestMeta{})
	require.NoError(t, err)
	require.Equal(t, DecisionRedirect, decision.Kind)

	code := queryParam(t, decision.Location, "code")
	require.NotEmpty(t, code)
	return code, user
}
