package v1

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/authn"
	"github.com/uniauth/uniauth/pkg/crypto"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/ratelimit"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/signer"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/storage/sqlite"
	"github.com/uniauth/uniauth/pkg/verification"
	"github.com/uniauth/uniauth/pkg/webhook"
)

const testIssuerURL = "https://auth.example.com"

func init() {
	logger.Initialize()
}

// captureDispatcher records the last code issued per target instead of
// delivering it.
type captureDispatcher struct {
	mu    sync.Mutex
	codes map[string]string
}

func (d *captureDispatcher) Dispatch(_ context.Context, target string, _ storage.VerificationCodeType, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes[target] = code
	return nil
}

func (d *captureDispatcher) last(target string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[target]
}

// staticMFA accepts exactly one TOTP code, whatever the secret.
type staticMFA struct {
	code string
}

func (m staticMFA) VerifyTOTP(_, code string) bool { return code == m.code }

// testTOTPCode is the one code staticMFA accepts.
const testTOTPCode = "424242"

// fakeProvider satisfies authn.Provider without any upstream traffic.
type fakeProvider struct {
	name     string
	identity *authn.Identity
	err      error
}

func (p fakeProvider) Name() string { return p.name }

func (p fakeProvider) AuthURL(state, _ string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (p fakeProvider) Exchange(context.Context, string, string) (*authn.Identity, error) {
	return p.identity, p.err
}

type testEnv struct {
	store      storage.Store
	keys       *signer.Signer
	issuer     *oauth.TokenIssuer
	engine     *oauth.Engine
	orch       *authn.Orchestrator
	sessions   *session.Manager
	recorder   *audit.Recorder
	registry   *authn.Registry
	dispatcher *captureDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewStore(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	provider, err := signer.NewStaticProvider(key)
	require.NoError(t, err)
	keys := signer.New(testIssuerURL, provider)
	issuer := oauth.NewTokenIssuer(keys, store.RefreshTokens(), oauth.TokenTTLs{})

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{TargetDailyLimit: 1000, IPDailyLimit: 1000})
	t.Cleanup(func() { _ = limiter.Close() })
	dispatcher := &captureDispatcher{codes: map[string]string{}}
	codes := verification.NewEngine(store.VerificationCodes(), limiter, dispatcher, time.Second)

	sessions := session.NewManager(store.Sessions())
	recorder := audit.NewRecorder(store.Audit())
	events := webhook.NewEnqueuer(store.Webhooks(), store.Deliveries())
	registry := authn.NewRegistry()

	engine := oauth.NewEngine(oauth.EngineConfig{}, store, issuer, sessions, recorder, events)
	orch := authn.NewOrchestrator(store, codes, issuer, sessions, recorder, events,
		authn.WithSocialProviders(registry),
		authn.WithMFAVerifier(staticMFA{code: testTOTPCode}))

	return &testEnv{
		store:      store,
		keys:       keys,
		issuer:     issuer,
		engine:     engine,
		orch:       orch,
		sessions:   sessions,
		recorder:   recorder,
		registry:   registry,
		dispatcher: dispatcher,
	}
}

func (env *testEnv) authRouter() http.Handler {
	return AuthRouter(env.orch, env.issuer, nil, false)
}

func (env *testEnv) oauth2Router() http.Handler {
	return OAuth2Router(env.engine, env.sessions, env.issuer, nil)
}

func (env *testEnv) userRouter() http.Handler {
	return UserRouter(env.orch, env.store, env.recorder, env.sessions, env.issuer, false)
}

func (env *testEnv) developerRouter() http.Handler {
	return DeveloperRouter(env.store, env.recorder, env.issuer)
}

func (env *testEnv) wellKnownRouter() http.Handler {
	return WellKnownRouter(env.engine, env.keys)
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
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, m := range mutate {
		m(user)
	}
	require.NoError(t, env.store.Users().Create(context.Background(), user))
	return user
}

func seedApp(t *testing.T, env *testEnv, mutate ...func(*storage.Application)) *storage.Application {
	t.Helper()
	now := time.Now().UTC()
	app := &storage.Application{
		ID:           uuid.NewString(),
		ClientID:     "app_" + uuid.NewString()[:8],
		Name:         "Test App",
		Type:         storage.AppTypeWeb,
		Active:       true,
		RedirectURIs: []string{"https://app.example.com/callback"},
		GrantTypes:   []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, m := range mutate {
		m(app)
	}
	require.NoError(t, env.store.Applications().Create(context.Background(), app))
	return app
}

// bearerFor mints a first-party access token for a user.
func bearerFor(t *testing.T, env *testEnv, userID string) string {
	t.Helper()
	token, _, err := env.issuer.AccessToken(context.Background(), userID, "", "")
	require.NoError(t, err)
	return token
}

// seedCode plants a known verification code, bypassing the rate limiter.
func seedCode(t *testing.T, env *testEnv, target string, typ storage.VerificationCodeType, code string) {
	t.Helper()
	require.NoError(t, env.store.VerificationCodes().Create(context.Background(), &storage.VerificationCode{
		Target:    target,
		CodeHash:  crypto.HashToken(code),
		Type:      typ,
		ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
		CreatedAt: time.Now().UTC(),
	}))
}

type requestOption func(*http.Request)

func withBearer(token string) requestOption {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func withCookie(cookie *http.Cookie) requestOption {
	return func(r *http.Request) {
		r.AddCookie(cookie)
	}
}

func withForm() requestOption {
	return func(r *http.Request) {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
}

func withBasicAuth(clientID, clientSecret string) requestOption {
	return func(r *http.Request) {
		r.SetBasicAuth(clientID, clientSecret)
	}
}

// do runs one request against a router and returns the recorder.
func do(handler http.Handler, method, path, body string, opts ...requestOption) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:52011"
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// dataField unwraps the success envelope and decodes data into out.
func dataField(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success, "expected a success envelope, got %s", rec.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
}

// errorField unwraps the error envelope and returns the code.
func errorField(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Success bool `json:"success"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.False(t, env.Success, "expected an error envelope, got %s", rec.Body.String())
	require.NotNil(t, env.Error)
	return env.Error.Code
}

// ssoCookieFrom extracts the SSO session cookie from a response.
func ssoCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == ssoCookieName {
			return cookie
		}
	}
	t.Fatalf("no %s cookie in response", ssoCookieName)
	return nil
}
