package authn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniauth/uniauth/pkg/audit"
	uacrypto "github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/ratelimit"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/signer"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/storage/sqlite"
	"github.com/uniauth/uniauth/pkg/verification"
	"github.com/uniauth/uniauth/pkg/webhook"
)

const testIssuer = "https://auth.example.com"

var testMeta = oauth.RequestMeta{IP: "203.0.113.7", UserAgent: "authn-test"}

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

// fakeProvider satisfies Provider without any upstream traffic.
type fakeProvider struct {
	name     string
	identity *Identity
	err      error
}

func (p fakeProvider) Name() string { return p.name }

func (p fakeProvider) AuthURL(state, _ string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (p fakeProvider) Exchange(context.Context, string, string) (*Identity, error) {
	return p.identity, p.err
}

// fakePasskeys resolves every assertion to a fixed user.
type fakePasskeys struct {
	userID string
	err    error
}

func (f fakePasskeys) Verify(context.Context, []byte) (string, error) {
	return f.userID, f.err
}

type testEnv struct {
	store      storage.Store
	orch       *Orchestrator
	issuer     *oauth.TokenIssuer
	sessions   *session.Manager
	registry   *Registry
	dispatcher *captureDispatcher
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewStore(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "authn.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	provider, err := signer.NewStaticProvider(key)
	require.NoError(t, err)
	issuer := oauth.NewTokenIssuer(signer.New(testIssuer, provider), store.RefreshTokens(), oauth.TokenTTLs{})

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{TargetDailyLimit: 1000, IPDailyLimit: 1000})
	t.Cleanup(func() { _ = limiter.Close() })
	dispatcher := &captureDispatcher{codes: map[string]string{}}
	codes := verification.NewEngine(store.VerificationCodes(), limiter, dispatcher, time.Second)

	sessions := session.NewManager(store.Sessions())
	registry := NewRegistry()

	orch := NewOrchestrator(store, codes, issuer, sessions,
		audit.NewRecorder(store.Audit()),
		webhook.NewEnqueuer(store.Webhooks(), store.Deliveries()),
		append([]Option{WithSocialProviders(registry)}, opts...)...)

	return &testEnv{
		store:      store,
		orch:       orch,
		issuer:     issuer,
		sessions:   sessions,
		registry:   registry,
		dispatcher: dispatcher,
	}
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

// seedCode plants a known verification code, bypassing the rate limiter.
func seedCode(t *testing.T, env *testEnv, target string, typ storage.VerificationCodeType, code string) {
	t.Helper()
	require.NoError(t, env.store.VerificationCodes().Create(context.Background(), &storage.VerificationCode{
		Target:    target,
		CodeHash:  uacrypto.HashToken(code),
		Type:      typ,
		ExpiresAt: time.Now().UTC().Add(verification.CodeTTL),
	}))
}

func auditActions(t *testing.T, env *testEnv, userID string) []string {
	t.Helper()
	entries, err := env.store.Audit().ListByUser(context.Background(), userID, 50)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func currentTOTP(t *testing.T, secret string) string {
	t.Helper()
	key, err := decodeTOTPSecret(secret)
	require.NoError(t, err)
	return hotp(key, uint64(time.Now().Unix()/int64(totpPeriod/time.Second)))
}

func TestLoginWithPhone_CreatesAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const phone = "+14155550100"
	issued, err := env.orch.SendPhoneCode(ctx, phone, "198.51.100.1")
	require.NoError(t, err)
	assert.Positive(t, issued.ExpiresIn)

	code := env.dispatcher.last(phone)
	require.Len(t, code, 6)

	res, err := env.orch.LoginWithPhone(ctx, phone, code, false, testMeta)
	require.NoError(t, err)

	assert.True(t, res.IsNewUser)
	assert.Equal(t, phone, res.User.Phone)
	assert.True(t, res.User.PhoneVerified)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	require.NotNil(t, res.Session)
	assert.NotEmpty(t, res.SessionToken)

	// The session cookie resolves back to the login session.
	sess, err := env.sessions.Resolve(ctx, res.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, res.User.ID, sess.UserID)

	assert.Contains(t, auditActions(t, env, res.User.ID), audit.ActionRegister)
}

func TestLoginWithPhone_ExistingUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const phone = "+14155550101"
	user := seedUser(t, env, func(u *storage.User) {
		u.Phone = phone
		u.PhoneVerified = false
	})

	seedCode(t, env, phone, storage.CodeTypeLogin, "111111")
	res, err := env.orch.LoginWithPhone(ctx, phone, "111111", false, testMeta)
	require.NoError(t, err)

	assert.False(t, res.IsNewUser)
	assert.Equal(t, user.ID, res.User.ID)
	assert.True(t, res.User.PhoneVerified, "possession of the code verifies the number")
	assert.Contains(t, auditActions(t, env, user.ID), audit.ActionLoginPhone)
}

func TestLoginWithPhone_WrongCode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	const phone = "+14155550102"
	seedCode(t, env, phone, storage.CodeTypeLogin, "111111")

	_, err := env.orch.LoginWithPhone(context.Background(), phone, "222222", false, testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)
}

func TestLoginWithPhone_RejectsBadNumber(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.orch.LoginWithPhone(context.Background(), "555-0100", "111111", false, testMeta)
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)
}

func TestSendEmailCode_UnknownPurpose(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.orch.SendEmailCode(context.Background(), "a@example.com", "promote", "198.51.100.1")
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)
}

func TestRegisterWithEmail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const email = "new@example.com"
	seedCode(t, env, email, storage.CodeTypeRegister, "333333")

	res, err := env.orch.RegisterWithEmail(ctx, email, "333333", "hunter2hunter2", false, testMeta)
	require.NoError(t, err)

	assert.True(t, res.IsNewUser)
	assert.Equal(t, email, res.User.Email)
	assert.True(t, res.User.EmailVerified)
	assert.NotEmpty(t, res.SessionToken)

	ok, err := uacrypto.VerifyPassword(res.User.PasswordHash, "hunter2hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same address again is a conflict even with a fresh code.
	seedCode(t, env, email, storage.CodeTypeRegister, "444444")
	_, err = env.orch.RegisterWithEmail(ctx, email, "444444", "hunter2hunter2", false, testMeta)
	assert.True(t, uaerrors.IsConflict(err), "got %v", err)
}

func TestRegisterWithEmail_ShortPassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.orch.RegisterWithEmail(context.Background(), "p@example.com", "333333", "short", false, testMeta)
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)
}

func TestLoginWithEmailCode_CreatesAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const email = "code-login@example.com"
	seedCode(t, env, email, storage.CodeTypeLogin, "555555")

	res, err := env.orch.LoginWithEmailCode(ctx, email, "555555", true, testMeta)
	require.NoError(t, err)

	assert.True(t, res.IsNewUser)
	assert.Equal(t, email, res.User.Email)
	assert.True(t, res.User.EmailVerified)
	assert.True(t, res.Session.RememberMe)
}

func TestLoginWithPassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hash, err := uacrypto.HashPassword("correct horse battery")
	require.NoError(t, err)
	user := seedUser(t, env, func(u *storage.User) { u.PasswordHash = hash })

	res, err := env.orch.LoginWithPassword(ctx, user.Email, "correct horse battery", false, testMeta)
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)
	assert.False(t, res.IsNewUser)
	assert.Contains(t, auditActions(t, env, user.ID), audit.ActionLoginPassword)

	// Wrong password, unknown email, and passwordless accounts all fail
	// with the same message.
	_, err = env.orch.LoginWithPassword(ctx, user.Email, "wrong", false, testMeta)
	require.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)
	wrongPassword := err.Error()

	_, err = env.orch.LoginWithPassword(ctx, "ghost@example.com", "whatever", false, testMeta)
	require.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)
	assert.Equal(t, wrongPassword, err.Error())

	passwordless := seedUser(t, env)
	_, err = env.orch.LoginWithPassword(ctx, passwordless.Email, "whatever", false, testMeta)
	require.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)
	assert.Equal(t, wrongPassword, err.Error())
}

func TestLoginWithPassword_Suspended(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	hash, err := uacrypto.HashPassword("correct horse battery")
	require.NoError(t, err)
	user := seedUser(t, env, func(u *storage.User) {
		u.PasswordHash = hash
		u.Status = storage.UserStatusSuspended
	})

	_, err = env.orch.LoginWithPassword(context.Background(), user.Email, "correct horse battery", false, testMeta)
	assert.True(t, uaerrors.IsSuspended(err), "got %v", err)
}

func TestMFAStepUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hash, err := uacrypto.HashPassword("correct horse battery")
	require.NoError(t, err)
	user := seedUser(t, env, func(u *storage.User) {
		u.PasswordHash = hash
		u.MFAEnabled = true
		u.MFASecret = rfcSecret
	})

	res, err := env.orch.LoginWithPassword(ctx, user.Email, "correct horse battery", false, testMeta)
	require.NoError(t, err)

	assert.True(t, res.MFARequired)
	assert.NotEmpty(t, res.MFAToken)
	assert.Empty(t, res.AccessToken, "held logins mint no credentials")
	assert.Empty(t, res.RefreshToken)
	assert.Nil(t, res.Session)

	final, err := env.orch.VerifyMFALogin(ctx, res.MFAToken, currentTOTP(t, rfcSecret), "", false, testMeta)
	require.NoError(t, err)

	assert.Equal(t, user.ID, final.User.ID)
	assert.False(t, final.MFARequired)
	assert.NotEmpty(t, final.AccessToken)
	assert.NotEmpty(t, final.SessionToken)
	assert.Contains(t, auditActions(t, env, user.ID), audit.ActionLoginMFA)
}

func TestVerifyMFALogin_WrongCode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hash, err := uacrypto.HashPassword("correct horse battery")
	require.NoError(t, err)
	user := seedUser(t, env, func(u *storage.User) {
		u.PasswordHash = hash
		u.MFAEnabled = true
		u.MFASecret = rfcSecret
	})

	res, err := env.orch.LoginWithPassword(ctx, user.Email, "correct horse battery", false, testMeta)
	require.NoError(t, err)

	_, err = env.orch.VerifyMFALogin(ctx, res.MFAToken, "000000", "", false, testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)

	_, err = env.orch.VerifyMFALogin(ctx, res.MFAToken, "", "", false, testMeta)
	assert.True(t, uaerrors.IsInvalidRequest(err), "neither code supplied: got %v", err)
}

func TestVerifyMFALogin_RecoveryCodeBurnsOnUse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := seedUser(t, env, func(u *storage.User) {
		u.MFAEnabled = true
		u.MFASecret = rfcSecret
		u.MFARecoveryCodes = []string{
			uacrypto.HashToken("rescue-one"),
			uacrypto.HashToken("rescue-two"),
		}
	})

	mfaToken, _, err := env.issuer.MFAToken(ctx, user.ID)
	require.NoError(t, err)

	res, err := env.orch.VerifyMFALogin(ctx, mfaToken, "", "rescue-one", false, testMeta)
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)

	reloaded, err := env.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.MFARecoveryCodes, 1, "used code is burned")

	// Replay fails.
	mfaToken, _, err = env.issuer.MFAToken(ctx, user.ID)
	require.NoError(t, err)
	_, err = env.orch.VerifyMFALogin(ctx, mfaToken, "", "rescue-one", false, testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)
}

func TestVerifyMFALogin_RejectsAccessToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := seedUser(t, env, func(u *storage.User) {
		u.MFAEnabled = true
		u.MFASecret = rfcSecret
	})

	access, _, err := env.issuer.AccessToken(ctx, user.ID, "", "")
	require.NoError(t, err)

	_, err = env.orch.VerifyMFALogin(ctx, access, currentTOTP(t, rfcSecret), "", false, testMeta)
	assert.True(t, uaerrors.IsInvalidToken(err), "got %v", err)
}

func TestSocialCallback_CreatesAndFindsAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.Register(fakeProvider{name: "github", identity: &Identity{
		Provider:       "github",
		ProviderUserID: "octo-1",
		Email:          "octo@example.com",
		EmailVerified:  true,
		Name:           "Octo",
		AvatarURL:      "https://cdn.example.com/octo.png",
	}})

	res, err := env.orch.HandleSocialCallback(ctx, "github", "code-1", "", false, testMeta)
	require.NoError(t, err)

	assert.True(t, res.IsNewUser)
	assert.Equal(t, "octo@example.com", res.User.Email)
	assert.True(t, res.User.EmailVerified)
	assert.Equal(t, "Octo", res.User.Nickname)

	accounts, err := env.store.OAuthAccounts().ListByUser(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "github", accounts[0].Provider)
	assert.Equal(t, "octo-1", accounts[0].ProviderUserID)

	// Same upstream identity lands on the same account.
	again, err := env.orch.HandleSocialCallback(ctx, "github", "code-2", "", false, testMeta)
	require.NoError(t, err)
	assert.False(t, again.IsNewUser)
	assert.Equal(t, res.User.ID, again.User.ID)
}

func TestSocialCallback_LinksByVerifiedEmail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	existing := seedUser(t, env, func(u *storage.User) { u.Email = "linked@example.com" })

	env.registry.Register(fakeProvider{name: "google", identity: &Identity{
		Provider:       "google",
		ProviderUserID: "g-77",
		Email:          "linked@example.com",
		EmailVerified:  true,
	}})

	res, err := env.orch.HandleSocialCallback(ctx, "google", "code-1", "", false, testMeta)
	require.NoError(t, err)

	assert.False(t, res.IsNewUser)
	assert.Equal(t, existing.ID, res.User.ID, "verified email links to the existing account")
}

func TestSocialCallback_UnverifiedEmailNeverLinks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	existing := seedUser(t, env, func(u *storage.User) { u.Email = "victim@example.com" })

	env.registry.Register(fakeProvider{name: "acme", identity: &Identity{
		Provider:       "acme",
		ProviderUserID: "a-13",
		Email:          "victim@example.com",
		EmailVerified:  false,
	}})

	res, err := env.orch.HandleSocialCallback(ctx, "acme", "code-1", "", false, testMeta)
	require.NoError(t, err)

	assert.True(t, res.IsNewUser)
	assert.NotEqual(t, existing.ID, res.User.ID, "unverified email must not take over an account")
	assert.Empty(t, res.User.Email, "unverified address stays off the user row")
}

func TestSocialCallback_UpstreamFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.registry.Register(fakeProvider{name: "github", err: context.DeadlineExceeded})

	_, err := env.orch.HandleSocialCallback(context.Background(), "github", "code-1", "", false, testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)

	_, err = env.orch.HandleSocialCallback(context.Background(), "missing", "code-1", "", false, testMeta)
	assert.True(t, uaerrors.IsNotFound(err), "got %v", err)
}

func TestLoginWithPasskey(t *testing.T) {
	t.Parallel()

	// Passkeys count as multi-factor on their own: no TOTP step-up even
	// with MFA enrolled.
	envNoVerifier := newTestEnv(t)
	_, err := envNoVerifier.orch.LoginWithPasskey(context.Background(), []byte("assertion"), false, testMeta)
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)

	fake := &fakePasskeys{}
	env := newTestEnv(t, WithPasskeyVerifier(fake))
	user := seedUser(t, env, func(u *storage.User) {
		u.MFAEnabled = true
		u.MFASecret = rfcSecret
	})
	fake.userID = user.ID

	res, err := env.orch.LoginWithPasskey(context.Background(), []byte("assertion"), false, testMeta)
	require.NoError(t, err)
	assert.False(t, res.MFARequired)
	assert.NotEmpty(t, res.AccessToken)
	assert.Contains(t, auditActions(t, env, user.ID), audit.ActionLoginPasskey)
}

func TestRefresh_RotatesAndDetectsReplay(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const phone = "+14155550110"
	seedCode(t, env, phone, storage.CodeTypeLogin, "111111")
	first, err := env.orch.LoginWithPhone(ctx, phone, "111111", false, testMeta)
	require.NoError(t, err)

	rotated, err := env.orch.Refresh(ctx, first.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)

	// Replaying the consumed token revokes the whole family.
	_, err = env.orch.Refresh(ctx, first.RefreshToken, testMeta)
	require.True(t, uaerrors.IsInvalidToken(err), "got %v", err)

	_, err = env.orch.Refresh(ctx, rotated.RefreshToken, testMeta)
	assert.True(t, uaerrors.IsInvalidToken(err), "descendant dies with the family: got %v", err)
}

func TestRefresh_RejectsOAuthClientTokens(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := seedUser(t, env)
	raw, _, err := env.issuer.RefreshToken(ctx, user.ID, "app_123", "openid", testMeta)
	require.NoError(t, err)

	// Client-bound tokens rotate at the OAuth token endpoint, never here.
	_, err = env.orch.Refresh(ctx, raw, testMeta)
	assert.True(t, uaerrors.IsInvalidToken(err), "got %v", err)

	row, err := env.store.RefreshTokens().GetByHash(ctx, uacrypto.HashToken(raw))
	require.NoError(t, err)
	assert.False(t, row.Revoked, "rejection does not burn the client token")
}

func TestRefresh_UnknownToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.orch.Refresh(context.Background(), "no-such-token", testMeta)
	assert.True(t, uaerrors.IsInvalidToken(err), "got %v", err)

	_, err = env.orch.Refresh(context.Background(), "", testMeta)
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)
}

func TestLogout_Idempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const phone = "+14155550111"
	seedCode(t, env, phone, storage.CodeTypeLogin, "111111")
	res, err := env.orch.LoginWithPhone(ctx, phone, "111111", false, testMeta)
	require.NoError(t, err)

	require.NoError(t, env.orch.Logout(ctx, res.SessionToken, res.RefreshToken, testMeta))

	sess, err := env.sessions.Resolve(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, sess, "session is gone")

	row, err := env.store.RefreshTokens().GetByHash(ctx, uacrypto.HashToken(res.RefreshToken))
	require.NoError(t, err)
	assert.True(t, row.Revoked)

	// Dead credentials are fine the second time around.
	assert.NoError(t, env.orch.Logout(ctx, res.SessionToken, res.RefreshToken, testMeta))
	assert.NoError(t, env.orch.Logout(ctx, "", "", testMeta))
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const phone = "+14155550112"
	seedCode(t, env, phone, storage.CodeTypeLogin, "111111")
	first, err := env.orch.LoginWithPhone(ctx, phone, "111111", false, testMeta)
	require.NoError(t, err)

	seedCode(t, env, phone, storage.CodeTypeLogin, "222222")
	second, err := env.orch.LoginWithPhone(ctx, phone, "222222", false, testMeta)
	require.NoError(t, err)
	require.Equal(t, first.User.ID, second.User.ID)

	removed, err := env.orch.LogoutAll(ctx, first.User.ID, testMeta)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = env.orch.Refresh(ctx, second.RefreshToken, testMeta)
	assert.True(t, uaerrors.IsInvalidToken(err), "refresh tokens die too: got %v", err)
	assert.Contains(t, auditActions(t, env, first.User.ID), audit.ActionLogoutAll)
}
