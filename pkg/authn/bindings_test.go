package authn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniauth/uniauth/pkg/audit"
	uacrypto "github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/webhook"
)

func seedApp(t *testing.T, env *testEnv, ownerID, name string) *storage.Application {
	t.Helper()
	now := time.Now().UTC()
	app := &storage.Application{
		ID:           uuid.NewString(),
		ClientID:     "app_" + uuid.NewString()[:8],
		Name:         name,
		Type:         storage.AppTypeWeb,
		Active:       true,
		RedirectURIs: []string{"https://rp.example.com/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		OwnerUserID:  ownerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, env.store.Applications().Create(context.Background(), app))
	return app
}

func seedBinding(t *testing.T, env *testEnv, userID, provider, providerUserID string) {
	t.Helper()
	require.NoError(t, env.store.OAuthAccounts().Create(context.Background(), &storage.OAuthAccount{
		UserID:         userID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		CreatedAt:      time.Now().UTC(),
	}))
}

func TestListBindings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hash, err := uacrypto.HashPassword("correct horse battery")
	require.NoError(t, err)
	user := seedUser(t, env, func(u *storage.User) {
		u.Phone = "+14155550120"
		u.PhoneVerified = true
		u.PasswordHash = hash
		u.MFAEnabled = true
		u.MFASecret = rfcSecret
	})
	seedBinding(t, env, user.ID, "github", "octo-2")

	b, err := env.orch.ListBindings(ctx, user.ID)
	require.NoError(t, err)

	assert.Equal(t, user.Phone, b.Phone)
	assert.True(t, b.PhoneVerified)
	assert.Equal(t, user.Email, b.Email)
	assert.True(t, b.HasPassword)
	assert.True(t, b.MFAEnabled)
	require.Len(t, b.Social, 1)
	assert.Equal(t, "github", b.Social[0].Provider)

	bare := seedUser(t, env)
	b, err = env.orch.ListBindings(ctx, bare.ID)
	require.NoError(t, err)
	assert.NotNil(t, b.Social, "empty list, not null, for JSON rendering")
	assert.Empty(t, b.Social)
}

func TestBindPhone(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const phone = "+14155550121"
	user := seedUser(t, env)

	seedCode(t, env, phone, storage.CodeTypeLogin, "111111")
	updated, err := env.orch.BindPhone(ctx, user.ID, phone, "111111", testMeta)
	require.NoError(t, err)
	assert.Equal(t, phone, updated.Phone)
	assert.True(t, updated.PhoneVerified)
	assert.Contains(t, auditActions(t, env, user.ID), audit.ActionBindPhone)

	// The number now belongs to this account; nobody else can claim it.
	other := seedUser(t, env)
	seedCode(t, env, phone, storage.CodeTypeLogin, "222222")
	_, err = env.orch.BindPhone(ctx, other.ID, phone, "222222", testMeta)
	assert.True(t, uaerrors.IsConflict(err), "got %v", err)

	// Re-binding the same number to the same account is a no-op.
	seedCode(t, env, phone, storage.CodeTypeLogin, "333333")
	again, err := env.orch.BindPhone(ctx, user.ID, phone, "333333", testMeta)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
}

func TestBindPhone_WrongCode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	user := seedUser(t, env)
	seedCode(t, env, "+14155550122", storage.CodeTypeLogin, "111111")

	_, err := env.orch.BindPhone(context.Background(), user.ID, "+14155550122", "999999", testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)
}

func TestBindEmail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const email = "bound@example.com"
	user := seedUser(t, env, func(u *storage.User) {
		u.Email = ""
		u.EmailVerified = false
		u.Phone = "+14155550123"
		u.PhoneVerified = true
	})

	seedCode(t, env, email, storage.CodeTypeEmailVerify, "111111")
	updated, err := env.orch.BindEmail(ctx, user.ID, email, "111111", testMeta)
	require.NoError(t, err)
	assert.Equal(t, email, updated.Email)
	assert.True(t, updated.EmailVerified)

	other := seedUser(t, env)
	seedCode(t, env, email, storage.CodeTypeEmailVerify, "222222")
	_, err = env.orch.BindEmail(ctx, other.ID, email, "222222", testMeta)
	assert.True(t, uaerrors.IsConflict(err), "got %v", err)
}

func TestVerifyEmailCode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := seedUser(t, env, func(u *storage.User) { u.EmailVerified = false })

	seedCode(t, env, user.Email, storage.CodeTypeEmailVerify, "111111")
	updated, err := env.orch.VerifyEmailCode(ctx, user.ID, "111111", testMeta)
	require.NoError(t, err)
	assert.True(t, updated.EmailVerified)

	emailless := seedUser(t, env, func(u *storage.User) { u.Email = "" })
	_, err = env.orch.VerifyEmailCode(ctx, emailless.ID, "111111", testMeta)
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)
}

func TestUnbindProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// Social binding only: removing it would lock the account out.
	locked := seedUser(t, env, func(u *storage.User) { u.Email = "" })
	seedBinding(t, env, locked.ID, "github", "octo-3")
	err := env.orch.UnbindProvider(ctx, locked.ID, "github", testMeta)
	assert.True(t, uaerrors.IsForbidden(err), "got %v", err)

	// With an email bound the social binding is removable.
	user := seedUser(t, env)
	seedBinding(t, env, user.ID, "github", "octo-4")
	require.NoError(t, env.orch.UnbindProvider(ctx, user.ID, "github", testMeta))

	accounts, err := env.store.OAuthAccounts().ListByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	err = env.orch.UnbindProvider(ctx, user.ID, "github", testMeta)
	assert.True(t, uaerrors.IsNotFound(err), "binding already gone: got %v", err)
}

func TestAuthorizedApps(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	developer := seedUser(t, env)
	user := seedUser(t, env)
	app := seedApp(t, env, developer.ID, "Task Tracker")

	// A consented app holds a refresh token and sits in the session's app
	// set.
	_, _, err := env.issuer.RefreshToken(ctx, user.ID, app.ClientID, "openid profile", testMeta)
	require.NoError(t, err)
	sess, _, err := env.sessions.Create(ctx, session.CreateParams{
		UserID:   user.ID,
		ClientID: app.ClientID,
		IP:       testMeta.IP,
	})
	require.NoError(t, err)

	apps, err := env.orch.ListAuthorizedApps(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, app.ClientID, apps[0].ClientID)
	assert.Equal(t, "Task Tracker", apps[0].Name)

	require.NoError(t, env.orch.RevokeAppAccess(ctx, user.ID, app.ClientID, testMeta))

	apps, err = env.orch.ListAuthorizedApps(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, apps, "revocation withdraws the standing grant")

	reloaded, err := env.store.Sessions().GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.HasApp(app.ClientID), "app leaves the session's app set")

	assert.Contains(t, auditActions(t, env, user.ID), audit.ActionAppDeauthorized)
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := seedUser(t, env)

	nickname := "Grace"
	avatar := "https://cdn.example.com/grace.png"
	updated, err := env.orch.UpdateProfile(ctx, user.ID, ProfileUpdate{Nickname: &nickname, AvatarURL: &avatar}, testMeta)
	require.NoError(t, err)
	assert.Equal(t, "Grace", updated.Nickname)
	assert.Equal(t, avatar, updated.AvatarURL)

	// Submitting the same values again records nothing.
	_, err = env.orch.UpdateProfile(ctx, user.ID, ProfileUpdate{Nickname: &nickname}, testMeta)
	require.NoError(t, err)

	count := 0
	for _, action := range auditActions(t, env, user.ID) {
		if action == audit.ActionProfileUpdate {
			count++
		}
	}
	assert.Equal(t, 1, count, "no-op updates are not audited")
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hash, err := uacrypto.HashPassword("old password 1")
	require.NoError(t, err)
	user := seedUser(t, env, func(u *storage.User) { u.PasswordHash = hash })

	raw, _, err := env.issuer.RefreshToken(ctx, user.ID, "", "", testMeta)
	require.NoError(t, err)

	err = env.orch.ChangePassword(ctx, user.ID, "not the old one", "new password 1", testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)

	require.NoError(t, env.orch.ChangePassword(ctx, user.ID, "old password 1", "new password 1", testMeta))

	res, err := env.orch.LoginWithPassword(ctx, user.Email, "new password 1", false, testMeta)
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)

	row, err := env.store.RefreshTokens().GetByHash(ctx, uacrypto.HashToken(raw))
	require.NoError(t, err)
	assert.True(t, row.Revoked, "standing tokens die with the old password")
}

func TestChangePassword_FirstPassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// Accounts created through phone or social flows have no password;
	// setting the first one needs no old password.
	user := seedUser(t, env)
	require.NoError(t, env.orch.ChangePassword(ctx, user.ID, "", "first password 1", testMeta))

	res, err := env.orch.LoginWithPassword(ctx, user.Email, "first password 1", false, testMeta)
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)
}

func TestResetPassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hash, err := uacrypto.HashPassword("forgotten 123")
	require.NoError(t, err)
	user := seedUser(t, env, func(u *storage.User) { u.PasswordHash = hash })

	seedCode(t, env, user.Email, storage.CodeTypeLogin, "111111")
	signin, err := env.orch.LoginWithEmailCode(ctx, user.Email, "111111", false, testMeta)
	require.NoError(t, err)

	seedCode(t, env, user.Email, storage.CodeTypeReset, "777777")
	require.NoError(t, env.orch.ResetPassword(ctx, user.Email, "777777", "recovered 123", testMeta))

	res, err := env.orch.LoginWithPassword(ctx, user.Email, "recovered 123", false, testMeta)
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)

	sess, err := env.sessions.Resolve(ctx, signin.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, sess, "reset ends every session")

	// An unknown email fails exactly like a bad code.
	seedCode(t, env, "ghost@example.com", storage.CodeTypeReset, "888888")
	err = env.orch.ResetPassword(ctx, "ghost@example.com", "888888", "whatever moves", testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)
}

func TestRevokeSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := seedUser(t, env)
	sess, _, err := env.sessions.Create(ctx, session.CreateParams{UserID: user.ID})
	require.NoError(t, err)

	// Another user's session ID looks exactly like a missing one.
	intruder := seedUser(t, env)
	err = env.orch.RevokeSession(ctx, intruder.ID, sess.ID, testMeta)
	assert.True(t, uaerrors.IsNotFound(err), "got %v", err)

	require.NoError(t, env.orch.RevokeSession(ctx, user.ID, sess.ID, testMeta))

	sessions, err := env.orch.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// The webhook hangs off another developer's app so it survives the
	// deletion cascade.
	developer := seedUser(t, env)
	app := seedApp(t, env, developer.ID, "Audit Mirror")
	hook := &storage.Webhook{
		ID:        uuid.NewString(),
		AppID:     app.ID,
		URL:       "https://rp.example.com/hooks",
		Secret:    "whsec_test",
		Events:    []string{webhook.EventUserDeleted},
		Active:    true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.store.Webhooks().Create(ctx, hook))

	user := seedUser(t, env, func(u *storage.User) { u.Phone = "+14155550130" })
	require.NoError(t, env.orch.DeleteAccount(ctx, user.ID, testMeta))

	_, err := env.store.Users().GetByID(ctx, user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deliveries, err := env.store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, webhook.EventUserDeleted, deliveries[0].Event)
	assert.True(t, strings.Contains(string(deliveries[0].Payload), user.ID),
		"payload snapshots the deleted identity")
}

func TestMFAEnrollmentLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	user := seedUser(t, env)

	enrollment, err := env.orch.EnrollMFA(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Len(t, enrollment.RecoveryCodes, recoveryCodeCount)
	assert.Contains(t, enrollment.OTPAuthURL, "otpauth://totp/")
	assert.Contains(t, enrollment.OTPAuthURL, "issuer=uniauth")

	// Enrollment is pending until a code proves the authenticator holds
	// the secret.
	pending, err := env.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, pending.MFAEnabled)

	err = env.orch.ConfirmMFA(ctx, user.ID, "000000", testMeta)
	assert.True(t, uaerrors.IsInvalidCredentials(err), "got %v", err)

	require.NoError(t, env.orch.ConfirmMFA(ctx, user.ID, currentTOTP(t, enrollment.Secret), testMeta))

	enabled, err := env.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, enabled.MFAEnabled)

	_, err = env.orch.EnrollMFA(ctx, user.ID)
	assert.True(t, uaerrors.IsConflict(err), "re-enrollment while enabled: got %v", err)

	// A recovery code is enough to turn the factor off.
	require.NoError(t, env.orch.DisableMFA(ctx, user.ID, "", enrollment.RecoveryCodes[0], testMeta))

	disabled, err := env.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, disabled.MFAEnabled)
	assert.Empty(t, disabled.MFASecret)
	assert.Empty(t, disabled.MFARecoveryCodes)

	actions := auditActions(t, env, user.ID)
	assert.Contains(t, actions, audit.ActionMFAEnroll)
	assert.Contains(t, actions, audit.ActionMFADisable)
}

func TestConfirmMFA_NoPendingEnrollment(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	user := seedUser(t, env)
	err := env.orch.ConfirmMFA(context.Background(), user.ID, "123456", testMeta)
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)
}
