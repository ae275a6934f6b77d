package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uacrypto "github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
)

// idTokenPayload decodes an ID token's claim set without verifying the
// signature; signature checks are the signer package's tests.
func idTokenPayload(t *testing.T, idToken string) map[string]any {
	t.Helper()
	tok, err := jwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.RS256})
	require.NoError(t, err)
	payload := map[string]any{}
	require.NoError(t, tok.UnsafeClaimsWithoutVerification(&payload))
	return payload
}

func TestTokenAuthorizationCodeGrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app, secret := seedWebApp(t, env)

	// Custom claims ride along in ID tokens, except where they would
	// shadow a reserved claim.
	app.CustomClaims = map[string]any{
		"tenant": "acme",
		"email":  "spoofed@example.com",
	}
	require.NoError(t, env.store.Applications().Update(ctx, app))

	req := codeRequest(app.ClientID)
	req.Scope = "openid profile email"
	req.Nonce = "n-1"
	code, user := authorizeWithSession(t, env, req)

	token, err := env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     app.ClientID,
		ClientSecret: secret,
		CodeVerifier: testVerifier,
	}, RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, "openid profile email", token.Scope)
	assert.Equal(t, 3600, token.ExpiresIn)
	assert.NotEmpty(t, token.RefreshToken)
	require.NotEmpty(t, token.IDToken)

	claims, err := env.issuer.Verify(ctx, token.AccessToken, app.ClientID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, app.ClientID, claims.AuthorizedParty)
	assert.Equal(t, "openid profile email", claims.Scope)

	payload := idTokenPayload(t, token.IDToken)
	assert.Equal(t, user.ID, payload["sub"])
	assert.Equal(t, "n-1", payload["nonce"])
	assert.Contains(t, payload, "auth_time")
	assert.Equal(t, "acme", payload["tenant"])
	assert.Equal(t, user.Email, payload["email"], "custom claims must not shadow profile claims")
}

func TestTokenCodeReplayFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app, secret := seedWebApp(t, env)
	code, _ := authorizeWithSession(t, env, codeRequest(app.ClientID))

	req := &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     app.ClientID,
		ClientSecret: secret,
		CodeVerifier: testVerifier,
	}
	_, err := env.engine.Token(ctx, req, RequestMeta{})
	require.NoError(t, err)

	_, err = env.engine.Token(ctx, req, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidGrant(err), "got %v", err)
}

func TestTokenCodeBindingChecks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app, secret := seedWebApp(t, env)
	other, otherSecret := seedWebApp(t, env)

	// A code minted for one client cannot be redeemed by another.
	code, _ := authorizeWithSession(t, env, codeRequest(app.ClientID))
	_, err := env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     other.ClientID,
		ClientSecret: otherSecret,
		CodeVerifier: testVerifier,
	}, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidGrant(err), "got %v", err)

	// The redemption redirect_uri must match the authorization request.
	code, _ = authorizeWithSession(t, env, codeRequest(app.ClientID))
	_, err = env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/other",
		ClientID:     app.ClientID,
		ClientSecret: secret,
		CodeVerifier: testVerifier,
	}, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidGrant(err), "got %v", err)
}

func TestTokenPKCE(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app := seedSPAApp(t, env)

	redeem := func(code, verifier string) error {
		_, err := env.engine.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         code,
			RedirectURI:  testRedirectURI,
			ClientID:     app.ClientID,
			CodeVerifier: verifier,
		}, RequestMeta{})
		return err
	}

	// The RFC 7636 appendix vector: S256(testVerifier) == testChallenge.
	code, _ := authorizeWithSession(t, env, codeRequest(app.ClientID))
	require.NoError(t, redeem(code, testVerifier))

	// The wrong verifier is rejected, and rejection burns the code.
	code, _ = authorizeWithSession(t, env, codeRequest(app.ClientID))
	err := redeem(code, "wrong-verifier-wrong-verifier-wrong-verifier")
	assert.True(t, uaerrors.IsInvalidGrant(err), "got %v", err)
	err = redeem(code, testVerifier)
	assert.True(t, uaerrors.IsInvalidGrant(err), "burned code must stay burned, got %v", err)

	// A missing verifier never satisfies a challenge.
	code, _ = authorizeWithSession(t, env, codeRequest(app.ClientID))
	err = redeem(code, "")
	assert.True(t, uaerrors.IsInvalidGrant(err), "got %v", err)

	// The plain method compares the verifier directly.
	req := codeRequest(app.ClientID)
	req.CodeChallenge = testVerifier
	req.CodeChallengeMethod = uacrypto.ChallengeMethodPlain
	code, _ = authorizeWithSession(t, env, req)
	require.NoError(t, redeem(code, testVerifier))
}

func TestTokenExpiredCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app, secret := seedWebApp(t, env)
	user := seedUser(t, env)
	sess := createSession(t, env, user.ID, "")

	impatient := NewEngine(EngineConfig{AuthCodeTTL: time.Millisecond},
		env.store, env.issuer, env.sessions, nil, nil)

	decision, err := impatient.Authorize(ctx, codeRequest(app.ClientID), sess, RequestMeta{})
	require.NoError(t, err)
	require.Equal(t, DecisionRedirect, decision.Kind)
	code := queryParam(t, decision.Location, "code")
	require.NotEmpty(t, code)

	time.Sleep(10 * time.Millisecond)

	_, err = impatient.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     app.ClientID,
		ClientSecret: secret,
		CodeVerifier: testVerifier,
	}, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidGrant(err), "got %v", err)
}

func TestRefreshRotationRevokesOldToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app, secret := seedWebApp(t, env)
	code, _ := authorizeWithSession(t, env, codeRequest(app.ClientID))

	minted, err := env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     app.ClientID,
		ClientSecret: secret,
		CodeVerifier: testVerifier,
	}, RequestMeta{})
	require.NoError(t, err)

	refreshReq := &TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: minted.RefreshToken,
		ClientID:     app.ClientID,
		ClientSecret: secret,
	}
	rotated, err := env.engine.Token(ctx, refreshReq, RequestMeta{})
	require.NoError(t, err)
	require.NotEmpty(t, rotated.RefreshToken)
	assert.NotEqual(t, minted.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, minted.Scope, rotated.Scope)

	// Rotation leaves exactly one live token, in the same family.
	oldRow, err := env.store.RefreshTokens().GetByHash(ctx, uacrypto.HashToken(minted.RefreshToken))
	require.NoError(t, err)
	newRow, err := env.store.RefreshTokens().GetByHash(ctx, uacrypto.HashToken(rotated.RefreshToken))
	require.NoError(t, err)
	assert.True(t, oldRow.Revoked)
	assert.False(t, newRow.Revoked)
	assert.Equal(t, oldRow.FamilyID, newRow.FamilyID)

	// Replaying the revoked token is treated as theft: the whole family
	// dies, the fresh token with it.
	_, err = env.engine.Token(ctx, refreshReq, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidGrant(err), "got %v", err)

	newRow, err = env.store.RefreshTokens().GetByHash(ctx, uacrypto.HashToken(rotated.RefreshToken))
	require.NoError(t, err)
	assert.True(t, newRow.Revoked, "family revocation must reach the replacement token")
}

func TestClientCredentialsMintsClientSubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app, secret := seedM2MApp(t, env, "read:users")

	token, err := env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     app.ClientID,
		ClientSecret: secret,
		Scope:        "read:users",
	}, RequestMeta{})
	require.NoError(t, err)
	assert.Empty(t, token.RefreshToken, "machine tokens must not refresh")
	assert.Equal(t, "read:users", token.Scope)

	claims, err := env.issuer.Verify(ctx, token.AccessToken, app.ClientID)
	require.NoError(t, err)
	assert.Equal(t, app.ClientID, claims.Subject)
	assert.Equal(t, app.ClientID, claims.AuthorizedParty)

	// Scopes outside the grant list are refused.
	_, err = env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     app.ClientID,
		ClientSecret: secret,
		Scope:        "read:users write:users",
	}, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidScope(err), "got %v", err)

	// Non-machine clients are refused regardless of credentials.
	web, webSecret := seedWebApp(t, env)
	_, err = env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     web.ClientID,
		ClientSecret: webSecret,
	}, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidClient(err), "got %v", err)
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.engine.Token(context.Background(), &TokenRequest{GrantType: "password"}, RequestMeta{})
	assert.True(t, uaerrors.IsUnsupportedGrant(err), "got %v", err)

	_, err = env.engine.Token(context.Background(), &TokenRequest{}, RequestMeta{})
	assert.True(t, uaerrors.IsInvalidRequest(err), "got %v", err)
}

func TestIntrospectReflectsLiveState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	app, secret := seedWebApp(t, env)
	code, user := authorizeWithSession(t, env, codeRequest(app.ClientID))

	minted, err := env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     app.ClientID,
		ClientSecret: secret,
		CodeVerifier: testVerifier,
	}, RequestMeta{})
	require.NoError(t, err)

	doc, err := env.engine.Introspect(ctx, app.ClientID, secret, minted.AccessToken, "")
	require.NoError(t, err)
	assert.True(t, doc.Active)
	assert.Equal(t, user.ID, doc.Subject)
	assert.Equal(t, app.ClientID, doc.ClientID)
	assert.Equal(t, "Bearer", doc.TokenType)

	// The refresh token introspects by hash; the hint orders the lookup.
	doc, err = env.engine.Introspect(ctx, app.ClientID, secret, minted.RefreshToken, GrantRefreshToken)
	require.NoError(t, err)
	assert.True(t, doc.Active)
	assert.Equal(t, GrantRefreshToken, doc.TokenType)

	// Suspension makes both tokens inactive before they expire; this is
	// what introspection buys over local signature checks.
	user.Status = storage.UserStatusSuspended
	require.NoError(t, env.store.Users().Update(ctx, user))

	doc, err = env.engine.Introspect(ctx, app.ClientID, secret, minted.AccessToken, "")
	require.NoError(t, err)
	assert.False(t, doc.Active)

	doc, err = env.engine.Introspect(ctx, app.ClientID, secret, minted.RefreshToken, GrantRefreshToken)
	require.NoError(t, err)
	assert.False(t, doc.Active)

	// Callers must authenticate before learning anything.
	_, err = env.engine.Introspect(ctx, app.ClientID, "not-the-secret", minted.AccessToken, "")
	assert.True(t, uaerrors.IsInvalidClient(err), "got %v", err)
}

func TestIntrospectDisabledClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	caller, callerSecret := seedM2MApp(t, env, "read:users")
	subject, subjectSecret := seedM2MApp(t, env, "read:users")

	minted, err := env.engine.Token(ctx, &TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     subject.ClientID,
		ClientSecret: subjectSecret,
	}, RequestMeta{})
	require.NoError(t, err)

	doc, err := env.engine.Introspect(ctx, caller.ClientID, callerSecret, minted.AccessToken, "")
	require.NoError(t, err)
	assert.True(t, doc.Active)
	assert.Equal(t, subject.ClientID, doc.Subject)
	assert.Equal(t, subject.ClientID, doc.ClientID)

	subject.Active = false
	require.NoError(t, env.store.Applications().Update(ctx, subject))

	doc, err = env.engine.Introspect(ctx, caller.ClientID, callerSecret, minted.AccessToken, "")
	require.NoError(t, err)
	assert.False(t, doc.Active, "a disabled client's tokens must introspect inactive")
}
