package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/signer"
	"github.com/uniauth/uniauth/pkg/storage"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultIDTokenTTL      = time.Hour
	DefaultMFATokenTTL     = 5 * time.Minute
)

// MFATokenType is the type claim stamped into the short-lived token a
// password login emits when the user has MFA enabled. Only /mfa/verify-login
// accepts it.
const MFATokenType = "mfa"

// TokenTTLs configures credential lifetimes. Zero values fall back to
// defaults.
type TokenTTLs struct {
	AccessToken  time.Duration
	RefreshToken time.Duration
	IDToken      time.Duration
	MFAToken     time.Duration
}

func (t TokenTTLs) withDefaults() TokenTTLs {
	if t.AccessToken <= 0 {
		t.AccessToken = DefaultAccessTokenTTL
	}
	if t.RefreshToken <= 0 {
		t.RefreshToken = DefaultRefreshTokenTTL
	}
	if t.IDToken <= 0 {
		t.IDToken = DefaultIDTokenTTL
	}
	if t.MFAToken <= 0 {
		t.MFAToken = DefaultMFATokenTTL
	}
	return t
}

// RequestMeta carries per-request client context that gets stamped onto
// persisted credentials and audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
	Device    string
}

// TokenIssuer is the single minting path for every credential uniauth hands
// out: JWS access, ID, and MFA tokens through the signer, and opaque refresh
// tokens through the refresh token store. The OAuth engine and the
// authentication orchestrator share one instance so first-party and OAuth
// logins issue identical credentials.
type TokenIssuer struct {
	signer        *signer.Signer
	refreshTokens storage.RefreshTokenStore
	ttls          TokenTTLs
	now           func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(sig *signer.Signer, refreshTokens storage.RefreshTokenStore, ttls TokenTTLs) *TokenIssuer {
	return &TokenIssuer{
		signer:        sig,
		refreshTokens: refreshTokens,
		ttls:          ttls.withDefaults(),
		now:           time.Now,
	}
}

// AccessToken mints a bearer access token for subject. For OAuth grants
// clientID names the authorized party and becomes the audience; first-party
// logins pass an empty clientID and get a token without azp. Returns the
// compact JWS and its lifetime in seconds.
func (ti *TokenIssuer) AccessToken(ctx context.Context, subject, clientID, scope string) (string, int, error) {
	extra := map[string]any{}
	if scope != "" {
		extra["scope"] = scope
	}

	var audience []string
	if clientID != "" {
		extra["azp"] = clientID
		audience = []string{clientID}
	}

	raw, err := ti.signer.Sign(ctx, extra, audience, subject, ti.ttls.AccessToken)
	if err != nil {
		return "", 0, err
	}
	return raw, int(ti.ttls.AccessToken / time.Second), nil
}

// IDToken mints an OpenID Connect ID token for user, audience-bound to the
// application. Claim selection and the custom-claim conflict check live in
// idTokenClaims.
func (ti *TokenIssuer) IDToken(
	ctx context.Context,
	user *storage.User,
	app *storage.Application,
	nonce string,
	authTime time.Time,
) (string, error) {
	claims := idTokenClaims(user, app, nonce, authTime)
	return ti.signer.Sign(ctx, claims, []string{app.ClientID}, user.ID, ti.ttls.IDToken)
}

// MFAToken mints the short-lived pending token a login flow returns when a
// second factor is required. Returns the token and its lifetime in seconds.
func (ti *TokenIssuer) MFAToken(ctx context.Context, userID string) (string, int, error) {
	raw, err := ti.signer.Sign(ctx, map[string]any{"type": MFATokenType}, nil, userID, ti.ttls.MFAToken)
	if err != nil {
		return "", 0, err
	}
	return raw, int(ti.ttls.MFAToken / time.Second), nil
}

// RefreshToken mints an opaque refresh token for a fresh grant and persists
// its hash. Each call starts a new rotation family.
func (ti *TokenIssuer) RefreshToken(
	ctx context.Context,
	userID, clientID, scope string,
	meta RequestMeta,
) (string, *storage.RefreshToken, error) {
	raw, err := crypto.NewOpaqueToken(crypto.RefreshTokenBytes)
	if err != nil {
		return "", nil, uaerrors.NewInternalError("generating refresh token", err)
	}

	now := ti.now().UTC()
	row := &storage.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: crypto.HashToken(raw),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		Device:    meta.Device,
		IP:        meta.IP,
		FamilyID:  uuid.NewString(),
		ExpiresAt: now.Add(ti.ttls.RefreshToken),
		CreatedAt: now,
	}
	if err := ti.refreshTokens.Create(ctx, row); err != nil {
		return "", nil, uaerrors.NewInternalError("storing refresh token", err)
	}

	return raw, row, nil
}

// Rotate replaces old with a fresh token in the same family. The store
// revokes old and inserts the replacement in one transaction; a concurrent
// rotation of the same token surfaces as storage.ErrAlreadyConsumed so the
// caller can treat it as a replay.
func (ti *TokenIssuer) Rotate(
	ctx context.Context,
	old *storage.RefreshToken,
	meta RequestMeta,
) (string, *storage.RefreshToken, error) {
	raw, err := crypto.NewOpaqueToken(crypto.RefreshTokenBytes)
	if err != nil {
		return "", nil, uaerrors.NewInternalError("generating refresh token", err)
	}

	device := meta.Device
	if device == "" {
		device = old.Device
	}

	now := ti.now().UTC()
	replacement := &storage.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: crypto.HashToken(raw),
		UserID:    old.UserID,
		ClientID:  old.ClientID,
		Scope:     old.Scope,
		Device:    device,
		IP:        meta.IP,
		FamilyID:  old.FamilyID,
		ExpiresAt: now.Add(ti.ttls.RefreshToken),
		CreatedAt: now,
	}
	if err := ti.refreshTokens.Rotate(ctx, old.ID, replacement); err != nil {
		if errors.Is(err, storage.ErrAlreadyConsumed) {
			return "", nil, err
		}
		return "", nil, uaerrors.NewInternalError("rotating refresh token", err)
	}

	return raw, replacement, nil
}

// Verify delegates to the signer. Callers that only hold a TokenIssuer use
// this to check bearer tokens without a second signer reference.
func (ti *TokenIssuer) Verify(ctx context.Context, rawToken, expectedAudience string) (*signer.Claims, error) {
	return ti.signer.Verify(ctx, rawToken, expectedAudience)
}

// Issuer returns the iss value stamped into signed tokens.
func (ti *TokenIssuer) Issuer() string {
	return ti.signer.Issuer()
}

// AccessTokenTTL returns the configured access token lifetime.
func (ti *TokenIssuer) AccessTokenTTL() time.Duration {
	return ti.ttls.AccessToken
}
