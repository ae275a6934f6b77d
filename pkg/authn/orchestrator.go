package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/validation"
	"github.com/uniauth/uniauth/pkg/verification"
	"github.com/uniauth/uniauth/pkg/webhook"
)

// MinPasswordLength is the shortest password accepted at registration and
// password changes.
const MinPasswordLength = 8

// invalidLoginMessage is returned for both unknown emails and wrong
// passwords so the endpoint cannot be used to probe which accounts exist.
const invalidLoginMessage = "invalid email or password"

// Login method labels recorded in audit details and webhook payloads.
const (
	methodPhone    = "phone"
	methodEmail    = "email_code"
	methodPassword = "password"
	methodSocial   = "social"
	methodPasskey  = "passkey"
	methodMFA      = "mfa"
)

// EmailCodePurpose selects which flow an emailed code belongs to. Codes
// are only redeemable by the flow they were issued for.
type EmailCodePurpose string

const (
	// EmailPurposeLogin codes sign an existing or fresh account in.
	EmailPurposeLogin EmailCodePurpose = "login"
	// EmailPurposeRegister codes prove address ownership at registration.
	EmailPurposeRegister EmailCodePurpose = "register"
	// EmailPurposeVerify codes bind or verify an address on an account.
	EmailPurposeVerify EmailCodePurpose = "verify"
	// EmailPurposeReset codes authorize a password reset.
	EmailPurposeReset EmailCodePurpose = "reset"
)

func codeTypeForPurpose(purpose EmailCodePurpose) (storage.VerificationCodeType, error) {
	switch purpose {
	case EmailPurposeLogin, "":
		return storage.CodeTypeLogin, nil
	case EmailPurposeRegister:
		return storage.CodeTypeRegister, nil
	case EmailPurposeVerify:
		return storage.CodeTypeEmailVerify, nil
	case EmailPurposeReset:
		return storage.CodeTypeReset, nil
	default:
		return "", uaerrors.NewInvalidRequestError(fmt.Sprintf("unknown code purpose %q", purpose), nil)
	}
}

// Result is the outcome of a successful authentication step.
type Result struct {
	User      *storage.User
	IsNewUser bool

	// MFARequired is set when the account has a second factor enrolled.
	// The caller finishes the login by presenting MFAToken together with a
	// TOTP or recovery code; no other credential fields are populated.
	MFARequired  bool
	MFAToken     string
	MFAExpiresIn int

	AccessToken  string
	ExpiresIn    int
	RefreshToken string

	// Session is the SSO session established by the login; SessionToken is
	// the raw cookie value, returned exactly once.
	Session      *storage.SSOSession
	SessionToken string
}

// Orchestrator drives every end-user authentication flow: verification
// code logins, password logins, social callbacks, multi-factor step-up,
// and the account surface behind them. It owns find-or-create semantics
// and the audit and webhook side effects of each flow.
type Orchestrator struct {
	store    storage.Store
	codes    *verification.Engine
	issuer   *oauth.TokenIssuer
	sessions *session.Manager
	recorder *audit.Recorder
	events   *webhook.Enqueuer
	social   *Registry
	mfa      MFAVerifier
	passkeys PasskeyVerifier

	now func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSocialProviders installs the social provider registry.
func WithSocialProviders(registry *Registry) Option {
	return func(o *Orchestrator) {
		if registry != nil {
			o.social = registry
		}
	}
}

// WithMFAVerifier overrides the default TOTP verifier.
func WithMFAVerifier(v MFAVerifier) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.mfa = v
		}
	}
}

// WithPasskeyVerifier enables passkey logins.
func WithPasskeyVerifier(v PasskeyVerifier) Option {
	return func(o *Orchestrator) {
		o.passkeys = v
	}
}

// NewOrchestrator creates an Orchestrator. The recorder and enqueuer
// tolerate nil receivers, so tests may leave them unwired.
func NewOrchestrator(
	store storage.Store,
	codes *verification.Engine,
	issuer *oauth.TokenIssuer,
	sessions *session.Manager,
	recorder *audit.Recorder,
	events *webhook.Enqueuer,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		codes:    codes,
		issuer:   issuer,
		sessions: sessions,
		recorder: recorder,
		events:   events,
		social:   NewRegistry(),
		mfa:      NewTOTPVerifier(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SendPhoneCode issues a login code to a phone number. The result carries
// the expiry and cooldown hints the client renders.
func (o *Orchestrator) SendPhoneCode(ctx context.Context, phone, ip string) (*verification.IssueResult, error) {
	if err := validation.ValidatePhone(phone); err != nil {
		return nil, uaerrors.NewInvalidRequestError(err.Error(), err)
	}
	return o.codes.Issue(ctx, phone, storage.CodeTypeLogin, ip)
}

// SendEmailCode issues a code to an email address for the given purpose.
func (o *Orchestrator) SendEmailCode(ctx context.Context, email string, purpose EmailCodePurpose, ip string) (*verification.IssueResult, error) {
	if err := validation.ValidateEmail(email); err != nil {
		return nil, uaerrors.NewInvalidRequestError(err.Error(), err)
	}
	typ, err := codeTypeForPurpose(purpose)
	if err != nil {
		return nil, err
	}
	return o.codes.Issue(ctx, email, typ, ip)
}

// LoginWithPhone signs a user in with a phone number and a fresh code.
// Unknown numbers get an account on the spot; known but unverified numbers
// are marked verified, since the code just proved possession.
func (o *Orchestrator) LoginWithPhone(ctx context.Context, phone, code string, rememberMe bool, meta oauth.RequestMeta) (*Result, error) {
	if err := validation.ValidatePhone(phone); err != nil {
		return nil, uaerrors.NewInvalidRequestError(err.Error(), err)
	}
	if err := o.codes.Verify(ctx, phone, storage.CodeTypeLogin, code); err != nil {
		return nil, err
	}

	user, isNew, err := o.userByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	return o.completeLogin(ctx, user, login{
		method:     methodPhone,
		action:     audit.ActionLoginPhone,
		isNew:      isNew,
		rememberMe: rememberMe,
		meta:       meta,
	})
}

// LoginWithEmailCode signs a user in with an email address and a fresh
// code. Find-or-create semantics mirror the phone flow.
func (o *Orchestrator) LoginWithEmailCode(ctx context.Context, email, code string, rememberMe bool, meta oauth.RequestMeta) (*Result, error) {
	if err := validation.ValidateEmail(email); err != nil {
		return nil, uaerrors.NewInvalidRequestError(err.Error(), err)
	}
	if err := o.codes.Verify(ctx, email, storage.CodeTypeLogin, code); err != nil {
		return nil, err
	}

	user, isNew, err := o.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	return o.completeLogin(ctx, user, login{
		method:     methodEmail,
		action:     audit.ActionLoginEmail,
		isNew:      isNew,
		rememberMe: rememberMe,
		meta:       meta,
	})
}

// RegisterWithEmail creates a password account. The emailed code proves
// address ownership before the account exists.
func (o *Orchestrator) RegisterWithEmail(ctx context.Context, email, code, password string, rememberMe bool, meta oauth.RequestMeta) (*Result, error) {
	if err := validation.ValidateEmail(email); err != nil {
		return nil, uaerrors.NewInvalidRequestError(err.Error(), err)
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	if err := o.codes.Verify(ctx, email, storage.CodeTypeRegister, code); err != nil {
		return nil, err
	}

	if _, err := o.store.Users().GetByEmail(ctx, email); err == nil {
		return nil, uaerrors.NewConflictError("email is already registered", nil)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, uaerrors.NewInternalError("hashing password", err)
	}

	now := o.now().UTC()
	user := &storage.User{
		ID:            uuid.NewString(),
		Email:         email,
		EmailVerified: true,
		PasswordHash:  hash,
		Status:        storage.UserStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, uaerrors.NewConflictError("email is already registered", nil)
		}
		return nil, err
	}

	return o.completeLogin(ctx, user, login{
		method:     methodPassword,
		action:     audit.ActionRegister,
		isNew:      true,
		rememberMe: rememberMe,
		meta:       meta,
	})
}

// LoginWithPassword signs a user in with email and password. Never creates
// accounts, and never reveals whether the email exists.
func (o *Orchestrator) LoginWithPassword(ctx context.Context, email, password string, rememberMe bool, meta oauth.RequestMeta) (*Result, error) {
	user, err := o.store.Users().GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewInvalidCredentialsError(invalidLoginMessage, nil)
	}
	if err != nil {
		return nil, err
	}
	if user.PasswordHash == "" {
		return nil, uaerrors.NewInvalidCredentialsError(invalidLoginMessage, nil)
	}

	ok, err := crypto.VerifyPassword(user.PasswordHash, password)
	if err != nil {
		return nil, uaerrors.NewInternalError("verifying password", err)
	}
	if !ok {
		return nil, uaerrors.NewInvalidCredentialsError(invalidLoginMessage, nil)
	}

	return o.completeLogin(ctx, user, login{
		method:     methodPassword,
		action:     audit.ActionLoginPassword,
		rememberMe: rememberMe,
		meta:       meta,
	})
}

// VerifyMFALogin finishes a login held for a second factor. Either a TOTP
// code or an unused recovery code completes it; recovery codes burn on
// use.
func (o *Orchestrator) VerifyMFALogin(ctx context.Context, mfaToken, totpCode, recoveryCode string, rememberMe bool, meta oauth.RequestMeta) (*Result, error) {
	claims, err := o.issuer.Verify(ctx, mfaToken, "")
	if err != nil {
		return nil, uaerrors.NewInvalidTokenError("invalid mfa token", err)
	}
	if claims.StringClaim("type") != oauth.MFATokenType {
		return nil, uaerrors.NewInvalidTokenError("token is not an mfa token", nil)
	}

	user, err := o.store.Users().GetByID(ctx, claims.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewInvalidTokenError("invalid mfa token", nil)
	}
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, uaerrors.NewInvalidRequestError("multi-factor authentication is not enabled", nil)
	}

	switch {
	case totpCode != "":
		if !o.mfa.VerifyTOTP(user.MFASecret, totpCode) {
			return nil, uaerrors.NewInvalidCredentialsError("invalid one-time code", nil)
		}
	case recoveryCode != "":
		if !o.burnRecoveryCode(ctx, user, recoveryCode) {
			return nil, uaerrors.NewInvalidCredentialsError("invalid recovery code", nil)
		}
	default:
		return nil, uaerrors.NewInvalidRequestError("a one-time code or recovery code is required", nil)
	}

	return o.completeLogin(ctx, user, login{
		method:     methodMFA,
		action:     audit.ActionLoginMFA,
		rememberMe: rememberMe,
		skipMFA:    true,
		meta:       meta,
	})
}

// SocialAuthURL builds the upstream redirect for a configured provider.
func (o *Orchestrator) SocialAuthURL(provider, state, nonce string) (string, error) {
	p, ok := o.social.Get(provider)
	if !ok {
		return "", uaerrors.NewNotFoundError(fmt.Sprintf("unknown provider %q", provider), nil)
	}
	return p.AuthURL(state, nonce), nil
}

// HandleSocialCallback exchanges the upstream code and resolves the
// identity to a local account: by provider binding first, then by verified
// email, then by creating a fresh account.
func (o *Orchestrator) HandleSocialCallback(ctx context.Context, provider, code, nonce string, rememberMe bool, meta oauth.RequestMeta) (*Result, error) {
	p, ok := o.social.Get(provider)
	if !ok {
		return nil, uaerrors.NewNotFoundError(fmt.Sprintf("unknown provider %q", provider), nil)
	}

	identity, err := p.Exchange(ctx, code, nonce)
	if err != nil {
		logger.Warnw("social code exchange failed", "provider", provider, "error", err)
		return nil, uaerrors.NewInvalidCredentialsError("social login failed", err)
	}

	user, isNew, err := o.userByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	return o.completeLogin(ctx, user, login{
		method:     methodSocial,
		action:     audit.ActionLoginSocial,
		isNew:      isNew,
		rememberMe: rememberMe,
		detail:     map[string]any{"provider": identity.Provider},
		meta:       meta,
	})
}

// LoginWithPasskey resolves a WebAuthn assertion through the installed
// verifier. A passkey is multi-factor on its own, so no TOTP step-up
// follows.
func (o *Orchestrator) LoginWithPasskey(ctx context.Context, assertion []byte, rememberMe bool, meta oauth.RequestMeta) (*Result, error) {
	if o.passkeys == nil {
		return nil, uaerrors.NewInvalidRequestError("passkey login is not enabled", nil)
	}

	userID, err := o.passkeys.Verify(ctx, assertion)
	if err != nil {
		return nil, uaerrors.NewInvalidCredentialsError("passkey verification failed", err)
	}

	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return o.completeLogin(ctx, user, login{
		method:     methodPasskey,
		action:     audit.ActionLoginPasskey,
		rememberMe: rememberMe,
		skipMFA:    true,
		meta:       meta,
	})
}

// Refresh rotates a first-party refresh token and mints a fresh access
// token. Tokens issued to OAuth clients must go through the OAuth token
// endpoint instead, which enforces client authentication.
func (o *Orchestrator) Refresh(ctx context.Context, rawRefresh string, meta oauth.RequestMeta) (*Result, error) {
	if rawRefresh == "" {
		return nil, uaerrors.NewInvalidRequestError("refresh_token is required", nil)
	}

	row, err := o.store.RefreshTokens().GetByHash(ctx, crypto.HashToken(rawRefresh))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewInvalidTokenError("invalid refresh token", nil)
	}
	if err != nil {
		return nil, err
	}
	if row.ClientID != "" {
		return nil, uaerrors.NewInvalidTokenError("invalid refresh token", nil)
	}

	if row.Revoked {
		o.revokeFamily(ctx, row)
		return nil, uaerrors.NewInvalidTokenError("refresh token has been revoked", nil)
	}
	if !row.ExpiresAt.After(o.now().UTC()) {
		return nil, uaerrors.NewTokenExpiredError("refresh token has expired", nil)
	}

	user, err := o.store.Users().GetByID(ctx, row.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status == storage.UserStatusSuspended {
		return nil, uaerrors.NewSuspendedError("user account is suspended", nil)
	}

	newRefresh, _, err := o.issuer.Rotate(ctx, row, meta)
	if errors.Is(err, storage.ErrAlreadyConsumed) {
		o.revokeFamily(ctx, row)
		return nil, uaerrors.NewInvalidTokenError("refresh token has been revoked", nil)
	}
	if err != nil {
		return nil, err
	}

	access, expiresIn, err := o.issuer.AccessToken(ctx, user.ID, "", "")
	if err != nil {
		return nil, err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionTokenRefresh,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})

	return &Result{
		User:         user,
		AccessToken:  access,
		ExpiresIn:    expiresIn,
		RefreshToken: newRefresh,
	}, nil
}

// Logout tears down the presented session and revokes the presented
// refresh token. Both are optional and already-dead credentials are fine:
// logout is idempotent.
func (o *Orchestrator) Logout(ctx context.Context, sessionToken, rawRefresh string, meta oauth.RequestMeta) error {
	var userID string

	sess, err := o.sessions.Resolve(ctx, sessionToken)
	if err != nil {
		return err
	}
	if sess != nil {
		if err := o.sessions.Revoke(ctx, sess.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		userID = sess.UserID
	}

	if rawRefresh != "" {
		row, err := o.store.RefreshTokens().GetByHash(ctx, crypto.HashToken(rawRefresh))
		switch {
		case err == nil:
			if err := o.store.RefreshTokens().Revoke(ctx, row.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if userID == "" {
				userID = row.UserID
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}

	if userID != "" {
		o.recorder.Record(ctx, audit.Event{
			UserID:    userID,
			Action:    audit.ActionLogout,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
		})
	}
	return nil
}

// LogoutAll revokes every session and refresh token the user holds and
// reports how many sessions were removed.
func (o *Orchestrator) LogoutAll(ctx context.Context, userID string, meta oauth.RequestMeta) (int64, error) {
	removed, err := o.sessions.LogoutAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	if _, err := o.store.RefreshTokens().RevokeAllForUser(ctx, userID); err != nil {
		return removed, err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionLogoutAll,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"sessions": removed},
	})
	return removed, nil
}

// login captures how a flow finished so completeLogin can wrap up
// uniformly.
type login struct {
	method     string
	action     string
	isNew      bool
	rememberMe bool
	// skipMFA marks flows that already count as multi-factor.
	skipMFA bool
	detail  map[string]any
	meta    oauth.RequestMeta
}

// completeLogin is the shared tail of every interactive flow: suspension
// check, MFA step-up, credential minting, SSO session establishment, and
// the audit and webhook side effects.
func (o *Orchestrator) completeLogin(ctx context.Context, user *storage.User, l login) (*Result, error) {
	if user.Status == storage.UserStatusSuspended {
		return nil, uaerrors.NewSuspendedError("user account is suspended", nil)
	}

	// Fresh accounts cannot have a second factor yet; everyone else with
	// one enrolled gets held for it.
	if user.MFAEnabled && !l.isNew && !l.skipMFA {
		token, expiresIn, err := o.issuer.MFAToken(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &Result{
			User:         user,
			MFARequired:  true,
			MFAToken:     token,
			MFAExpiresIn: expiresIn,
		}, nil
	}

	access, expiresIn, err := o.issuer.AccessToken(ctx, user.ID, "", "")
	if err != nil {
		return nil, err
	}
	rawRefresh, _, err := o.issuer.RefreshToken(ctx, user.ID, "", "", l.meta)
	if err != nil {
		return nil, err
	}

	sess, sessionToken, err := o.sessions.Create(ctx, session.CreateParams{
		UserID:     user.ID,
		RememberMe: l.rememberMe,
		IP:         l.meta.IP,
		UserAgent:  l.meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	action := l.action
	if l.isNew {
		action = audit.ActionRegister
	}
	detail := map[string]any{"method": l.method}
	for k, v := range l.detail {
		detail[k] = v
	}
	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    action,
		IP:        l.meta.IP,
		UserAgent: l.meta.UserAgent,
		Detail:    detail,
	})

	event := webhook.EventUserLogin
	if l.isNew {
		event = webhook.EventUserCreated
	}
	o.events.Enqueue(ctx, event, map[string]any{
		"user_id": user.ID,
		"method":  l.method,
	})

	logger.Infow("user authenticated", "user_id", user.ID, "method", l.method, "new_user", l.isNew)

	return &Result{
		User:         user,
		IsNewUser:    l.isNew,
		AccessToken:  access,
		ExpiresIn:    expiresIn,
		RefreshToken: rawRefresh,
		Session:      sess,
		SessionToken: sessionToken,
	}, nil
}

// userByPhone finds the account owning the phone number or creates one.
// The code the caller just verified proves possession, so an unverified
// number on an existing account flips to verified.
func (o *Orchestrator) userByPhone(ctx context.Context, phone string) (*storage.User, bool, error) {
	user, err := o.store.Users().GetByPhone(ctx, phone)
	switch {
	case err == nil:
		if !user.PhoneVerified {
			user.PhoneVerified = true
			user.UpdatedAt = o.now().UTC()
			if err := o.store.Users().Update(ctx, user); err != nil {
				return nil, false, err
			}
		}
		return user, false, nil
	case errors.Is(err, storage.ErrNotFound):
		now := o.now().UTC()
		user = &storage.User{
			ID:            uuid.NewString(),
			Phone:         phone,
			PhoneVerified: true,
			Status:        storage.UserStatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.store.Users().Create(ctx, user); err != nil {
			return nil, false, err
		}
		return user, true, nil
	default:
		return nil, false, err
	}
}

// userByEmail mirrors userByPhone for email code logins.
func (o *Orchestrator) userByEmail(ctx context.Context, email string) (*storage.User, bool, error) {
	user, err := o.store.Users().GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !user.EmailVerified {
			user.EmailVerified = true
			user.UpdatedAt = o.now().UTC()
			if err := o.store.Users().Update(ctx, user); err != nil {
				return nil, false, err
			}
		}
		return user, false, nil
	case errors.Is(err, storage.ErrNotFound):
		now := o.now().UTC()
		user = &storage.User{
			ID:            uuid.NewString(),
			Email:         email,
			EmailVerified: true,
			Status:        storage.UserStatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.store.Users().Create(ctx, user); err != nil {
			return nil, false, err
		}
		return user, true, nil
	default:
		return nil, false, err
	}
}

// userByIdentity resolves a social identity to a local account and records
// the provider binding on first contact.
func (o *Orchestrator) userByIdentity(ctx context.Context, identity *Identity) (*storage.User, bool, error) {
	account, err := o.store.OAuthAccounts().GetByProviderUserID(ctx, identity.Provider, identity.ProviderUserID)
	switch {
	case err == nil:
		user, err := o.store.Users().GetByID(ctx, account.UserID)
		if err != nil {
			return nil, false, err
		}
		return user, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, err
	}

	user, isNew, err := o.resolveSocialUser(ctx, identity)
	if err != nil {
		return nil, false, err
	}

	if err := o.store.OAuthAccounts().Create(ctx, &storage.OAuthAccount{
		UserID:         user.ID,
		Provider:       identity.Provider,
		ProviderUserID: identity.ProviderUserID,
		Email:          identity.Email,
		Name:           identity.Name,
		AvatarURL:      identity.AvatarURL,
		CreatedAt:      o.now().UTC(),
	}); err != nil {
		return nil, false, err
	}
	return user, isNew, nil
}

// resolveSocialUser links an unseen social identity to an existing account
// by provider-verified email, or creates a fresh account. Unverified
// emails never link and are not stored on the user row, only on the
// binding, so they cannot collide with a real registration later.
func (o *Orchestrator) resolveSocialUser(ctx context.Context, identity *Identity) (*storage.User, bool, error) {
	if identity.Email != "" && identity.EmailVerified {
		user, err := o.store.Users().GetByEmail(ctx, identity.Email)
		if err == nil {
			return user, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	}

	email := ""
	if identity.Email != "" && identity.EmailVerified {
		email = identity.Email
	}

	now := o.now().UTC()
	user := &storage.User{
		ID:            uuid.NewString(),
		Email:         email,
		EmailVerified: email != "",
		Nickname:      identity.Name,
		AvatarURL:     identity.AvatarURL,
		Status:        storage.UserStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.Users().Create(ctx, user); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// revokeFamily kills every refresh token in the row's rotation family.
// Failures are logged, not surfaced: the caller is already rejecting.
func (o *Orchestrator) revokeFamily(ctx context.Context, row *storage.RefreshToken) {
	if row.FamilyID == "" {
		return
	}
	if _, err := o.store.RefreshTokens().RevokeFamily(ctx, row.FamilyID); err != nil {
		logger.Warnw("failed to revoke refresh token family",
			"family_id", row.FamilyID,
			"user_id", row.UserID,
			"error", err,
		)
	}
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return uaerrors.NewInvalidRequestError(
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength), nil)
	}
	return nil
}
