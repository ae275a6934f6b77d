package authn

import (
	"context"
	"fmt"
	"net/url"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/storage"
)

// MFAVerifier checks a second factor during login and enrollment.
type MFAVerifier interface {
	// VerifyTOTP reports whether the one-time code matches the user's
	// shared secret.
	VerifyTOTP(secret, code string) bool
}

// PasskeyVerifier resolves a WebAuthn assertion to the user it belongs to.
// Implementations own challenge issuance and credential storage; the
// orchestrator only needs the verified user ID.
type PasskeyVerifier interface {
	Verify(ctx context.Context, assertion []byte) (userID string, err error)
}

const (
	// recoveryCodeCount is how many one-time recovery codes an enrollment
	// hands out.
	recoveryCodeCount = 8

	// recoveryCodeBytes is the entropy of each recovery code.
	recoveryCodeBytes = 10

	// otpIssuerLabel names this service in authenticator apps.
	otpIssuerLabel = "uniauth"
)

// newRecoveryCodes generates one-time recovery codes together with the
// hashes stored against the user. Raw codes are shown exactly once.
func newRecoveryCodes() (raw, hashes []string, err error) {
	raw = make([]string, 0, recoveryCodeCount)
	hashes = make([]string, 0, recoveryCodeCount)
	for i := 0; i < recoveryCodeCount; i++ {
		code, err := crypto.NewOpaqueToken(recoveryCodeBytes)
		if err != nil {
			return nil, nil, err
		}
		raw = append(raw, code)
		hashes = append(hashes, crypto.HashToken(code))
	}
	return raw, hashes, nil
}

// otpauthURL builds the otpauth:// URI authenticator apps scan.
func otpauthURL(secret, account string) string {
	query := url.Values{
		"secret": {secret},
		"issuer": {otpIssuerLabel},
	}
	return fmt.Sprintf("otpauth://totp/%s?%s",
		url.PathEscape(otpIssuerLabel+":"+account), query.Encode())
}

// MFAEnrollment is returned once when enrollment starts. The secret and
// recovery codes are not retrievable afterwards.
type MFAEnrollment struct {
	Secret        string   `json:"secret"`
	OTPAuthURL    string   `json:"otpauth_url"`
	RecoveryCodes []string `json:"recovery_codes"`
}

// EnrollMFA provisions a TOTP secret and recovery codes for the caller.
// The factor stays inactive until ConfirmMFA sees one valid code from the
// authenticator, proving the secret was actually imported.
func (o *Orchestrator) EnrollMFA(ctx context.Context, userID string) (*MFAEnrollment, error) {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, uaerrors.NewConflictError("multi-factor authentication is already enabled", nil)
	}

	secret, err := NewTOTPSecret()
	if err != nil {
		return nil, uaerrors.NewInternalError("generating totp secret", err)
	}
	raw, hashes, err := newRecoveryCodes()
	if err != nil {
		return nil, uaerrors.NewInternalError("generating recovery codes", err)
	}

	user.MFASecret = secret
	user.MFARecoveryCodes = hashes
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}

	account := user.Email
	if account == "" {
		account = user.Phone
	}
	if account == "" {
		account = user.ID
	}

	return &MFAEnrollment{
		Secret:        secret,
		OTPAuthURL:    otpauthURL(secret, account),
		RecoveryCodes: raw,
	}, nil
}

// ConfirmMFA activates a pending enrollment once the authenticator proves
// it holds the secret.
func (o *Orchestrator) ConfirmMFA(ctx context.Context, userID, code string, meta oauth.RequestMeta) error {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return uaerrors.NewConflictError("multi-factor authentication is already enabled", nil)
	}
	if user.MFASecret == "" {
		return uaerrors.NewInvalidRequestError("no pending enrollment", nil)
	}
	if !o.mfa.VerifyTOTP(user.MFASecret, code) {
		return uaerrors.NewInvalidCredentialsError("invalid one-time code", nil)
	}

	user.MFAEnabled = true
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		return err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionMFAEnroll,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	logger.Infow("mfa enabled", "user_id", user.ID)
	return nil
}

// DisableMFA turns the second factor off. A current TOTP code or an unused
// recovery code is required.
func (o *Orchestrator) DisableMFA(ctx context.Context, userID, totpCode, recoveryCode string, meta oauth.RequestMeta) error {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return uaerrors.NewInvalidRequestError("multi-factor authentication is not enabled", nil)
	}

	switch {
	case totpCode != "":
		if !o.mfa.VerifyTOTP(user.MFASecret, totpCode) {
			return uaerrors.NewInvalidCredentialsError("invalid one-time code", nil)
		}
	case recoveryCode != "":
		if !matchRecoveryCode(user.MFARecoveryCodes, recoveryCode) {
			return uaerrors.NewInvalidCredentialsError("invalid recovery code", nil)
		}
	default:
		return uaerrors.NewInvalidRequestError("a one-time code or recovery code is required", nil)
	}

	user.MFAEnabled = false
	user.MFASecret = ""
	user.MFARecoveryCodes = nil
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		return err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionMFADisable,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	logger.Infow("mfa disabled", "user_id", user.ID)
	return nil
}

// matchRecoveryCode reports whether code hashes to one of the stored
// recovery code hashes.
func matchRecoveryCode(hashes []string, code string) bool {
	want := crypto.HashToken(code)
	matched := false
	for _, h := range hashes {
		if crypto.ConstantTimeEquals(h, want) {
			matched = true
		}
	}
	return matched
}

// burnRecoveryCode consumes a one-time recovery code: a match removes the
// stored hash so the code cannot be replayed.
func (o *Orchestrator) burnRecoveryCode(ctx context.Context, user *storage.User, code string) bool {
	want := crypto.HashToken(code)
	kept := make([]string, 0, len(user.MFARecoveryCodes))
	found := false
	for _, h := range user.MFARecoveryCodes {
		if !found && crypto.ConstantTimeEquals(h, want) {
			found = true
			continue
		}
		kept = append(kept, h)
	}
	if !found {
		return false
	}

	user.MFARecoveryCodes = kept
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		logger.Errorw("failed to burn recovery code", "user_id", user.ID, "error", err)
		return false
	}
	return true
}
