package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/validation"
	"github.com/uniauth/uniauth/pkg/webhook"
)

// Bindings summarizes every way an account can sign in.
type Bindings struct {
	Phone         string          `json:"phone,omitempty"`
	PhoneVerified bool            `json:"phone_verified"`
	Email         string          `json:"email,omitempty"`
	EmailVerified bool            `json:"email_verified"`
	HasPassword   bool            `json:"has_password"`
	MFAEnabled    bool            `json:"mfa_enabled"`
	Social        []SocialBinding `json:"social"`
}

// SocialBinding is the public view of a linked social account.
type SocialBinding struct {
	Provider  string    `json:"provider"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	LinkedAt  time.Time `json:"linked_at"`
}

// ListBindings returns the user's login methods.
func (o *Orchestrator) ListBindings(ctx context.Context, userID string) (*Bindings, error) {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := o.store.OAuthAccounts().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	social := make([]SocialBinding, 0, len(accounts))
	for _, account := range accounts {
		social = append(social, SocialBinding{
			Provider:  account.Provider,
			Email:     account.Email,
			Name:      account.Name,
			AvatarURL: account.AvatarURL,
			LinkedAt:  account.CreatedAt,
		})
	}

	return &Bindings{
		Phone:         user.Phone,
		PhoneVerified: user.PhoneVerified,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		HasPassword:   user.PasswordHash != "",
		MFAEnabled:    user.MFAEnabled,
		Social:        social,
	}, nil
}

// BindPhone attaches a phone number to the account. The code sent to that
// number proves possession; a number verified on another account refuses
// to move.
func (o *Orchestrator) BindPhone(ctx context.Context, userID, phone, code string, meta oauth.RequestMeta) (*storage.User, error) {
	if err := validation.ValidatePhone(phone); err != nil {
		return nil, uaerrors.NewInvalidRequestError(err.Error(), err)
	}

	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := o.codes.Verify(ctx, phone, storage.CodeTypeLogin, code); err != nil {
		return nil, err
	}

	if owner, err := o.store.Users().GetByPhone(ctx, phone); err == nil {
		if owner.ID == user.ID {
			return user, nil
		}
		return nil, uaerrors.NewConflictError("phone number is already bound to another account", nil)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	user.Phone = phone
	user.PhoneVerified = true
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, uaerrors.NewConflictError("phone number is already bound to another account", nil)
		}
		return nil, err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionBindPhone,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	return user, nil
}

// BindEmail attaches an email address to the account after code proof.
func (o *Orchestrator) BindEmail(ctx context.Context, userID, email, code string, meta oauth.RequestMeta) (*storage.User, error) {
	if err := validation.ValidateEmail(email); err != nil {
		return nil, uaerrors.NewInvalidRequestError(err.Error(), err)
	}

	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := o.codes.Verify(ctx, email, storage.CodeTypeEmailVerify, code); err != nil {
		return nil, err
	}

	if owner, err := o.store.Users().GetByEmail(ctx, email); err == nil {
		if owner.ID == user.ID {
			return user, nil
		}
		return nil, uaerrors.NewConflictError("email is already bound to another account", nil)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	user.Email = email
	user.EmailVerified = true
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, uaerrors.NewConflictError("email is already bound to another account", nil)
		}
		return nil, err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionBindEmail,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	return user, nil
}

// VerifyEmailCode marks the caller's bound email address verified. The
// code must have been issued for the verify purpose to that address.
func (o *Orchestrator) VerifyEmailCode(ctx context.Context, userID, code string, meta oauth.RequestMeta) (*storage.User, error) {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Email == "" {
		return nil, uaerrors.NewInvalidRequestError("no email address bound to this account", nil)
	}

	if err := o.codes.Verify(ctx, user.Email, storage.CodeTypeEmailVerify, code); err != nil {
		return nil, err
	}

	if !user.EmailVerified {
		user.EmailVerified = true
		user.UpdatedAt = o.now().UTC()
		if err := o.store.Users().Update(ctx, user); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// VerifyEmailAddress marks an email address verified without an
// authenticated caller: possession of the code sent to that address is the
// proof of ownership. Used by the verification links and codes sent right
// after registration.
func (o *Orchestrator) VerifyEmailAddress(ctx context.Context, email, code string, meta oauth.RequestMeta) error {
	if err := validation.ValidateEmail(email); err != nil {
		return uaerrors.NewInvalidRequestError(err.Error(), err)
	}
	if err := o.codes.Verify(ctx, email, storage.CodeTypeEmailVerify, code); err != nil {
		return err
	}

	user, err := o.store.Users().GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return uaerrors.NewNotFoundError("no account with this email address", nil)
	}
	if err != nil {
		return err
	}

	if !user.EmailVerified {
		user.EmailVerified = true
		user.UpdatedAt = o.now().UTC()
		if err := o.store.Users().Update(ctx, user); err != nil {
			return err
		}
	}
	return nil
}

// UnbindProvider removes a social binding. The last remaining login
// method cannot be removed.
func (o *Orchestrator) UnbindProvider(ctx context.Context, userID, provider string, meta oauth.RequestMeta) error {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return err
	}
	accounts, err := o.store.OAuthAccounts().ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	bound := false
	for _, account := range accounts {
		if account.Provider == provider {
			bound = true
			break
		}
	}
	if !bound {
		return uaerrors.NewNotFoundError(fmt.Sprintf("no %s binding on this account", provider), nil)
	}

	if loginMethods(user, len(accounts)) <= 1 {
		return uaerrors.NewForbiddenError("cannot remove the last login method", nil)
	}

	if err := o.store.OAuthAccounts().DeleteByUserProvider(ctx, userID, provider); err != nil {
		return err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionUnbindProvider,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"provider": provider},
	})
	return nil
}

// loginMethods counts the independent ways an account can sign in. A
// password is not counted separately: it shares the email identifier.
func loginMethods(user *storage.User, socialBindings int) int {
	n := socialBindings
	if user.Phone != "" {
		n++
	}
	if user.Email != "" {
		n++
	}
	return n
}

// AuthorizedApp is a third-party application holding live grants for a
// user.
type AuthorizedApp struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
}

// ListAuthorizedApps returns the applications holding unexpired refresh
// tokens for the user.
func (o *Orchestrator) ListAuthorizedApps(ctx context.Context, userID string) ([]AuthorizedApp, error) {
	clientIDs, err := o.store.RefreshTokens().ListClientIDsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	apps := make([]AuthorizedApp, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		entry := AuthorizedApp{ClientID: clientID}
		app, err := o.store.Applications().GetByClientID(ctx, clientID)
		switch {
		case err == nil:
			entry.Name = app.Name
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
		apps = append(apps, entry)
	}
	return apps, nil
}

// RevokeAppAccess withdraws an application's standing access: its refresh
// tokens for this user die and the app leaves the user's SSO sessions.
func (o *Orchestrator) RevokeAppAccess(ctx context.Context, userID, clientID string, meta oauth.RequestMeta) error {
	revoked, err := o.store.RefreshTokens().RevokeForUserClient(ctx, userID, clientID)
	if err != nil {
		return err
	}
	if err := o.store.Sessions().LeaveApp(ctx, userID, clientID); err != nil {
		return err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionAppDeauthorized,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"client_id": clientID, "tokens_revoked": revoked},
	})
	o.events.Enqueue(ctx, webhook.EventAppDeauthorized, map[string]any{
		"user_id":   userID,
		"client_id": clientID,
	})
	return nil
}

// ProfileUpdate carries optional profile fields; nil leaves a field
// unchanged.
type ProfileUpdate struct {
	Nickname  *string
	AvatarURL *string
}

// UpdateProfile applies a partial profile update.
func (o *Orchestrator) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate, meta oauth.RequestMeta) (*storage.User, error) {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	changed := false
	if update.Nickname != nil && *update.Nickname != user.Nickname {
		user.Nickname = *update.Nickname
		changed = true
	}
	if update.AvatarURL != nil && *update.AvatarURL != user.AvatarURL {
		user.AvatarURL = *update.AvatarURL
		changed = true
	}
	if !changed {
		return user, nil
	}

	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionProfileUpdate,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	return user, nil
}

// ChangePassword sets a new password after checking the current one. An
// account that has never had a password sets one directly; the session
// presenting the request already proved another login method.
func (o *Orchestrator) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string, meta oauth.RequestMeta) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if user.PasswordHash != "" {
		ok, err := crypto.VerifyPassword(user.PasswordHash, oldPassword)
		if err != nil {
			return uaerrors.NewInternalError("verifying password", err)
		}
		if !ok {
			return uaerrors.NewInvalidCredentialsError("current password is incorrect", nil)
		}
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return uaerrors.NewInternalError("hashing password", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		return err
	}

	// Standing credentials minted under the old password die with it.
	if _, err := o.store.RefreshTokens().RevokeAllForUser(ctx, userID); err != nil {
		return err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionPasswordChange,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	return nil
}

// ResetPassword sets a new password from a reset code sent to the account
// email. Every session and refresh token dies with the old password. The
// response never reveals whether the email maps to an account.
func (o *Orchestrator) ResetPassword(ctx context.Context, email, code, newPassword string, meta oauth.RequestMeta) error {
	if err := validation.ValidateEmail(email); err != nil {
		return uaerrors.NewInvalidRequestError(err.Error(), err)
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	if err := o.codes.Verify(ctx, email, storage.CodeTypeReset, code); err != nil {
		return err
	}

	user, err := o.store.Users().GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return uaerrors.NewInvalidCredentialsError("invalid verification code", nil)
	}
	if err != nil {
		return err
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return uaerrors.NewInternalError("hashing password", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = o.now().UTC()
	if err := o.store.Users().Update(ctx, user); err != nil {
		return err
	}

	if _, err := o.sessions.LogoutAll(ctx, user.ID); err != nil {
		return err
	}
	if _, err := o.store.RefreshTokens().RevokeAllForUser(ctx, user.ID); err != nil {
		return err
	}

	o.recorder.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionPasswordChange,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"reset": true},
	})
	return nil
}

// Sessions lists the user's active SSO sessions.
func (o *Orchestrator) Sessions(ctx context.Context, userID string) ([]*storage.SSOSession, error) {
	return o.sessions.ListForUser(ctx, userID)
}

// RevokeSession tears down one of the caller's sessions. Sessions owned
// by other users are indistinguishable from missing ones.
func (o *Orchestrator) RevokeSession(ctx context.Context, userID, sessionID string, meta oauth.RequestMeta) error {
	sess, err := o.store.Sessions().GetByID(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return uaerrors.NewNotFoundError("session not found", nil)
	}
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return uaerrors.NewNotFoundError("session not found", nil)
	}

	if err := o.sessions.Revoke(ctx, sess.ID); err != nil {
		return err
	}
	o.recorder.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionSessionRevoked,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"session_id": sessionID},
	})
	return nil
}

// DeleteAccount removes the user and everything hanging off them. The
// user.deleted event is queued before the rows go away; delivery rows
// survive because they hang off webhooks, not users.
func (o *Orchestrator) DeleteAccount(ctx context.Context, userID string, meta oauth.RequestMeta) error {
	user, err := o.store.Users().GetByID(ctx, userID)
	if err != nil {
		return err
	}

	o.events.Enqueue(ctx, webhook.EventUserDeleted, map[string]any{
		"user_id": user.ID,
		"phone":   user.Phone,
		"email":   user.Email,
	})

	if err := o.store.Users().Delete(ctx, userID); err != nil {
		return err
	}

	// Audit rows carry no foreign key, so the trail outlives the account.
	o.recorder.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionAccountDelete,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})

	logger.Infow("account deleted", "user_id", userID, "ip", meta.IP)
	return nil
}
