// Package audit writes the append-only audit trail. Every security-relevant
// mutation (logins, registrations, token rotations, binding changes,
// application management) is recorded with the acting user, the action and
// the request origin.
package audit

import (
	"context"
	"time"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/storage"
)

// Actions recorded by the authentication orchestrator.
const (
	ActionLoginPhone    = "login.phone"
	ActionLoginEmail    = "login.email"
	ActionLoginPassword = "login.password"
	ActionLoginSocial   = "login.social"
	ActionLoginMFA      = "login.mfa"
	ActionLoginPasskey  = "login.passkey"
	ActionRegister      = "user.register"
	ActionLogout        = "user.logout"
	ActionLogoutAll     = "user.logout_all"
	ActionTokenRefresh  = "token.refresh"
	ActionTokenRevoke   = "token.revoke"
)

// Actions recorded by the OAuth engine and self-service endpoints.
const (
	ActionConsentGranted  = "oauth.consent"
	ActionProfileUpdate   = "user.profile_update"
	ActionPasswordChange  = "user.password_change"
	ActionBindPhone       = "user.bind_phone"
	ActionBindEmail       = "user.bind_email"
	ActionUnbindProvider  = "user.unbind_provider"
	ActionAppDeauthorized = "user.app_deauthorized"
	ActionMFAEnroll       = "user.mfa_enroll"
	ActionMFADisable      = "user.mfa_disable"
	ActionSessionRevoked  = "user.session_revoked"
	ActionAccountDelete   = "user.account_delete"
)

// Actions recorded by the developer console endpoints.
const (
	ActionAppCreate       = "app.create"
	ActionAppUpdate       = "app.update"
	ActionAppDelete       = "app.delete"
	ActionAppSecretRotate = "app.secret_rotate"
)

// Event describes one action to record.
type Event struct {
	// UserID is the acting user. May be empty for anonymous failures.
	UserID string
	// Action is one of the Action* constants.
	Action string
	// IP and UserAgent describe the request origin.
	IP        string
	UserAgent string
	// Detail carries action-specific context (client_id, provider, ...).
	Detail map[string]any
}

// Recorder appends audit entries to the store. Failures are logged and
// swallowed so a broken audit write never takes down the flow it records.
type Recorder struct {
	store storage.AuditStore
	now   func() time.Time
}

// NewRecorder returns a Recorder over the given audit store.
func NewRecorder(store storage.AuditStore) *Recorder {
	return &Recorder{
		store: store,
		now:   time.Now,
	}
}

// Record appends one entry. Nil receivers are tolerated so callers can
// leave auditing unwired in tests.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil || event.Action == "" {
		return
	}

	entry := &storage.AuditLogEntry{
		UserID:    event.UserID,
		Action:    event.Action,
		IP:        event.IP,
		UserAgent: event.UserAgent,
		Detail:    event.Detail,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Append(ctx, entry); err != nil {
		logger.Warnw("failed to append audit entry",
			"action", event.Action,
			"user_id", event.UserID,
			"error", err)
	}
}

// ListForUser returns a user's entries, newest first, capped at limit.
func (r *Recorder) ListForUser(ctx context.Context, userID string, limit int) ([]*storage.AuditLogEntry, error) {
	return r.store.ListByUser(ctx, userID, limit)
}
