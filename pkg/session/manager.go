// Package session implements the single sign-on session engine. A session
// is minted at login, carried by the browser as an opaque cookie token, and
// shared by every application the user signs in to. Only the SHA-256 hash of
// the token is stored.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
)

const (
	// TokenBytes is the entropy of the raw cookie token.
	TokenBytes = 64

	// DefaultTTL is the session lifetime without remember-me.
	DefaultTTL = 24 * time.Hour

	// RememberMeTTL is the session lifetime with remember-me.
	RememberMeTTL = 30 * 24 * time.Hour
)

// Manager mints, resolves and revokes SSO sessions.
type Manager struct {
	sessions storage.SessionStore
	now      func() time.Time
}

// NewManager returns a Manager backed by the given session store.
func NewManager(sessions storage.SessionStore) *Manager {
	return &Manager{
		sessions: sessions,
		now:      time.Now,
	}
}

// CreateParams describes the login that establishes a session.
type CreateParams struct {
	// UserID is the authenticated user.
	UserID string
	// ClientID is the application the login happened through. Optional;
	// when set it becomes the first member of the session's app set.
	ClientID string
	// RememberMe extends the session lifetime to RememberMeTTL.
	RememberMe bool
	// IP and UserAgent are recorded for the user's session list.
	IP        string
	UserAgent string
}

// Create mints a new session and returns it together with the raw cookie
// token. The raw token is never stored; callers must hand it to the browser
// and forget it.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*storage.SSOSession, string, error) {
	if params.UserID == "" {
		return nil, "", uaerrors.NewInvalidRequestError("user id is required", nil)
	}

	rawToken, err := crypto.NewOpaqueToken(TokenBytes)
	if err != nil {
		return nil, "", uaerrors.NewInternalError("failed to generate session token", err)
	}

	now := m.now().UTC()
	ttl := DefaultTTL
	if params.RememberMe {
		ttl = RememberMeTTL
	}

	session := &storage.SSOSession{
		ID:           uuid.NewString(),
		TokenHash:    crypto.HashToken(rawToken),
		UserID:       params.UserID,
		IP:           params.IP,
		UserAgent:    params.UserAgent,
		RememberMe:   params.RememberMe,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}
	if params.ClientID != "" {
		session.Apps = []string{params.ClientID}
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, "", err
	}
	return session, rawToken, nil
}

// Resolve looks up a session by its raw cookie token and advances the
// last-activity timestamp. It returns (nil, nil) when the token is empty,
// unknown or expired; expired sessions are deleted on the way out. Callers
// treat a nil session as "not signed in".
func (m *Manager) Resolve(ctx context.Context, rawToken string) (*storage.SSOSession, error) {
	if rawToken == "" {
		return nil, nil
	}

	session, err := m.sessions.GetByTokenHash(ctx, crypto.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := m.now().UTC()
	if !session.ExpiresAt.After(now) {
		if err := m.sessions.Delete(ctx, session.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}

	if err := m.sessions.Touch(ctx, session.ID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	session.LastActivity = now
	return session, nil
}

// Join adds an application to the session's app set. Joining an app the
// session already has is a no-op.
func (m *Manager) Join(ctx context.Context, sessionID, clientID string) error {
	if clientID == "" {
		return uaerrors.NewInvalidRequestError("client id is required", nil)
	}
	return m.sessions.JoinApp(ctx, sessionID, clientID)
}

// Revoke deletes one session by identifier.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.sessions.Delete(ctx, sessionID)
}

// LogoutAll deletes every session belonging to the user and reports how
// many were removed.
func (m *Manager) LogoutAll(ctx context.Context, userID string) (int64, error) {
	return m.sessions.DeleteByUser(ctx, userID)
}

// ListForUser returns the user's sessions, newest first.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*storage.SSOSession, error) {
	return m.sessions.ListByUser(ctx, userID)
}
