package storage

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_stores.go -package=mocks -source=interfaces.go

// UserStore manages user persistence.
type UserStore interface {
	// Create stores a new user.
	Create(ctx context.Context, user *User) error
	// GetByID retrieves a user by its stable identifier.
	GetByID(ctx context.Context, id string) (*User, error)
	// GetByPhone retrieves a user by phone number.
	GetByPhone(ctx context.Context, phone string) (*User, error)
	// GetByEmail retrieves a user by email address.
	GetByEmail(ctx context.Context, email string) (*User, error)
	// Update persists mutable user fields (profile, verified flags,
	// password hash, MFA enrollment, status).
	Update(ctx context.Context, user *User) error
	// Delete removes a user. Owned rows (tokens, sessions, codes, social
	// accounts, audit entries) cascade.
	Delete(ctx context.Context, id string) error
}

// ApplicationStore manages OAuth client applications.
type ApplicationStore interface {
	// Create stores a new application.
	Create(ctx context.Context, app *Application) error
	// GetByClientID retrieves an application by its public client identifier.
	GetByClientID(ctx context.Context, clientID string) (*Application, error)
	// ListByOwner returns all applications owned by a user.
	ListByOwner(ctx context.Context, ownerUserID string) ([]*Application, error)
	// Update persists mutable application fields.
	Update(ctx context.Context, app *Application) error
	// Delete removes an application and its webhooks.
	Delete(ctx context.Context, clientID string) error
	// GrantScopes registers scopes an m2m application may request.
	GrantScopes(ctx context.Context, appID string, scopes []string) error
	// ListScopes returns the scopes granted to an application.
	ListScopes(ctx context.Context, appID string) ([]string, error)
}

// CodeConsumeOutcome describes what happened to a verification-code
// consumption attempt.
type CodeConsumeOutcome int

const (
	// CodeMatched means the code matched and was marked used.
	CodeMatched CodeConsumeOutcome = iota
	// CodeMismatched means the code did not match; the attempt was counted.
	CodeMismatched
	// CodeExhausted means the attempt limit was reached; the row is burned
	// and can never match again.
	CodeExhausted
	// CodeExpired means the newest unused code is past its expiry.
	CodeExpired
)

// CodeConsumeResult reports the outcome of a Consume call together with the
// attempt counter after the call.
type CodeConsumeResult struct {
	Outcome  CodeConsumeOutcome
	Attempts int
}

// VerificationCodeStore manages single-use verification codes.
type VerificationCodeStore interface {
	// Create stores a new code row.
	Create(ctx context.Context, code *VerificationCode) error
	// LatestUnused returns the newest unused code for (target, type)
	// regardless of expiry, or ErrNotFound.
	LatestUnused(ctx context.Context, target string, typ VerificationCodeType) (*VerificationCode, error)
	// Consume selects the newest unused row for (target, type) and applies
	// the attempt in a single transaction: the attempt counter is always
	// advanced; a match marks the row used; reaching maxAttempts burns the
	// row. Returns ErrNotFound when no unused row exists.
	Consume(ctx context.Context, target string, typ VerificationCodeType, codeHash string, maxAttempts int) (*CodeConsumeResult, error)
	// DeleteExpired removes rows whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RefreshTokenStore manages refresh tokens.
type RefreshTokenStore interface {
	// Create stores a new refresh token.
	Create(ctx context.Context, token *RefreshToken) error
	// GetByHash retrieves a token by the SHA-256 hash of its raw value,
	// whether or not it is revoked or expired.
	GetByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Rotate revokes the old token and inserts its replacement in one
	// transaction. Returns ErrAlreadyConsumed when the old token was
	// already revoked by a concurrent rotation.
	Rotate(ctx context.Context, oldID string, replacement *RefreshToken) error
	// Revoke marks a single token revoked.
	Revoke(ctx context.Context, id string) error
	// RevokeFamily revokes every token in a rotation family.
	RevokeFamily(ctx context.Context, familyID string) (int64, error)
	// RevokeAllForUser revokes every token belonging to a user.
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	// RevokeForUserClient revokes a user's tokens bound to one client.
	RevokeForUserClient(ctx context.Context, userID, clientID string) (int64, error)
	// ListClientIDsByUser returns the distinct non-empty client IDs that
	// hold unrevoked tokens for a user.
	ListClientIDsByUser(ctx context.Context, userID string) ([]string, error)
	// DeleteExpired removes tokens whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuthorizationCodeStore manages single-use authorization codes.
type AuthorizationCodeStore interface {
	// Create stores a new authorization code.
	Create(ctx context.Context, code *AuthorizationCode) error
	// Consume marks the code used and returns its bound tuple. The mark is
	// a conditional update: a second consumption returns
	// ErrAlreadyConsumed, an unknown hash returns ErrNotFound. Expiry is
	// the caller's check; consuming an expired code still burns it.
	Consume(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	// DeleteExpired removes codes whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore manages SSO sessions.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *SSOSession) error
	// GetByTokenHash retrieves a session by the SHA-256 hash of the cookie
	// token, whether or not it is expired.
	GetByTokenHash(ctx context.Context, tokenHash string) (*SSOSession, error)
	// GetByID retrieves a session by identifier.
	GetByID(ctx context.Context, id string) (*SSOSession, error)
	// Touch advances the session's last-activity timestamp.
	Touch(ctx context.Context, id string, at time.Time) error
	// JoinApp adds a client to the session's app set. Idempotent; the
	// final set is the union under concurrent joins.
	JoinApp(ctx context.Context, id string, clientID string) error
	// LeaveApp removes a client from the app set of every session the
	// user holds. Sessions without the client are untouched.
	LeaveApp(ctx context.Context, userID, clientID string) error
	// ListByUser returns all sessions for a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]*SSOSession, error)
	// Delete removes one session.
	Delete(ctx context.Context, id string) error
	// DeleteByUser removes every session for a user and reports the count.
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	// DeleteExpired removes sessions whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// OAuthAccountStore manages social login bindings.
type OAuthAccountStore interface {
	// Create stores a new binding.
	Create(ctx context.Context, account *OAuthAccount) error
	// GetByProviderUserID retrieves a binding by (provider, provider user id).
	GetByProviderUserID(ctx context.Context, provider, providerUserID string) (*OAuthAccount, error)
	// ListByUser returns all bindings for a user.
	ListByUser(ctx context.Context, userID string) ([]*OAuthAccount, error)
	// DeleteByUserProvider removes a user's binding for one provider.
	DeleteByUserProvider(ctx context.Context, userID, provider string) error
}

// WebhookStore manages webhook subscriptions.
type WebhookStore interface {
	// Create stores a new webhook.
	Create(ctx context.Context, webhook *Webhook) error
	// Get retrieves a webhook by identifier.
	Get(ctx context.Context, id string) (*Webhook, error)
	// ListByApp returns all webhooks owned by an application.
	ListByApp(ctx context.Context, appID string) ([]*Webhook, error)
	// ListActiveByEvent returns every active webhook subscribed to the event.
	ListActiveByEvent(ctx context.Context, event string) ([]*Webhook, error)
	// Update persists mutable webhook fields.
	Update(ctx context.Context, webhook *Webhook) error
	// Delete removes a webhook and its deliveries.
	Delete(ctx context.Context, id string) error
}

// DeliveryStore manages webhook delivery rows.
type DeliveryStore interface {
	// Create stores a new delivery.
	Create(ctx context.Context, delivery *WebhookDelivery) error
	// ClaimDue atomically claims up to limit due deliveries (pending or
	// retrying, next_retry_at <= now, not under another worker's lease) and
	// returns them. A claimed row is invisible to other workers until
	// leaseFor elapses.
	ClaimDue(ctx context.Context, now time.Time, limit int, leaseFor time.Duration) ([]*WebhookDelivery, error)
	// MarkSuccess records a 2xx response and releases the claim.
	MarkSuccess(ctx context.Context, id string, responseCode int, responseBody string) error
	// MarkRetry schedules the next attempt and releases the claim.
	MarkRetry(ctx context.Context, id string, attemptCount int, nextRetryAt time.Time, responseCode int, responseBody string) error
	// MarkFailed records terminal failure and releases the claim.
	MarkFailed(ctx context.Context, id string, attemptCount int, responseCode int, responseBody string) error
	// ListByWebhook returns deliveries for a webhook, newest first.
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error)
}

// AuditStore appends and queries audit entries.
type AuditStore interface {
	// Append stores one audit entry.
	Append(ctx context.Context, entry *AuditLogEntry) error
	// ListByUser returns a user's entries, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*AuditLogEntry, error)
}

// ScopeStore manages the scope registry.
type ScopeStore interface {
	// Ensure creates the scope if it does not exist.
	Ensure(ctx context.Context, scope *Scope) error
	// List returns all registered scopes.
	List(ctx context.Context) ([]*Scope, error)
}

// Store aggregates every store plus connection lifecycle.
type Store interface {
	Users() UserStore
	Applications() ApplicationStore
	VerificationCodes() VerificationCodeStore
	RefreshTokens() RefreshTokenStore
	AuthorizationCodes() AuthorizationCodeStore
	Sessions() SessionStore
	OAuthAccounts() OAuthAccountStore
	Webhooks() WebhookStore
	Deliveries() DeliveryStore
	Audit() AuditStore
	Scopes() ScopeStore

	// Ping verifies the underlying connection is alive.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
