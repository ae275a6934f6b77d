// Package storage defines the persisted entities and store interfaces for
// uniauth. Implementations live in subpackages; engines depend only on the
// interfaces defined here.
package storage

import (
	"time"
)

// UserStatus describes whether a user may authenticate.
type UserStatus string

const (
	// UserStatusActive allows all login flows.
	UserStatusActive UserStatus = "active"
	// UserStatusSuspended rejects every login flow.
	UserStatusSuspended UserStatus = "suspended"
)

// User is an end-user identity. Phone and email are optional but unique when
// set; a user always has at least one login method (phone, email, password,
// or a linked social account).
type User struct {
	ID            string
	Phone         string
	Email         string
	PasswordHash  string
	PhoneVerified bool
	EmailVerified bool
	Status        UserStatus
	Nickname      string
	AvatarURL     string
	MFAEnabled    bool
	MFASecret     string
	// MFARecoveryCodes holds SHA-256 hashes of unused recovery codes.
	MFARecoveryCodes []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AppType classifies an OAuth client application.
type AppType string

const (
	// AppTypeWeb is a confidential server-side web application.
	AppTypeWeb AppType = "web"
	// AppTypeSPA is a public single-page application.
	AppTypeSPA AppType = "spa"
	// AppTypeNative is a public native/mobile application.
	AppTypeNative AppType = "native"
	// AppTypeM2M is a confidential machine-to-machine client.
	AppTypeM2M AppType = "m2m"
)

// Application is a registered OAuth client.
type Application struct {
	ID               string
	ClientID         string
	ClientSecretHash string
	Name             string
	Type             AppType
	IsTrusted        bool
	Active           bool
	RedirectURIs     []string
	GrantTypes       []string
	// OwnerUserID is the developer who registered the app. Empty for
	// platform apps seeded at bootstrap.
	OwnerUserID string
	// CustomClaims are merged into ID tokens after a conflict check against
	// registered and standard profile claims.
	CustomClaims map[string]any
	// Branding holds white-label overrides merged over platform defaults.
	Branding  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPublic reports whether the application cannot hold a client secret and
// must therefore use PKCE.
func (a *Application) IsPublic() bool {
	return a.Type == AppTypeSPA || a.Type == AppTypeNative
}

// AllowsGrant reports whether the given grant type is registered for the
// application.
func (a *Application) AllowsGrant(grant string) bool {
	for _, g := range a.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsRedirectURI reports whether the redirect URI exactly matches one of
// the registered URIs, including the path.
func (a *Application) AllowsRedirectURI(uri string) bool {
	for _, registered := range a.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// VerificationCodeType distinguishes the flows a code may be used for.
type VerificationCodeType string

const (
	// CodeTypeLogin is used by the phone/email login flows.
	CodeTypeLogin VerificationCodeType = "login"
	// CodeTypeRegister is used by the email registration flow.
	CodeTypeRegister VerificationCodeType = "register"
	// CodeTypeReset is used by the password reset flow.
	CodeTypeReset VerificationCodeType = "reset"
	// CodeTypeEmailVerify is used when binding or verifying an email address.
	CodeTypeEmailVerify VerificationCodeType = "email_verify"
)

// VerificationCode is a single-use 6-digit code delivered out of band.
// Only the SHA-256 hash of the code is persisted.
type VerificationCode struct {
	ID        int64
	Target    string
	CodeHash  string
	Type      VerificationCodeType
	ExpiresAt time.Time
	Attempts  int
	Used      bool
	CreatedAt time.Time
}

// RefreshToken is a long-lived opaque credential. The raw value is returned
// to the client exactly once; only its SHA-256 hash is persisted. FamilyID
// links tokens produced by successive rotations of one initial grant.
type RefreshToken struct {
	ID        string
	TokenHash string
	UserID    string
	// ClientID is empty for first-party (non-OAuth) logins.
	ClientID  string
	Scope     string
	Device    string
	IP        string
	FamilyID  string
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
	CreatedAt time.Time
}

// AuthorizationCode is a single-use OAuth code bound to the redemption tuple.
// Only the SHA-256 hash of the opaque value is persisted.
type AuthorizationCode struct {
	ID                  int64
	CodeHash            string
	UserID              string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	Used                bool
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// SSOSession is a centralized browser session. The cookie carries the raw
// token; the store keeps its SHA-256 hash. Apps is the set of client IDs
// that have joined the session.
type SSOSession struct {
	ID           string
	TokenHash    string
	UserID       string
	Apps         []string
	IP           string
	UserAgent    string
	RememberMe   bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// HasApp reports whether the given client has already joined the session.
func (s *SSOSession) HasApp(clientID string) bool {
	for _, app := range s.Apps {
		if app == clientID {
			return true
		}
	}
	return false
}

// OAuthAccount links a user to an upstream social identity.
type OAuthAccount struct {
	ID             int64
	UserID         string
	Provider       string
	ProviderUserID string
	Email          string
	Name           string
	AvatarURL      string
	CreatedAt      time.Time
}

// Webhook is a developer-registered event subscription. The secret must be
// recoverable because deliveries are HMAC-signed with it.
type Webhook struct {
	ID        string
	AppID     string
	URL       string
	Secret    string
	Events    []string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscribesTo reports whether the webhook wants the given event.
func (w *Webhook) SubscribesTo(event string) bool {
	for _, e := range w.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// DeliveryStatus is the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	// DeliveryStatusPending marks a delivery that has never been attempted.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusRetrying marks a delivery awaiting its next attempt.
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	// DeliveryStatusSuccess is terminal: the receiver returned 2xx.
	DeliveryStatusSuccess DeliveryStatus = "success"
	// DeliveryStatusFailed is terminal: the attempt cap was reached.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// WebhookDelivery is one at-least-once delivery of an event to one webhook.
// Payload is snapshotted at enqueue time so later entity mutations do not
// change what is sent.
type WebhookDelivery struct {
	ID           string
	WebhookID    string
	Event        string
	Payload      []byte
	Status       DeliveryStatus
	AttemptCount int
	NextRetryAt  time.Time
	ResponseCode int
	ResponseBody string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditLogEntry is one append-only audit record.
type AuditLogEntry struct {
	ID        int64
	UserID    string
	Action    string
	IP        string
	UserAgent string
	Detail    map[string]any
	CreatedAt time.Time
}

// Scope is a registered OAuth scope.
type Scope struct {
	Name        string
	Description string
	CreatedAt   time.Time
}
