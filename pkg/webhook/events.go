// Package webhook implements at-least-once delivery of lifecycle events to
// developer-registered endpoints: payload signing, fan-out enqueueing, and
// the retrying delivery worker.
package webhook

import (
	"time"
)

// Lifecycle events applications may subscribe to.
const (
	// EventUserCreated fires when a new user account is provisioned.
	EventUserCreated = "user.created"
	// EventUserLogin fires on every successful login.
	EventUserLogin = "user.login"
	// EventUserDeleted fires when an account is deleted.
	EventUserDeleted = "user.deleted"
	// EventAppAuthorized fires when a user first authorizes an application.
	EventAppAuthorized = "app.authorized"
	// EventAppDeauthorized fires when a user revokes an application.
	EventAppDeauthorized = "app.deauthorized"
)

// KnownEvents lists every event name accepted on webhook registration.
var KnownEvents = []string{
	EventUserCreated,
	EventUserLogin,
	EventUserDeleted,
	EventAppAuthorized,
	EventAppDeauthorized,
}

// KnownEvent reports whether name is a recognized lifecycle event.
func KnownEvent(name string) bool {
	for _, event := range KnownEvents {
		if event == name {
			return true
		}
	}
	return false
}

// Payload is the JSON body sent to receivers. It is snapshotted at enqueue
// time, so a delivery retries with exactly the bytes of its first attempt.
type Payload struct {
	// Event is the lifecycle event name.
	Event string `json:"event"`
	// DeliveryID identifies this delivery for receiver-side idempotency.
	DeliveryID string `json:"delivery_id"`
	// Data is the event-specific document.
	Data map[string]any `json:"data"`
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
}
