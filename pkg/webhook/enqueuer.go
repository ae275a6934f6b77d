package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/storage"
)

// Enqueuer fans lifecycle events out to subscribed webhooks. Each active
// subscription gets its own pending delivery row carrying a payload
// snapshot; the worker picks the rows up asynchronously.
type Enqueuer struct {
	webhooks   storage.WebhookStore
	deliveries storage.DeliveryStore
	now        func() time.Time
}

// NewEnqueuer returns an Enqueuer over the given stores.
func NewEnqueuer(webhooks storage.WebhookStore, deliveries storage.DeliveryStore) *Enqueuer {
	return &Enqueuer{
		webhooks:   webhooks,
		deliveries: deliveries,
		now:        time.Now,
	}
}

// Enqueue inserts one pending delivery per active webhook subscribed to
// event. Failures are logged and swallowed; producing an event must never
// fail the login or mutation that caused it. Nil receivers are tolerated
// so callers can leave webhooks unwired in tests.
func (e *Enqueuer) Enqueue(ctx context.Context, event string, data map[string]any) {
	if e == nil {
		return
	}

	hooks, err := e.webhooks.ListActiveByEvent(ctx, event)
	if err != nil {
		logger.Warnw("failed to list webhooks for event", "event", event, "error", err)
		return
	}

	now := e.now().UTC()
	for _, hook := range hooks {
		deliveryID := uuid.NewString()
		body, err := json.Marshal(Payload{
			Event:      event,
			DeliveryID: deliveryID,
			Data:       data,
			Timestamp:  now,
		})
		if err != nil {
			logger.Warnw("failed to encode webhook payload",
				"event", event, "webhook_id", hook.ID, "error", err)
			continue
		}

		delivery := &storage.WebhookDelivery{
			ID:          deliveryID,
			WebhookID:   hook.ID,
			Event:       event,
			Payload:     body,
			Status:      storage.DeliveryStatusPending,
			NextRetryAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.deliveries.Create(ctx, delivery); err != nil {
			logger.Warnw("failed to enqueue webhook delivery",
				"event", event, "webhook_id", hook.ID, "error", err)
		}
	}
}
