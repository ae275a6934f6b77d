package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uniauth/uniauth/pkg/storage"
)

// WebhookStore implements storage.WebhookStore using SQLite.
type WebhookStore struct {
	db *sql.DB
}

var _ storage.WebhookStore = (*WebhookStore)(nil)

// webhookColumns is the SELECT column list shared by every webhook query.
const webhookColumns = `id, app_id, url, secret, events, active, created_at, updated_at`

// Create stores a new webhook.
func (s *WebhookStore) Create(ctx context.Context, webhook *storage.Webhook) error {
	eventsJSON, err := encodeStrings(webhook.Events)
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (
			id, app_id, url, secret, events, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		webhook.ID,
		webhook.AppID,
		webhook.URL,
		webhook.Secret,
		eventsJSON,
		webhook.Active,
		timeToDB(webhook.CreatedAt),
		timeToDB(webhook.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting webhook: %w", err)
	}

	return nil
}

// Get retrieves a webhook by identifier.
func (s *WebhookStore) Get(ctx context.Context, id string) (*storage.Webhook, error) {
	return retryRead(ctx, func() (*storage.Webhook, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
		return scanWebhook(row)
	})
}

// ListByApp returns all webhooks owned by an application, oldest first.
func (s *WebhookStore) ListByApp(ctx context.Context, appID string) ([]*storage.Webhook, error) {
	return s.list(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE app_id = ? ORDER BY created_at`,
		appID,
	)
}

// ListActiveByEvent returns every active webhook subscribed to the event,
// including wildcard subscribers.
func (s *WebhookStore) ListActiveByEvent(ctx context.Context, event string) ([]*storage.Webhook, error) {
	return s.list(ctx,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE active = 1
		   AND EXISTS (SELECT 1 FROM json_each(events) WHERE value IN (?, '*'))
		 ORDER BY created_at`,
		event,
	)
}

func (s *WebhookStore) list(ctx context.Context, query string, args ...any) ([]*storage.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var webhooks []*storage.Webhook
	for rows.Next() {
		webhook, scanErr := scanWebhook(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		webhooks = append(webhooks, webhook)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhook rows: %w", err)
	}

	return webhooks, nil
}

// Update persists all mutable webhook fields.
func (s *WebhookStore) Update(ctx context.Context, webhook *storage.Webhook) error {
	eventsJSON, err := encodeStrings(webhook.Events)
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET url = ?, secret = ?, events = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		webhook.URL,
		webhook.Secret,
		eventsJSON,
		webhook.Active,
		timeToDB(webhook.UpdatedAt),
		webhook.ID,
	)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// Delete removes a webhook. Deliveries cascade.
func (s *WebhookStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// scanWebhook scans a webhook row.
func scanWebhook(sc scanner) (*storage.Webhook, error) {
	var (
		webhook    storage.Webhook
		eventsJSON string
		createdAt  string
		updatedAt  string
	)

	err := sc.Scan(
		&webhook.ID, &webhook.AppID, &webhook.URL, &webhook.Secret,
		&eventsJSON, &webhook.Active, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning webhook row: %w", err)
	}

	if webhook.Events, err = decodeStrings(eventsJSON); err != nil {
		return nil, fmt.Errorf("decoding events: %w", err)
	}
	if webhook.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if webhook.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &webhook, nil
}
