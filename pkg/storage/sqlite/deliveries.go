package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uniauth/uniauth/pkg/storage"
)

// DeliveryStore implements storage.DeliveryStore using SQLite.
type DeliveryStore struct {
	db *sql.DB
}

var _ storage.DeliveryStore = (*DeliveryStore)(nil)

// deliveryColumns is the SELECT column list shared by every delivery query.
const deliveryColumns = `id, webhook_id, event, payload, status, attempt_count,
	next_retry_at, response_code, response_body, claimed_at, created_at, updated_at`

// Create stores a new delivery.
func (s *DeliveryStore) Create(ctx context.Context, delivery *storage.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (
			id, webhook_id, event, payload, status, attempt_count,
			next_retry_at, response_code, response_body, claimed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		delivery.ID,
		delivery.WebhookID,
		delivery.Event,
		delivery.Payload,
		string(delivery.Status),
		delivery.AttemptCount,
		timeToDB(delivery.NextRetryAt),
		delivery.ResponseCode,
		delivery.ResponseBody,
		nullTimeToDB(delivery.ClaimedAt),
		timeToDB(delivery.CreatedAt),
		timeToDB(delivery.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting delivery: %w", err)
	}

	return nil
}

// ClaimDue claims up to limit due deliveries inside one transaction. A row is
// due when it is pending or retrying, its next_retry_at has passed, and no
// other worker holds a fresh lease on it. Claimed rows stay invisible to
// other workers until leaseFor elapses, so a crashed worker's claims are
// picked up again instead of being lost.
func (s *DeliveryStore) ClaimDue(
	ctx context.Context, now time.Time, limit int, leaseFor time.Duration,
) ([]*storage.WebhookDelivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	leaseCutoff := now.Add(-leaseFor)
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM webhook_deliveries
		WHERE status IN (?, ?)
		  AND next_retry_at <= ?
		  AND (claimed_at IS NULL OR claimed_at <= ?)
		ORDER BY next_retry_at
		LIMIT ?`,
		string(storage.DeliveryStatusPending),
		string(storage.DeliveryStatusRetrying),
		timeToDB(now),
		timeToDB(leaseCutoff),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due deliveries: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning delivery id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating delivery ids: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing delivery id rows: %w", err)
	}

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, timeToDB(now))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE webhook_deliveries SET claimed_at = ? WHERE id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("claiming deliveries: %w", err)
	}

	idArgs := args[1:]
	claimed, err := queryDeliveriesTx(ctx, tx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE id IN (`+placeholders+`) ORDER BY next_retry_at`,
		idArgs...,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return claimed, nil
}

// MarkSuccess records a 2xx response and releases the claim.
func (s *DeliveryStore) MarkSuccess(ctx context.Context, id string, responseCode int, responseBody string) error {
	return s.mark(ctx, id, `
		UPDATE webhook_deliveries SET
			status = ?, attempt_count = attempt_count + 1, response_code = ?,
			response_body = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(storage.DeliveryStatusSuccess), responseCode, responseBody,
		timeToDB(time.Now().UTC()), id,
	)
}

// MarkRetry schedules the next attempt and releases the claim.
func (s *DeliveryStore) MarkRetry(
	ctx context.Context, id string, attemptCount int, nextRetryAt time.Time,
	responseCode int, responseBody string,
) error {
	return s.mark(ctx, id, `
		UPDATE webhook_deliveries SET
			status = ?, attempt_count = ?, next_retry_at = ?, response_code = ?,
			response_body = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(storage.DeliveryStatusRetrying), attemptCount, timeToDB(nextRetryAt),
		responseCode, responseBody, timeToDB(time.Now().UTC()), id,
	)
}

// MarkFailed records terminal failure and releases the claim.
func (s *DeliveryStore) MarkFailed(
	ctx context.Context, id string, attemptCount int, responseCode int, responseBody string,
) error {
	return s.mark(ctx, id, `
		UPDATE webhook_deliveries SET
			status = ?, attempt_count = ?, response_code = ?, response_body = ?,
			claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(storage.DeliveryStatusFailed), attemptCount, responseCode,
		responseBody, timeToDB(time.Now().UTC()), id,
	)
}

func (s *DeliveryStore) mark(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("marking delivery %s: %w", id, err)
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

// ListByWebhook returns deliveries for a webhook, newest first.
func (s *DeliveryStore) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*storage.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ?`,
		webhookID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDeliveries(rows)
}

// queryDeliveriesTx runs a delivery query inside a transaction.
func queryDeliveriesTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*storage.WebhookDelivery, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDeliveries(rows)
}

func collectDeliveries(rows *sql.Rows) ([]*storage.WebhookDelivery, error) {
	var deliveries []*storage.WebhookDelivery
	for rows.Next() {
		delivery, scanErr := scanDelivery(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery rows: %w", err)
	}

	return deliveries, nil
}

// scanDelivery scans a delivery row.
func scanDelivery(sc scanner) (*storage.WebhookDelivery, error) {
	var (
		delivery    storage.WebhookDelivery
		status      string
		nextRetryAt string
		claimedAt   sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := sc.Scan(
		&delivery.ID, &delivery.WebhookID, &delivery.Event, &delivery.Payload,
		&status, &delivery.AttemptCount, &nextRetryAt, &delivery.ResponseCode,
		&delivery.ResponseBody, &claimedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning delivery row: %w", err)
	}

	delivery.Status = storage.DeliveryStatus(status)

	if delivery.NextRetryAt, err = timeFromDB(nextRetryAt); err != nil {
		return nil, fmt.Errorf("parsing next_retry_at: %w", err)
	}
	if delivery.ClaimedAt, err = nullTimeFromDB(claimedAt); err != nil {
		return nil, fmt.Errorf("parsing claimed_at: %w", err)
	}
	if delivery.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if delivery.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &delivery, nil
}
