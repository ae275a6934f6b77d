package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uniauth/uniauth/pkg/storage"
)

// AuditStore implements storage.AuditStore using SQLite.
type AuditStore struct {
	db *sql.DB
}

var _ storage.AuditStore = (*AuditStore)(nil)

// Append stores one audit entry.
func (s *AuditStore) Append(ctx context.Context, entry *storage.AuditLogEntry) error {
	detailJSON, err := encodeMap(entry.Detail)
	if err != nil {
		return fmt.Errorf("encoding detail: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, ip, user_agent, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.UserID,
		entry.Action,
		entry.IP,
		entry.UserAgent,
		detailJSON,
		timeToDB(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("getting entry id: %w", err)
	}

	return nil
}

// ListByUser returns a user's entries, newest first.
func (s *AuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]*storage.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, action, ip, user_agent, detail, created_at
		 FROM audit_logs WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.AuditLogEntry
	for rows.Next() {
		entry, scanErr := scanAuditEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}

	return entries, nil
}

// scanAuditEntry scans an audit row.
func scanAuditEntry(sc scanner) (*storage.AuditLogEntry, error) {
	var (
		entry      storage.AuditLogEntry
		detailJSON string
		createdAt  string
	)

	err := sc.Scan(
		&entry.ID, &entry.UserID, &entry.Action, &entry.IP,
		&entry.UserAgent, &detailJSON, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning audit row: %w", err)
	}

	if entry.Detail, err = decodeMap(detailJSON); err != nil {
		return nil, fmt.Errorf("decoding detail: %w", err)
	}
	if entry.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &entry, nil
}
