package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uniauth/uniauth/pkg/storage"
)

// SessionStore implements storage.SessionStore using SQLite.
type SessionStore struct {
	db *sql.DB
}

var _ storage.SessionStore = (*SessionStore)(nil)

// sessionColumns is the SELECT column list shared by every session query.
const sessionColumns = `id, token_hash, user_id, apps, ip, user_agent,
	remember_me, created_at, expires_at, last_activity`

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, session *storage.SSOSession) error {
	appsJSON, err := encodeStrings(session.Apps)
	if err != nil {
		return fmt.Errorf("encoding apps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sso_sessions (
			id, token_hash, user_id, apps, ip, user_agent,
			remember_me, created_at, expires_at, last_activity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.TokenHash,
		session.UserID,
		appsJSON,
		session.IP,
		session.UserAgent,
		session.RememberMe,
		timeToDB(session.CreatedAt),
		timeToDB(session.ExpiresAt),
		timeToDB(session.LastActivity),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	return nil
}

// GetByTokenHash retrieves a session by cookie token hash, expired or not.
func (s *SessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*storage.SSOSession, error) {
	return retryRead(ctx, func() (*storage.SSOSession, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sso_sessions WHERE token_hash = ?`,
			tokenHash,
		)
		return scanSession(row)
	})
}

// GetByID retrieves a session by identifier.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*storage.SSOSession, error) {
	return retryRead(ctx, func() (*storage.SSOSession, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sso_sessions WHERE id = ?`, id)
		return scanSession(row)
	})
}

// Touch advances the session's last-activity timestamp.
func (s *SessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sso_sessions SET last_activity = ? WHERE id = ?`,
		timeToDB(at), id,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
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

// JoinApp adds a client to the session's app set. The read-modify-write runs
// in one transaction on the single connection, so concurrent joins serialize
// and the final set is the union.
func (s *SessionStore) JoinApp(ctx context.Context, id string, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var appsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT apps FROM sso_sessions WHERE id = ?`, id).Scan(&appsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("reading session apps: %w", err)
	}

	apps, err := decodeStrings(appsJSON)
	if err != nil {
		return fmt.Errorf("decoding apps: %w", err)
	}
	for _, app := range apps {
		if app == clientID {
			return nil
		}
	}
	apps = append(apps, clientID)

	updatedJSON, err := encodeStrings(apps)
	if err != nil {
		return fmt.Errorf("encoding apps: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sso_sessions SET apps = ? WHERE id = ?`, updatedJSON, id,
	); err != nil {
		return fmt.Errorf("updating session apps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// LeaveApp removes a client from the app set of every session the user
// holds. Runs in one transaction so a concurrent join of the same client
// either lands before the removal or after it, never interleaved.
func (s *SessionStore) LeaveApp(ctx context.Context, userID, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx,
		`SELECT id, apps FROM sso_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("querying session apps: %w", err)
	}

	type update struct {
		id   string
		apps string
	}
	var updates []update
	for rows.Next() {
		var id, appsJSON string
		if err := rows.Scan(&id, &appsJSON); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning session apps: %w", err)
		}

		apps, err := decodeStrings(appsJSON)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("decoding apps: %w", err)
		}

		kept := apps[:0]
		for _, app := range apps {
			if app != clientID {
				kept = append(kept, app)
			}
		}
		if len(kept) == len(apps) {
			continue
		}

		updatedJSON, err := encodeStrings(kept)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("encoding apps: %w", err)
		}
		updates = append(updates, update{id: id, apps: updatedJSON})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterating session rows: %w", err)
	}
	_ = rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sso_sessions SET apps = ? WHERE id = ?`, u.apps, u.id,
		); err != nil {
			return fmt.Errorf("updating session apps: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// ListByUser returns all sessions for a user, newest first.
func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]*storage.SSOSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sso_sessions
		 WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*storage.SSOSession
	for rows.Next() {
		session, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// Delete removes one session.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
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

// DeleteByUser removes every session for a user.
func (s *SessionStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// DeleteExpired removes sessions whose expiry has passed.
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_sessions WHERE expires_at <= ?`, timeToDB(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// scanSession scans a session row.
func scanSession(sc scanner) (*storage.SSOSession, error) {
	var (
		session      storage.SSOSession
		appsJSON     string
		createdAt    string
		expiresAt    string
		lastActivity string
	)

	err := sc.Scan(
		&session.ID, &session.TokenHash, &session.UserID, &appsJSON,
		&session.IP, &session.UserAgent, &session.RememberMe,
		&createdAt, &expiresAt, &lastActivity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	if session.Apps, err = decodeStrings(appsJSON); err != nil {
		return nil, fmt.Errorf("decoding apps: %w", err)
	}
	if session.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.ExpiresAt, err = timeFromDB(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if session.LastActivity, err = timeFromDB(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}

	return &session, nil
}
