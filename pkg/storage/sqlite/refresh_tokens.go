package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uniauth/uniauth/pkg/storage"
)

// RefreshTokenStore implements storage.RefreshTokenStore using SQLite.
type RefreshTokenStore struct {
	db *sql.DB
}

var _ storage.RefreshTokenStore = (*RefreshTokenStore)(nil)

// refreshColumns is the SELECT column list shared by every token query.
const refreshColumns = `id, token_hash, user_id, client_id, scope, device, ip,
	family_id, expires_at, revoked, revoked_at, created_at`

// Create stores a new refresh token.
func (s *RefreshTokenStore) Create(ctx context.Context, token *storage.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertRefreshToken(ctx, tx, token); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// GetByHash retrieves a token by hash, whether or not it is revoked or
// expired. Replay detection needs to see dead tokens.
func (s *RefreshTokenStore) GetByHash(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	return retryRead(ctx, func() (*storage.RefreshToken, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`,
			tokenHash,
		)
		return scanRefreshToken(row)
	})
}

// Rotate revokes the old token and inserts its replacement in one
// transaction. The revocation is a conditional update: when a concurrent
// rotation already revoked the old token, ErrAlreadyConsumed is returned and
// nothing is inserted, so exactly one caller wins.
func (s *RefreshTokenStore) Rotate(ctx context.Context, oldID string, replacement *storage.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`,
		timeToDB(time.Now().UTC()), oldID,
	)
	if err != nil {
		return fmt.Errorf("revoking rotated token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrAlreadyConsumed
	}

	if err := insertRefreshToken(ctx, tx, replacement); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Revoke marks a single token revoked.
func (s *RefreshTokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`,
		timeToDB(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
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

// RevokeFamily revokes every live token in a rotation family.
func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return s.revokeWhere(ctx, `family_id = ?`, familyID)
}

// RevokeAllForUser revokes every live token belonging to a user.
func (s *RefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return s.revokeWhere(ctx, `user_id = ?`, userID)
}

// RevokeForUserClient revokes a user's live tokens bound to one client.
func (s *RefreshTokenStore) RevokeForUserClient(ctx context.Context, userID, clientID string) (int64, error) {
	return s.revokeWhere(ctx, `user_id = ? AND client_id = ?`, userID, clientID)
}

func (s *RefreshTokenStore) revokeWhere(ctx context.Context, where string, args ...any) (int64, error) {
	params := append([]any{timeToDB(time.Now().UTC())}, args...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE `+where+` AND revoked = 0`,
		params...,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// ListClientIDsByUser returns the distinct non-empty client IDs holding
// unrevoked, unexpired tokens for a user.
func (s *RefreshTokenStore) ListClientIDsByUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT client_id FROM refresh_tokens
		 WHERE user_id = ? AND client_id != '' AND revoked = 0 AND expires_at > ?
		 ORDER BY client_id`,
		userID, timeToDB(time.Now().UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("querying client ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clientIDs []string
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return nil, fmt.Errorf("scanning client id: %w", err)
		}
		clientIDs = append(clientIDs, clientID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating client id rows: %w", err)
	}

	return clientIDs, nil
}

// DeleteExpired removes tokens whose expiry has passed.
func (s *RefreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at <= ?`, timeToDB(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// insertRefreshToken inserts a token row within a transaction.
func insertRefreshToken(ctx context.Context, tx *sql.Tx, token *storage.RefreshToken) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			id, token_hash, user_id, client_id, scope, device, ip,
			family_id, expires_at, revoked, revoked_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.TokenHash,
		token.UserID,
		token.ClientID,
		token.Scope,
		token.Device,
		token.IP,
		token.FamilyID,
		timeToDB(token.ExpiresAt),
		token.Revoked,
		nullTimeToDB(token.RevokedAt),
		timeToDB(token.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}

	return nil
}

// scanRefreshToken scans a refresh token row.
func scanRefreshToken(sc scanner) (*storage.RefreshToken, error) {
	var (
		token     storage.RefreshToken
		expiresAt string
		revokedAt sql.NullString
		createdAt string
	)

	err := sc.Scan(
		&token.ID, &token.TokenHash, &token.UserID, &token.ClientID,
		&token.Scope, &token.Device, &token.IP, &token.FamilyID,
		&expiresAt, &token.Revoked, &revokedAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning refresh token row: %w", err)
	}

	if token.ExpiresAt, err = timeFromDB(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if token.RevokedAt, err = nullTimeFromDB(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	if token.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &token, nil
}
