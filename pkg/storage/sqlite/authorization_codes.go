package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uniauth/uniauth/pkg/storage"
)

// AuthorizationCodeStore implements storage.AuthorizationCodeStore using SQLite.
type AuthorizationCodeStore struct {
	db *sql.DB
}

var _ storage.AuthorizationCodeStore = (*AuthorizationCodeStore)(nil)

// authCodeColumns is the SELECT column list shared by every code query.
const authCodeColumns = `id, code_hash, user_id, client_id, redirect_uri, scope,
	code_challenge, code_challenge_method, nonce, auth_time, used, expires_at, created_at`

// Create stores a new authorization code.
func (s *AuthorizationCodeStore) Create(ctx context.Context, code *storage.AuthorizationCode) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (
			code_hash, user_id, client_id, redirect_uri, scope,
			code_challenge, code_challenge_method, nonce, auth_time,
			used, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.CodeHash,
		code.UserID,
		code.ClientID,
		code.RedirectURI,
		code.Scope,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.Nonce,
		timeToDB(code.AuthTime),
		code.Used,
		timeToDB(code.ExpiresAt),
		timeToDB(code.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}

	if code.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("getting code id: %w", err)
	}

	return nil
}

// Consume marks the code used and returns its bound tuple. The mark is a
// conditional update, so under concurrent redemption exactly one caller gets
// the row and the rest get ErrAlreadyConsumed. Expiry is the caller's check;
// an expired code is still burned here.
func (s *AuthorizationCodeStore) Consume(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx,
		`SELECT `+authCodeColumns+` FROM authorization_codes WHERE code_hash = ?`,
		codeHash,
	)
	code, err := scanAuthorizationCode(row)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE authorization_codes SET used = 1 WHERE id = ? AND used = 0`,
		code.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("burning authorization code: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return nil, storage.ErrAlreadyConsumed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	code.Used = true
	return code, nil
}

// DeleteExpired removes codes whose expiry has passed.
func (s *AuthorizationCodeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at <= ?`, timeToDB(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired codes: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// scanAuthorizationCode scans an authorization code row.
func scanAuthorizationCode(sc scanner) (*storage.AuthorizationCode, error) {
	var (
		code      storage.AuthorizationCode
		authTime  string
		expiresAt string
		createdAt string
	)

	err := sc.Scan(
		&code.ID, &code.CodeHash, &code.UserID, &code.ClientID,
		&code.RedirectURI, &code.Scope, &code.CodeChallenge,
		&code.CodeChallengeMethod, &code.Nonce, &authTime, &code.Used,
		&expiresAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning authorization code row: %w", err)
	}

	if code.AuthTime, err = timeFromDB(authTime); err != nil {
		return nil, fmt.Errorf("parsing auth_time: %w", err)
	}
	if code.ExpiresAt, err = timeFromDB(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if code.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &code, nil
}
