package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uniauth/uniauth/pkg/storage"
)

// VerificationCodeStore implements storage.VerificationCodeStore using SQLite.
type VerificationCodeStore struct {
	db *sql.DB
}

var _ storage.VerificationCodeStore = (*VerificationCodeStore)(nil)

// codeColumns is the SELECT column list shared by every code query.
const codeColumns = `id, target, code_hash, code_type, expires_at, attempts, used, created_at`

// Create stores a new code row. Prior unused rows for the same target and
// type are invalidated in the same transaction, so at most one code is ever
// live per (target, type).
func (s *VerificationCodeStore) Create(ctx context.Context, code *storage.VerificationCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`UPDATE verification_codes SET used = 1 WHERE target = ? AND code_type = ? AND used = 0`,
		code.Target, string(code.Type),
	); err != nil {
		return fmt.Errorf("invalidating prior codes: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO verification_codes (
			target, code_hash, code_type, expires_at, attempts, used, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code.Target,
		code.CodeHash,
		string(code.Type),
		timeToDB(code.ExpiresAt),
		code.Attempts,
		code.Used,
		timeToDB(code.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting verification code: %w", err)
	}

	if code.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("getting code id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// LatestUnused returns the newest unused code for (target, type) regardless
// of expiry.
func (s *VerificationCodeStore) LatestUnused(
	ctx context.Context, target string, typ storage.VerificationCodeType,
) (*storage.VerificationCode, error) {
	return retryRead(ctx, func() (*storage.VerificationCode, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+codeColumns+` FROM verification_codes
			 WHERE target = ? AND code_type = ? AND used = 0
			 ORDER BY id DESC LIMIT 1`,
			target, string(typ),
		)
		return scanVerificationCode(row)
	})
}

// Consume applies one verification attempt against the newest unused code
// for (target, type). The whole attempt runs in a single transaction: a
// match marks the row used, a mismatch advances the attempt counter, and
// reaching maxAttempts burns the row so it can never match again.
func (s *VerificationCodeStore) Consume(
	ctx context.Context,
	target string,
	typ storage.VerificationCodeType,
	codeHash string,
	maxAttempts int,
) (*storage.CodeConsumeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM verification_codes
		 WHERE target = ? AND code_type = ? AND used = 0
		 ORDER BY id DESC LIMIT 1`,
		target, string(typ),
	)
	code, err := scanVerificationCode(row)
	if err != nil {
		return nil, err
	}

	if !code.ExpiresAt.After(time.Now().UTC()) {
		// Expired rows are dead already; counting attempts against them
		// would only leak state. The sweeper removes them later.
		return &storage.CodeConsumeResult{
			Outcome:  storage.CodeExpired,
			Attempts: code.Attempts,
		}, nil
	}

	attempts := code.Attempts + 1
	result := &storage.CodeConsumeResult{Attempts: attempts}

	switch {
	case code.CodeHash == codeHash:
		result.Outcome = storage.CodeMatched
		_, err = tx.ExecContext(ctx,
			`UPDATE verification_codes SET used = 1, attempts = ? WHERE id = ?`,
			attempts, code.ID,
		)
	case attempts >= maxAttempts:
		result.Outcome = storage.CodeExhausted
		_, err = tx.ExecContext(ctx,
			`UPDATE verification_codes SET used = 1, attempts = ? WHERE id = ?`,
			attempts, code.ID,
		)
	default:
		result.Outcome = storage.CodeMismatched
		_, err = tx.ExecContext(ctx,
			`UPDATE verification_codes SET attempts = ? WHERE id = ?`,
			attempts, code.ID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("recording attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}

// DeleteExpired removes rows whose expiry has passed.
func (s *VerificationCodeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM verification_codes WHERE expires_at <= ?`, timeToDB(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired codes: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// scanVerificationCode scans a verification code row.
func scanVerificationCode(sc scanner) (*storage.VerificationCode, error) {
	var (
		code      storage.VerificationCode
		codeType  string
		expiresAt string
		createdAt string
	)

	err := sc.Scan(
		&code.ID, &code.Target, &code.CodeHash, &codeType, &expiresAt,
		&code.Attempts, &code.Used, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning verification code row: %w", err)
	}

	code.Type = storage.VerificationCodeType(codeType)

	if code.ExpiresAt, err = timeFromDB(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if code.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &code, nil
}
