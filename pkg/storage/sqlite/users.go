package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uniauth/uniauth/pkg/storage"
)

// UserStore implements storage.UserStore using SQLite.
type UserStore struct {
	db *sql.DB
}

var _ storage.UserStore = (*UserStore)(nil)

// userColumns is the SELECT column list shared by every user query.
const userColumns = `id, phone, email, password_hash, phone_verified, email_verified,
	status, nickname, avatar_url, mfa_enabled, mfa_secret, mfa_recovery_codes,
	created_at, updated_at`

// Create stores a new user.
func (s *UserStore) Create(ctx context.Context, user *storage.User) error {
	recoveryJSON, err := encodeStrings(user.MFARecoveryCodes)
	if err != nil {
		return fmt.Errorf("encoding recovery codes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (
			id, phone, email, password_hash, phone_verified, email_verified,
			status, nickname, avatar_url, mfa_enabled, mfa_secret,
			mfa_recovery_codes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		nullString(user.Phone),
		nullString(user.Email),
		user.PasswordHash,
		user.PhoneVerified,
		user.EmailVerified,
		string(user.Status),
		user.Nickname,
		user.AvatarURL,
		user.MFAEnabled,
		user.MFASecret,
		recoveryJSON,
		timeToDB(user.CreatedAt),
		timeToDB(user.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by its stable identifier.
func (s *UserStore) GetByID(ctx context.Context, id string) (*storage.User, error) {
	return retryRead(ctx, func() (*storage.User, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
		return scanUser(row)
	})
}

// GetByPhone retrieves a user by phone number.
func (s *UserStore) GetByPhone(ctx context.Context, phone string) (*storage.User, error) {
	return retryRead(ctx, func() (*storage.User, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE phone = ?`, phone)
		return scanUser(row)
	})
}

// GetByEmail retrieves a user by email address.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*storage.User, error) {
	return retryRead(ctx, func() (*storage.User, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
		return scanUser(row)
	})
}

// Update persists all mutable user fields.
func (s *UserStore) Update(ctx context.Context, user *storage.User) error {
	recoveryJSON, err := encodeStrings(user.MFARecoveryCodes)
	if err != nil {
		return fmt.Errorf("encoding recovery codes: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			phone = ?, email = ?, password_hash = ?, phone_verified = ?,
			email_verified = ?, status = ?, nickname = ?, avatar_url = ?,
			mfa_enabled = ?, mfa_secret = ?, mfa_recovery_codes = ?,
			updated_at = ?
		WHERE id = ?`,
		nullString(user.Phone),
		nullString(user.Email),
		user.PasswordHash,
		user.PhoneVerified,
		user.EmailVerified,
		string(user.Status),
		user.Nickname,
		user.AvatarURL,
		user.MFAEnabled,
		user.MFASecret,
		recoveryJSON,
		timeToDB(user.UpdatedAt),
		user.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("updating user: %w", err)
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

// Delete removes a user. Foreign keys cascade to tokens, sessions, codes,
// applications, and social bindings. Audit entries survive.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
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

// scanUser scans a user row.
func scanUser(sc scanner) (*storage.User, error) {
	var (
		user         storage.User
		phone        sql.NullString
		email        sql.NullString
		status       string
		recoveryJSON string
		createdAt    string
		updatedAt    string
	)

	err := sc.Scan(
		&user.ID, &phone, &email, &user.PasswordHash, &user.PhoneVerified,
		&user.EmailVerified, &status, &user.Nickname, &user.AvatarURL,
		&user.MFAEnabled, &user.MFASecret, &recoveryJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning user row: %w", err)
	}

	user.Phone = phone.String
	user.Email = email.String
	user.Status = storage.UserStatus(status)

	if user.MFARecoveryCodes, err = decodeStrings(recoveryJSON); err != nil {
		return nil, fmt.Errorf("decoding recovery codes: %w", err)
	}
	if user.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if user.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &user, nil
}
