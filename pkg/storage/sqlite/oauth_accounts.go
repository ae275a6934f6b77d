package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uniauth/uniauth/pkg/storage"
)

// OAuthAccountStore implements storage.OAuthAccountStore using SQLite.
type OAuthAccountStore struct {
	db *sql.DB
}

var _ storage.OAuthAccountStore = (*OAuthAccountStore)(nil)

// oauthAccountColumns is the SELECT column list shared by every binding query.
const oauthAccountColumns = `id, user_id, provider, provider_user_id, email,
	name, avatar_url, created_at`

// Create stores a new social binding.
func (s *OAuthAccountStore) Create(ctx context.Context, account *storage.OAuthAccount) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_accounts (
			user_id, provider, provider_user_id, email, name, avatar_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.UserID,
		account.Provider,
		account.ProviderUserID,
		account.Email,
		account.Name,
		account.AvatarURL,
		timeToDB(account.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting oauth account: %w", err)
	}

	if account.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("getting account id: %w", err)
	}

	return nil
}

// GetByProviderUserID retrieves a binding by (provider, provider user id).
func (s *OAuthAccountStore) GetByProviderUserID(
	ctx context.Context, provider, providerUserID string,
) (*storage.OAuthAccount, error) {
	return retryRead(ctx, func() (*storage.OAuthAccount, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+oauthAccountColumns+` FROM oauth_accounts
			 WHERE provider = ? AND provider_user_id = ?`,
			provider, providerUserID,
		)
		return scanOAuthAccount(row)
	})
}

// ListByUser returns all bindings for a user, oldest first.
func (s *OAuthAccountStore) ListByUser(ctx context.Context, userID string) ([]*storage.OAuthAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+oauthAccountColumns+` FROM oauth_accounts
		 WHERE user_id = ? ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying oauth accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*storage.OAuthAccount
	for rows.Next() {
		account, scanErr := scanOAuthAccount(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating oauth account rows: %w", err)
	}

	return accounts, nil
}

// DeleteByUserProvider removes a user's binding for one provider.
func (s *OAuthAccountStore) DeleteByUserProvider(ctx context.Context, userID, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_accounts WHERE user_id = ? AND provider = ?`,
		userID, provider,
	)
	if err != nil {
		return fmt.Errorf("deleting oauth account: %w", err)
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

// scanOAuthAccount scans a social binding row.
func scanOAuthAccount(sc scanner) (*storage.OAuthAccount, error) {
	var (
		account   storage.OAuthAccount
		createdAt string
	)

	err := sc.Scan(
		&account.ID, &account.UserID, &account.Provider,
		&account.ProviderUserID, &account.Email, &account.Name,
		&account.AvatarURL, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning oauth account row: %w", err)
	}

	if account.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &account, nil
}
