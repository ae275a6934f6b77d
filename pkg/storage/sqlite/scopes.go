package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uniauth/uniauth/pkg/storage"
)

// ScopeStore implements storage.ScopeStore using SQLite.
type ScopeStore struct {
	db *sql.DB
}

var _ storage.ScopeStore = (*ScopeStore)(nil)

// Ensure creates the scope if it does not exist. Existing descriptions are
// left alone so operator edits survive reseeding.
func (s *ScopeStore) Ensure(ctx context.Context, scope *storage.Scope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scopes (name, description, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`,
		scope.Name,
		scope.Description,
		timeToDB(scope.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("ensuring scope: %w", err)
	}

	return nil
}

// List returns all registered scopes, alphabetically.
func (s *ScopeStore) List(ctx context.Context) ([]*storage.Scope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, created_at FROM scopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []*storage.Scope
	for rows.Next() {
		scope, scanErr := scanScope(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scope rows: %w", err)
	}

	return scopes, nil
}

// scanScope scans a scope row.
func scanScope(sc scanner) (*storage.Scope, error) {
	var (
		scope     storage.Scope
		createdAt string
	)

	if err := sc.Scan(&scope.Name, &scope.Description, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning scope row: %w", err)
	}

	var err error
	if scope.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &scope, nil
}
