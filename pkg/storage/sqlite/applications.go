package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uniauth/uniauth/pkg/storage"
)

// ApplicationStore implements storage.ApplicationStore using SQLite.
type ApplicationStore struct {
	db *sql.DB
}

var _ storage.ApplicationStore = (*ApplicationStore)(nil)

// appColumns is the SELECT column list shared by every application query.
const appColumns = `id, client_id, client_secret_hash, name, app_type, is_trusted,
	active, redirect_uris, grant_types, owner_user_id, custom_claims, branding,
	created_at, updated_at`

// Create stores a new application.
func (s *ApplicationStore) Create(ctx context.Context, app *storage.Application) error {
	urisJSON, err := encodeStrings(app.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect URIs: %w", err)
	}
	grantsJSON, err := encodeStrings(app.GrantTypes)
	if err != nil {
		return fmt.Errorf("encoding grant types: %w", err)
	}
	claimsJSON, err := encodeMap(app.CustomClaims)
	if err != nil {
		return fmt.Errorf("encoding custom claims: %w", err)
	}
	brandingJSON, err := encodeMap(app.Branding)
	if err != nil {
		return fmt.Errorf("encoding branding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (
			id, client_id, client_secret_hash, name, app_type, is_trusted,
			active, redirect_uris, grant_types, owner_user_id, custom_claims,
			branding, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID,
		app.ClientID,
		app.ClientSecretHash,
		app.Name,
		string(app.Type),
		app.IsTrusted,
		app.Active,
		urisJSON,
		grantsJSON,
		nullString(app.OwnerUserID),
		claimsJSON,
		brandingJSON,
		timeToDB(app.CreatedAt),
		timeToDB(app.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting application: %w", err)
	}

	return nil
}

// GetByClientID retrieves an application by its public client identifier.
func (s *ApplicationStore) GetByClientID(ctx context.Context, clientID string) (*storage.Application, error) {
	return retryRead(ctx, func() (*storage.Application, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+appColumns+` FROM applications WHERE client_id = ?`, clientID)
		return scanApplication(row)
	})
}

// ListByOwner returns all applications owned by a user, oldest first.
func (s *ApplicationStore) ListByOwner(ctx context.Context, ownerUserID string) ([]*storage.Application, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE owner_user_id = ? ORDER BY created_at`,
		ownerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying applications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var apps []*storage.Application
	for rows.Next() {
		app, scanErr := scanApplication(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating application rows: %w", err)
	}

	return apps, nil
}

// Update persists all mutable application fields.
func (s *ApplicationStore) Update(ctx context.Context, app *storage.Application) error {
	urisJSON, err := encodeStrings(app.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect URIs: %w", err)
	}
	grantsJSON, err := encodeStrings(app.GrantTypes)
	if err != nil {
		return fmt.Errorf("encoding grant types: %w", err)
	}
	claimsJSON, err := encodeMap(app.CustomClaims)
	if err != nil {
		return fmt.Errorf("encoding custom claims: %w", err)
	}
	brandingJSON, err := encodeMap(app.Branding)
	if err != nil {
		return fmt.Errorf("encoding branding: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE applications SET
			client_secret_hash = ?, name = ?, app_type = ?, is_trusted = ?,
			active = ?, redirect_uris = ?, grant_types = ?, custom_claims = ?,
			branding = ?, updated_at = ?
		WHERE client_id = ?`,
		app.ClientSecretHash,
		app.Name,
		string(app.Type),
		app.IsTrusted,
		app.Active,
		urisJSON,
		grantsJSON,
		claimsJSON,
		brandingJSON,
		timeToDB(app.UpdatedAt),
		app.ClientID,
	)
	if err != nil {
		return fmt.Errorf("updating application: %w", err)
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

// Delete removes an application. Webhooks and scope grants cascade.
func (s *ApplicationStore) Delete(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM applications WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("deleting application: %w", err)
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

// GrantScopes replaces the set of scopes an application may request.
func (s *ApplicationStore) GrantScopes(ctx context.Context, appID string, scopes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM app_scopes WHERE app_id = ?`, appID); err != nil {
		return fmt.Errorf("clearing scope grants: %w", err)
	}

	for _, name := range scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_scopes (app_id, scope_name) VALUES (?, ?)`,
			appID, name,
		); err != nil {
			return fmt.Errorf("granting scope %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// ListScopes returns the scopes granted to an application.
func (s *ApplicationStore) ListScopes(ctx context.Context, appID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_name FROM app_scopes WHERE app_id = ? ORDER BY scope_name`,
		appID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying scope grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning scope grant: %w", err)
		}
		scopes = append(scopes, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scope grant rows: %w", err)
	}

	return scopes, nil
}

// scanApplication scans an application row.
func scanApplication(sc scanner) (*storage.Application, error) {
	var (
		app          storage.Application
		appType      string
		urisJSON     string
		grantsJSON   string
		owner        sql.NullString
		claimsJSON   string
		brandingJSON string
		createdAt    string
		updatedAt    string
	)

	err := sc.Scan(
		&app.ID, &app.ClientID, &app.ClientSecretHash, &app.Name, &appType,
		&app.IsTrusted, &app.Active, &urisJSON, &grantsJSON, &owner,
		&claimsJSON, &brandingJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning application row: %w", err)
	}

	app.Type = storage.AppType(appType)
	app.OwnerUserID = owner.String

	if app.RedirectURIs, err = decodeStrings(urisJSON); err != nil {
		return nil, fmt.Errorf("decoding redirect URIs: %w", err)
	}
	if app.GrantTypes, err = decodeStrings(grantsJSON); err != nil {
		return nil, fmt.Errorf("decoding grant types: %w", err)
	}
	if app.CustomClaims, err = decodeMap(claimsJSON); err != nil {
		return nil, fmt.Errorf("decoding custom claims: %w", err)
	}
	if app.Branding, err = decodeMap(brandingJSON); err != nil {
		return nil, fmt.Errorf("decoding branding: %w", err)
	}
	if app.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if app.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &app, nil
}
