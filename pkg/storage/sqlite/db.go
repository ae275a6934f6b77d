// Package sqlite implements the storage interfaces on SQLite using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/uniauth/uniauth/pkg/storage"
)

const (
	// busyTimeout is how long a statement waits on a locked database
	// before failing with SQLITE_BUSY.
	busyTimeout = 10 * time.Second

	// readRetryInitialInterval is the base backoff for transient read retries.
	readRetryInitialInterval = 100 * time.Millisecond

	// readRetryMaxAttempts caps transient read retries. Writes are never
	// auto-retried.
	readRetryMaxAttempts = 3
)

// Config holds the SQLite connection settings.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database.
	Path string
}

// DB wraps the SQLite connection. The connection pool is limited to a single
// connection: SQLite serializes writers anyway, and a single connection makes
// transaction semantics predictable for the stores built on top.
type DB struct {
	db   *sql.DB
	path string
}

// New opens the database, applies pragmas, and runs pending migrations.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: see the DB doc comment.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, path: cfg.Path}, nil
}

// dsn builds the modernc driver DSN with the pragmas every connection needs.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// DB exposes the raw connection for the stores in this package.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// isTransient reports whether the error is a lock-contention failure worth
// retrying. Constraint and logic errors are never transient.
func isTransient(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED
	}
	return false
}

// retryRead runs an idempotent read, retrying transient failures with
// exponential backoff. Writes must not go through this helper.
func retryRead[T any](ctx context.Context, op func() (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = readRetryInitialInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(readRetryMaxAttempts))
}

// timeToDB formats a timestamp for storage.
func timeToDB(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timeFromDB parses a stored timestamp.
func timeFromDB(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullTimeToDB formats an optional timestamp.
func nullTimeToDB(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToDB(*t), Valid: true}
}

// nullTimeFromDB parses an optional stored timestamp.
func nullTimeFromDB(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := timeFromDB(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Store implements storage.Store on a single SQLite database.
type Store struct {
	wrapper *DB

	users      *UserStore
	apps       *ApplicationStore
	codes      *VerificationCodeStore
	refresh    *RefreshTokenStore
	authCodes  *AuthorizationCodeStore
	sessions   *SessionStore
	social     *OAuthAccountStore
	webhooks   *WebhookStore
	deliveries *DeliveryStore
	audit      *AuditStore
	scopes     *ScopeStore
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the database and wires every aggregate store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	wrapper, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newStoreWithDB(wrapper), nil
}

func newStoreWithDB(wrapper *DB) *Store {
	db := wrapper.DB()
	return &Store{
		wrapper:    wrapper,
		users:      &UserStore{db: db},
		apps:       &ApplicationStore{db: db},
		codes:      &VerificationCodeStore{db: db},
		refresh:    &RefreshTokenStore{db: db},
		authCodes:  &AuthorizationCodeStore{db: db},
		sessions:   &SessionStore{db: db},
		social:     &OAuthAccountStore{db: db},
		webhooks:   &WebhookStore{db: db},
		deliveries: &DeliveryStore{db: db},
		audit:      &AuditStore{db: db},
		scopes:     &ScopeStore{db: db},
	}
}

// Users returns the user store.
func (s *Store) Users() storage.UserStore { return s.users }

// Applications returns the application store.
func (s *Store) Applications() storage.ApplicationStore { return s.apps }

// VerificationCodes returns the verification code store.
func (s *Store) VerificationCodes() storage.VerificationCodeStore { return s.codes }

// RefreshTokens returns the refresh token store.
func (s *Store) RefreshTokens() storage.RefreshTokenStore { return s.refresh }

// AuthorizationCodes returns the authorization code store.
func (s *Store) AuthorizationCodes() storage.AuthorizationCodeStore { return s.authCodes }

// Sessions returns the SSO session store.
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

// OAuthAccounts returns the social binding store.
func (s *Store) OAuthAccounts() storage.OAuthAccountStore { return s.social }

// Webhooks returns the webhook store.
func (s *Store) Webhooks() storage.WebhookStore { return s.webhooks }

// Deliveries returns the webhook delivery store.
func (s *Store) Deliveries() storage.DeliveryStore { return s.deliveries }

// Audit returns the audit store.
func (s *Store) Audit() storage.AuditStore { return s.audit }

// Scopes returns the scope store.
func (s *Store) Scopes() storage.ScopeStore { return s.scopes }

// Ping verifies the underlying connection is alive.
func (s *Store) Ping(ctx context.Context) error { return s.wrapper.Ping(ctx) }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.wrapper.Close() }
