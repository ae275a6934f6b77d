package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/storage/sqlite"
)

const testClientID = "app_web_dashboard"

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.NewStore(context.Background(), sqlite.Config{
		Path: filepath.Join(t.TempDir(), "sessions.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUser(t *testing.T, store storage.Store) string {
	t.Helper()
	user := &storage.User{
		ID:        uuid.NewString(),
		Email:     uuid.NewString()[:8] + "@example.com",
		Status:    storage.UserStatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Users().Create(context.Background(), user))
	return user.ID
}

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewManager(store.Sessions()), store
}

func TestCreateAndResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)

	created, rawToken, err := m.Create(ctx, CreateParams{
		UserID:    userID,
		ClientID:  testClientID,
		IP:        "203.0.113.9",
		UserAgent: "test-agent/1.0",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rawToken)
	assert.Equal(t, crypto.HashToken(rawToken), created.TokenHash)
	assert.Equal(t, []string{testClientID}, created.Apps)
	assert.WithinDuration(t, created.CreatedAt.Add(DefaultTTL), created.ExpiresAt, time.Second)

	resolved, err := m.Resolve(ctx, rawToken)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, created.ID, resolved.ID)
	assert.Equal(t, userID, resolved.UserID)
	assert.Equal(t, "203.0.113.9", resolved.IP)
	assert.Equal(t, "test-agent/1.0", resolved.UserAgent)
}

func TestCreateRememberMe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)

	session, _, err := m.Create(ctx, CreateParams{UserID: userID, RememberMe: true})
	require.NoError(t, err)
	assert.True(t, session.RememberMe)
	assert.WithinDuration(t, session.CreatedAt.Add(RememberMeTTL), session.ExpiresAt, time.Second)
	assert.Nil(t, session.Apps)
}

func TestCreateRequiresUser(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	_, _, err := m.Create(context.Background(), CreateParams{})
	require.Error(t, err)
	assert.True(t, uaerrors.IsInvalidRequest(err))
}

func TestResolveEmptyToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	session, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestResolveUnknownToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	session, err := m.Resolve(context.Background(), "not-a-real-session-token")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestResolveExpiredDeletesSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)

	// Mint a session whose entire lifetime is already in the past.
	m.now = func() time.Time { return time.Now().Add(-DefaultTTL - time.Hour) }
	created, rawToken, err := m.Create(ctx, CreateParams{UserID: userID})
	require.NoError(t, err)
	m.now = time.Now

	session, err := m.Resolve(ctx, rawToken)
	require.NoError(t, err)
	assert.Nil(t, session)

	_, err = store.Sessions().GetByID(ctx, created.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestResolveAdvancesLastActivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	created, rawToken, err := m.Create(ctx, CreateParams{UserID: userID})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	resolved, err := m.Resolve(ctx, rawToken)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, base.Add(2*time.Hour), resolved.LastActivity)

	stored, err := store.Sessions().GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Hour), stored.LastActivity.UTC())
}

func TestJoinIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)

	created, _, err := m.Create(ctx, CreateParams{UserID: userID, ClientID: testClientID})
	require.NoError(t, err)

	require.NoError(t, m.Join(ctx, created.ID, testClientID))
	require.NoError(t, m.Join(ctx, created.ID, "app_mobile"))
	require.NoError(t, m.Join(ctx, created.ID, "app_mobile"))

	stored, err := store.Sessions().GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testClientID, "app_mobile"}, stored.Apps)
}

func TestJoinRequiresClient(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	err := m.Join(context.Background(), uuid.NewString(), "")
	require.Error(t, err)
	assert.True(t, uaerrors.IsInvalidRequest(err))
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)

	created, rawToken, err := m.Create(ctx, CreateParams{UserID: userID})
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, created.ID))

	session, err := m.Resolve(ctx, rawToken)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)
	otherUserID := seedUser(t, store)

	_, _, err := m.Create(ctx, CreateParams{UserID: userID})
	require.NoError(t, err)
	_, _, err = m.Create(ctx, CreateParams{UserID: userID, RememberMe: true})
	require.NoError(t, err)
	_, otherToken, err := m.Create(ctx, CreateParams{UserID: otherUserID})
	require.NoError(t, err)

	count, err := m.LogoutAll(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	remaining, err := m.ListForUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// The other user's session is untouched.
	session, err := m.Resolve(ctx, otherToken)
	require.NoError(t, err)
	assert.NotNil(t, session)
}

func TestListForUserNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t)
	userID := seedUser(t, store)

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	first, _, err := m.Create(ctx, CreateParams{UserID: userID})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Minute) }
	second, _, err := m.Create(ctx, CreateParams{UserID: userID})
	require.NoError(t, err)

	sessions, err := m.ListForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
}
