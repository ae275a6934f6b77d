package session

import (
	"context"
	"time"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/storage"
)

// DefaultSweepInterval is how often the sweeper deletes expired rows.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired sessions, verification codes,
// authorization codes and refresh tokens. Expired rows are already treated
// as dead by every read path; the sweeper just keeps the tables small.
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper returns a Sweeper over the given store. A non-positive
// interval falls back to DefaultSweepInterval.
func NewSweeper(store storage.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled. It always returns nil after cancellation so it can run under
// an errgroup without tearing down its siblings.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.now().UTC()
	total := int64(0)

	targets := []struct {
		name   string
		delete func(context.Context, time.Time) (int64, error)
	}{
		{"sso_sessions", s.store.Sessions().DeleteExpired},
		{"verification_codes", s.store.VerificationCodes().DeleteExpired},
		{"authorization_codes", s.store.AuthorizationCodes().DeleteExpired},
		{"refresh_tokens", s.store.RefreshTokens().DeleteExpired},
	}
	for _, target := range targets {
		deleted, err := target.delete(ctx, now)
		if err != nil {
			logger.Warnw("failed to sweep expired rows", "table", target.name, "error", err)
			continue
		}
		total += deleted
	}

	if total > 0 {
		logger.Debugw("swept expired rows", "deleted", total)
	}
}
