package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/uniauth/uniauth/pkg/crypto"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/storage"
)

// Bootstrap is the optional YAML seed file. Everything in it is
// create-if-absent: rows that already exist are never touched, so the file
// can stay in place across restarts.
type Bootstrap struct {
	Scopes []ScopeSeed `yaml:"scopes"`
	Apps   []AppSeed   `yaml:"apps"`
}

// ScopeSeed registers one scope.
type ScopeSeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// AppSeed registers one application. ClientSecret is the raw secret for
// confidential first-party apps; only its hash is stored.
type AppSeed struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Trusted      bool     `yaml:"trusted"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
}

// LoadBootstrap parses a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing bootstrap file %s: %w", path, err)
	}
	return &b, nil
}

// defaultScopes are always registered, with or without a bootstrap file,
// because discovery metadata and the consent surface advertise them.
var defaultScopes = []ScopeSeed{
	{Name: oauth.ScopeOpenID, Description: "Issue an OpenID Connect ID token"},
	{Name: oauth.ScopeProfile, Description: "Read nickname and avatar"},
	{Name: oauth.ScopeEmail, Description: "Read email address and verification state"},
	{Name: oauth.ScopePhone, Description: "Read phone number and verification state"},
	{Name: oauth.ScopeOfflineAccess, Description: "Keep access after the browser session ends"},
	{Name: "read:users", Description: "Read user records (machine-to-machine)"},
}

// Seed registers the default scopes plus everything in the bootstrap file.
// The bootstrap may be nil.
func Seed(ctx context.Context, store storage.Store, b *Bootstrap) error {
	now := time.Now().UTC()

	scopes := defaultScopes
	if b != nil {
		scopes = append(scopes, b.Scopes...)
	}
	for _, s := range scopes {
		if s.Name == "" {
			return errors.New("bootstrap scope without a name")
		}
		err := store.Scopes().Ensure(ctx, &storage.Scope{
			Name:        s.Name,
			Description: s.Description,
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("seeding scope %s: %w", s.Name, err)
		}
	}

	if b == nil {
		return nil
	}

	for _, seed := range b.Apps {
		if err := seedApp(ctx, store, seed, now); err != nil {
			return err
		}
	}
	return nil
}

func seedApp(ctx context.Context, store storage.Store, seed AppSeed, now time.Time) error {
	if seed.ClientID == "" || seed.Name == "" {
		return errors.New("bootstrap app needs client_id and name")
	}

	_, err := store.Applications().GetByClientID(ctx, seed.ClientID)
	if err == nil {
		logger.Debugw("bootstrap app already exists, skipping", "client_id", seed.ClientID)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("looking up bootstrap app %s: %w", seed.ClientID, err)
	}

	appType := storage.AppType(seed.Type)
	switch appType {
	case storage.AppTypeWeb, storage.AppTypeSPA, storage.AppTypeNative, storage.AppTypeM2M:
	default:
		return fmt.Errorf("bootstrap app %s: unknown type %q", seed.ClientID, seed.Type)
	}

	var secretHash string
	if seed.ClientSecret != "" {
		secretHash = crypto.HashToken(seed.ClientSecret)
	}

	app := &storage.Application{
		ID:               uuid.NewString(),
		ClientID:         seed.ClientID,
		ClientSecretHash: secretHash,
		Name:             seed.Name,
		Type:             appType,
		IsTrusted:        seed.Trusted,
		Active:           true,
		RedirectURIs:     seed.RedirectURIs,
		GrantTypes:       seed.GrantTypes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.Applications().Create(ctx, app); err != nil {
		return fmt.Errorf("creating bootstrap app %s: %w", seed.ClientID, err)
	}

	if len(seed.Scopes) > 0 {
		if err := store.Applications().GrantScopes(ctx, app.ID, seed.Scopes); err != nil {
			return fmt.Errorf("granting scopes to bootstrap app %s: %w", seed.ClientID, err)
		}
	}

	logger.Infow("seeded bootstrap app", "client_id", seed.ClientID, "type", seed.Type)
	return nil
}
