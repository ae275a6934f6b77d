// Package oauth implements the OAuth 2.0 / OpenID Connect authorization
// server core: the authorize and token endpoints, introspection, revocation,
// userinfo, and provider metadata. The engine owns protocol semantics only;
// HTTP parsing and response rendering live in the api package.
package oauth

import (
	"net/url"
	"time"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/webhook"
)

// DefaultAuthCodeTTL bounds how long an authorization code may sit between
// the authorize redirect and its redemption at the token endpoint.
const DefaultAuthCodeTTL = 10 * time.Minute

const (
	defaultLoginURL = "/login"
	defaultBasePath = "/api/v1"
)

// EngineConfig carries the tunable parts of the engine. Zero values fall
// back to defaults.
type EngineConfig struct {
	// LoginURL is where an unauthenticated authorize request is sent. The
	// original OAuth query parameters are propagated so the login UI can
	// resume the flow.
	LoginURL string

	// BasePath is the route prefix the façade mounts the OAuth endpoints
	// under. Discovery metadata derives endpoint URLs from it.
	BasePath string

	// AuthCodeTTL is the authorization code lifetime.
	AuthCodeTTL time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.LoginURL == "" {
		c.LoginURL = defaultLoginURL
	}
	if c.BasePath == "" {
		c.BasePath = defaultBasePath
	}
	if c.AuthCodeTTL <= 0 {
		c.AuthCodeTTL = DefaultAuthCodeTTL
	}
	return c
}

// Engine is the authorization server. It validates clients, mints and
// redeems authorization codes, dispatches token grants, and answers
// introspection, revocation, userinfo, and discovery requests.
type Engine struct {
	users    storage.UserStore
	apps     storage.ApplicationStore
	codes    storage.AuthorizationCodeStore
	refresh  storage.RefreshTokenStore
	sessions *session.Manager
	issuer   *TokenIssuer
	recorder *audit.Recorder
	events   *webhook.Enqueuer

	loginURL    string
	basePath    string
	authCodeTTL time.Duration

	now func() time.Time
}

// NewEngine wires the engine against its collaborators. The recorder and
// events enqueuer may be nil; both are safe no-ops then.
func NewEngine(
	cfg EngineConfig,
	store storage.Store,
	issuer *TokenIssuer,
	sessions *session.Manager,
	recorder *audit.Recorder,
	events *webhook.Enqueuer,
) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		users:       store.Users(),
		apps:        store.Applications(),
		codes:       store.AuthorizationCodes(),
		refresh:     store.RefreshTokens(),
		sessions:    sessions,
		issuer:      issuer,
		recorder:    recorder,
		events:      events,
		loginURL:    cfg.LoginURL,
		basePath:    cfg.BasePath,
		authCodeTTL: cfg.AuthCodeTTL,
		now:         time.Now,
	}
}

// appendQuery merges key/value pairs into the query string of base,
// preserving any query the URL already carries. Pairs with empty values are
// skipped.
func appendQuery(base string, pairs ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	q := u.Query()
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			q.Set(pairs[i], pairs[i+1])
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
