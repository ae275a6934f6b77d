// Package sdk lets Go resource servers accept uniauth access tokens.
// Tokens are verified locally against the issuer's JWKS; validated claims
// are cached per token so hot paths skip signature checks.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/uniauth/uniauth/pkg/networking"
)

// Common errors.
var (
	ErrNoToken                 = errors.New("no token provided")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrInvalidIssuer           = errors.New("invalid issuer")
	ErrInvalidAudience         = errors.New("invalid audience")
	ErrMissingIssuerAndJWKSURL = errors.New("either issuer or JWKS URL must be provided")
)

// registrationTimeout bounds the first JWKS fetch.
const registrationTimeout = 5 * time.Second

// Config configures a Validator.
type Config struct {
	// Issuer is the uniauth issuer URL. When JWKSURL is empty the key set
	// location is discovered from its openid-configuration document.
	Issuer string

	// Audience, when set, must appear in the token's aud claim.
	Audience string

	// JWKSURL overrides discovery.
	JWKSURL string

	// CACertPath is a CA certificate bundle for the JWKS endpoint.
	CACertPath string

	// AllowPrivateIP permits discovery and JWKS endpoints on private
	// addresses. Development and test use only.
	AllowPrivateIP bool
}

// Validator verifies asymmetrically signed access tokens against the
// issuer's JWKS.
type Validator struct {
	issuer   string
	audience string
	jwksURL  string

	keys   *jwk.Cache
	client *http.Client
	cache  *claimsCache
	now    func() time.Time

	// Lazy JWKS registration: the first validation registers the URL with
	// the cache, so a validator can be constructed while the issuer is
	// still coming up.
	registrationMu  sync.Mutex
	registered      bool
	registrationErr error
}

// discoveryDocument is the subset of the openid-configuration response the
// SDK reads.
type discoveryDocument struct {
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// NewValidator builds a validator for the given issuer. When cfg.JWKSURL is
// empty the key set location is discovered once, at construction.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	client, err := networking.NewHTTPClientBuilder().
		WithTimeout(networking.HTTPTimeout).
		WithCABundle(cfg.CACertPath).
		WithPrivateIPs(cfg.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		if cfg.Issuer == "" {
			return nil, ErrMissingIssuerAndJWKSURL
		}
		result, err := networking.FetchJSON[discoveryDocument](ctx, client,
			strings.TrimSuffix(cfg.Issuer, "/")+"/.well-known/openid-configuration")
		if err != nil {
			return nil, fmt.Errorf("discovering jwks_uri: %w", err)
		}
		jwksURL = result.Data.JWKSURI
	}
	if jwksURL == "" {
		return nil, fmt.Errorf("issuer %s: discovery document has no jwks_uri", cfg.Issuer)
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(client))
	keys, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS cache: %w", err)
	}

	return &Validator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  jwksURL,
		keys:     keys,
		client:   client,
		cache:    newClaimsCache(),
		now:      time.Now,
	}, nil
}

// JWKSURL returns the key set URL the validator fetches from.
func (v *Validator) JWKSURL() string {
	return v.jwksURL
}

// ensureRegistered registers the JWKS URL with the cache exactly once. The
// outcome, success or failure, is remembered.
func (v *Validator) ensureRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return v.registrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	if err := v.keys.Register(registrationCtx, v.jwksURL); err != nil {
		v.registrationErr = fmt.Errorf("registering JWKS URL: %w", err)
	} else {
		v.registrationErr = nil
	}
	v.registered = true
	return v.registrationErr
}

// keyFor resolves the verification key for one token from the cached JWKS.
func (v *Validator) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	// Only asymmetric methods: a token claiming HS* could otherwise be
	// forged with the public JWKS material.
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.keys.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("looking up JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("exporting verification key: %w", err)
	}
	return raw, nil
}

// ValidateToken verifies a raw access token and returns its claims. Results
// are cached per token until min(exp, now+60s), so repeated presentations
// of the same token skip signature verification.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	now := v.now()
	if claims, ok := v.cache.get(tokenString, now); ok {
		return claims, nil
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if err := v.checkClaims(mapClaims, now); err != nil {
		return nil, err
	}

	claims := newClaims(mapClaims)
	v.cache.put(tokenString, claims, now)
	return claims, nil
}

// checkClaims applies the issuer, audience, and expiry checks.
func (v *Validator) checkClaims(claims jwt.MapClaims, now time.Time) error {
	if v.issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(issuer) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil || expiry.Before(now) {
		return ErrTokenExpired
	}
	return nil
}
