package signer

import (
	"context"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
)

// verificationAlgorithms lists the JWS algorithms accepted when parsing
// tokens. Signing always uses the active key's algorithm; verification must
// cover every key type an operator-supplied PEM may carry.
var verificationAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.ES384, jose.ES512, jose.EdDSA,
}

// Claims is the verified claim set of a uniauth-issued token.
type Claims struct {
	Issuer          string
	Subject         string
	Audience        []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Scope           string
	AuthorizedParty string

	// Raw holds every claim in the token, including custom ones.
	Raw map[string]any
}

// StringClaim returns a custom claim as a string, or "" when absent or not
// a string.
func (c *Claims) StringClaim(name string) string {
	v, ok := c.Raw[name].(string)
	if !ok {
		return ""
	}
	return v
}

// Signer issues and verifies the JWTs uniauth hands out: access tokens,
// OIDC ID tokens, and short-lived MFA pending tokens. All signing goes
// through the active key of the KeyProvider; verification accepts any
// non-retired key.
type Signer struct {
	issuer string
	keys   KeyProvider
	now    func() time.Time
}

// New creates a Signer for the given issuer URL.
func New(issuer string, keys KeyProvider) *Signer {
	return &Signer{
		issuer: issuer,
		keys:   keys,
		now:    time.Now,
	}
}

// Issuer returns the iss value stamped into every token.
func (s *Signer) Issuer() string {
	return s.issuer
}

// Sign produces a compact JWS carrying the registered claims plus extra.
// The kid header names the signing key so verifiers can pick it out of the
// JWKS. Extra claims must not shadow the registered set; callers enforce
// that before handing custom claims in.
func (s *Signer) Sign(
	ctx context.Context,
	extra map[string]any,
	audience []string,
	subject string,
	ttl time.Duration,
) (string, error) {
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", uaerrors.NewInternalError("loading signing key", err)
	}

	// Wrapping the key in a JSONWebKey makes go-jose emit the kid header.
	joseSigner, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key: jose.JSONWebKey{
			Key:   key.Key,
			KeyID: key.KeyID,
		},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", uaerrors.NewInternalError("constructing signer", err)
	}

	now := s.now().UTC()
	registered := jwt.Claims{
		Issuer:   s.issuer,
		Subject:  subject,
		Audience: jwt.Audience(audience),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		ID:       uuid.NewString(),
	}

	builder := jwt.Signed(joseSigner).Claims(registered)
	if len(extra) > 0 {
		builder = builder.Claims(extra)
	}

	raw, err := builder.Serialize()
	if err != nil {
		return "", uaerrors.NewInternalError("signing token", err)
	}
	return raw, nil
}

// Verify checks the signature and registered claims of a uniauth token and
// returns its claims. Keys whose kid matches the token header are tried
// first; if none verifies, the remaining keys are tried so tokens signed
// just before a restart still validate. When expectedAudience is non-empty
// the aud claim must contain it.
func (s *Signer) Verify(ctx context.Context, rawToken, expectedAudience string) (*Claims, error) {
	tok, err := jwt.ParseSigned(rawToken, verificationAlgorithms)
	if err != nil {
		return nil, uaerrors.NewInvalidTokenError("malformed token", err)
	}

	keys, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return nil, uaerrors.NewInternalError("loading verification keys", err)
	}

	var kid string
	if len(tok.Headers) > 0 {
		kid = tok.Headers[0].KeyID
	}

	var registered jwt.Claims
	var raw map[string]any
	verified := false
	for _, pass := range []bool{true, false} {
		for _, key := range keys {
			if (key.KeyID == kid) != pass {
				continue
			}
			if err := tok.Claims(key.PublicKey, &registered, &raw); err == nil {
				verified = true
				break
			}
		}
		if verified {
			break
		}
	}
	if !verified {
		return nil, uaerrors.NewInvalidTokenError("signature verification failed", nil)
	}

	expected := jwt.Expected{
		Issuer: s.issuer,
		Time:   s.now(),
	}
	if expectedAudience != "" {
		expected.AnyAudience = jwt.Audience{expectedAudience}
	}
	if err := registered.Validate(expected); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, uaerrors.NewTokenExpiredError("token expired", err)
		}
		return nil, uaerrors.NewInvalidTokenError("claim validation failed", err)
	}

	claims := &Claims{
		Issuer:   registered.Issuer,
		Subject:  registered.Subject,
		Audience: registered.Audience,
		Raw:      raw,
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time()
	}
	if registered.Expiry != nil {
		claims.ExpiresAt = registered.Expiry.Time()
	}
	if scope, ok := raw["scope"].(string); ok {
		claims.Scope = scope
	}
	if azp, ok := raw["azp"].(string); ok {
		claims.AuthorizedParty = azp
	}
	return claims, nil
}

// PublicJWKS returns the public halves of every current key, signing key
// first. The set is rebuilt on each call so callers cannot mutate provider
// state through it.
func (s *Signer) PublicJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return nil, uaerrors.NewInternalError("loading public keys", err)
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, key := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.PublicKey,
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}
