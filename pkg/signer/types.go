package signer

import (
	"context"
	"crypto"
	"time"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=types.go KeyProvider

// DefaultAlgorithm is the signing algorithm for generated keys. Access and
// ID tokens are RS256 so resource servers can verify offline from the JWKS
// without negotiating curve support.
const DefaultAlgorithm = "RS256"

// KeyProvider supplies the signing key set. The signing key is the head of
// an ordered list; recent keys stay available for verification until they
// are retired.
type KeyProvider interface {
	// SigningKey returns the current signing key.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all verification keys for the JWKS endpoint.
	// Returns multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// SigningKeyData is a signing key with its metadata. It carries private key
// material and must not be exposed outside the process.
type SigningKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the JWS algorithm the key signs with (e.g. "RS256").
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// PublicKeyData is the public half of a signing key, safe to expose via the
// JWKS endpoint.
type PublicKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the JWS algorithm (e.g. "RS256").
	Algorithm string

	// PublicKey is the public key for verification.
	PublicKey crypto.PublicKey

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// public derives the JWKS view of a signing key.
func (k *SigningKeyData) public() *PublicKeyData {
	return &PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}

// clone returns a copy so callers cannot mutate provider state.
func (k *SigningKeyData) clone() *SigningKeyData {
	return &SigningKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Key:       k.Key,
		CreatedAt: k.CreatedAt,
	}
}
