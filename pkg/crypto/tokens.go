// Package crypto provides the credential primitives shared across uniauth:
// opaque token generation and hashing, verification codes, password hashing,
// and PKCE verification. Raw credentials leave this package exactly once;
// everything at rest is a hash.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	// AuthorizationCodeBytes is the entropy of an authorization code.
	AuthorizationCodeBytes = 16
	// RefreshTokenBytes is the entropy of a refresh token.
	RefreshTokenBytes = 32
	// ClientSecretBytes is the entropy of an application client secret.
	ClientSecretBytes = 32
)

// NewOpaqueToken returns a random URL-safe token with byteLen bytes of
// entropy, encoded as unpadded base64url.
func NewOpaqueToken(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the hex SHA-256 digest of a raw credential. This is the
// only form tokens, codes, and secrets take at rest.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking the position of
// the first difference.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewVerificationCode returns a random 6-digit code, zero-padded.
func NewVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("reading random int: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// NewClientID returns a random hex client identifier.
func NewClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewClientSecret returns a random client secret. The caller must hash it
// with HashToken before persisting.
func NewClientSecret() (string, error) {
	return NewOpaqueToken(ClientSecretBytes)
}

// VerifySecret compares a presented raw secret against a stored hash in
// constant time.
func VerifySecret(storedHash, presented string) bool {
	return ConstantTimeEquals(storedHash, HashToken(presented))
}
