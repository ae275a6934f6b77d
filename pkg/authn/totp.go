package authn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // TOTP (RFC 6238) mandates HMAC-SHA1
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// TOTP parameters. These are the defaults every authenticator app ships:
// 30 second steps, 6 digits, HMAC-SHA1.
const (
	totpPeriod = 30 * time.Second
	totpDigits = 6

	// totpSkew accepts one step either side of now to absorb clock drift
	// between the server and the authenticator device.
	totpSkew = 1

	// totpSecretBytes is the entropy of a generated shared secret.
	totpSecretBytes = 20
)

// totpEncoding is the unpadded base32 alphabet authenticator apps import.
var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPVerifier checks RFC 6238 one-time codes against a shared secret. It
// is the default MFAVerifier.
type TOTPVerifier struct {
	now func() time.Time
}

var _ MFAVerifier = (*TOTPVerifier)(nil)

// NewTOTPVerifier returns the standard TOTP verifier.
func NewTOTPVerifier() *TOTPVerifier {
	return &TOTPVerifier{now: time.Now}
}

// VerifyTOTP reports whether code matches the secret within the accepted
// clock skew window.
func (v *TOTPVerifier) VerifyTOTP(secret, code string) bool {
	key, err := decodeTOTPSecret(secret)
	if err != nil || len(code) != totpDigits {
		return false
	}

	step := v.now().Unix() / int64(totpPeriod/time.Second)
	for delta := int64(-totpSkew); delta <= totpSkew; delta++ {
		counter := step + delta
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotp(key, uint64(counter))), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// NewTOTPSecret generates a fresh shared secret in the base32 form
// authenticator apps import.
func NewTOTPSecret() (string, error) {
	buf := make([]byte, totpSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return totpEncoding.EncodeToString(buf), nil
}

// decodeTOTPSecret tolerates the spacing and padding variants secrets pick
// up when users copy them around.
func decodeTOTPSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	normalized = strings.TrimRight(normalized, "=")
	return totpEncoding.DecodeString(normalized)
}

// hotp computes the RFC 4226 truncated code for one counter value.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", totpDigits, value%1000000)
}
