package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Headers attached to every delivery POST.
const (
	// SignatureHeader carries the HMAC signature of the request body.
	SignatureHeader = "X-UniAuth-Signature"
	// EventHeader carries the lifecycle event name.
	EventHeader = "X-UniAuth-Event"
	// DeliveryHeader carries the delivery identifier for receiver-side
	// idempotency.
	DeliveryHeader = "X-UniAuth-Delivery"
)

// signaturePrefix is the prefix for the HMAC-SHA256 signature value.
const signaturePrefix = "sha256="

// Sign computes an HMAC-SHA256 signature over the exact request body and
// returns it in the format "sha256=<hex>". Receivers must verify against
// the raw bytes they received, before any JSON decoding.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" signature against the body.
// Comparison is done in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sigBytes)
}
