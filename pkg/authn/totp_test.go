package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rfcSecret is the base32 form of the ASCII key "12345678901234567890"
// used by the RFC 4226 and RFC 6238 test vectors.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func verifierAt(unix int64) *TOTPVerifier {
	return &TOTPVerifier{now: func() time.Time { return time.Unix(unix, 0).UTC() }}
}

func TestVerifyTOTP_ReferenceVectors(t *testing.T) {
	t.Parallel()

	// RFC 6238 appendix B, SHA-1 column, truncated to six digits.
	cases := []struct {
		unix int64
		code string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}

	for _, tc := range cases {
		assert.True(t, verifierAt(tc.unix).VerifyTOTP(rfcSecret, tc.code),
			"code %s at t=%d should verify", tc.code, tc.unix)
	}
}

func TestVerifyTOTP_SkewWindow(t *testing.T) {
	t.Parallel()

	// At t=59 the current counter is 1. RFC 4226 appendix D gives the
	// codes for the neighboring counters.
	v := verifierAt(59)

	assert.True(t, v.VerifyTOTP(rfcSecret, "287082"), "current step")
	assert.True(t, v.VerifyTOTP(rfcSecret, "755224"), "one step behind")
	assert.True(t, v.VerifyTOTP(rfcSecret, "359152"), "one step ahead")
	assert.False(t, v.VerifyTOTP(rfcSecret, "969429"), "two steps ahead")
}

func TestVerifyTOTP_RejectsMalformedInput(t *testing.T) {
	t.Parallel()

	v := verifierAt(59)

	assert.False(t, v.VerifyTOTP(rfcSecret, ""), "empty code")
	assert.False(t, v.VerifyTOTP(rfcSecret, "28708"), "short code")
	assert.False(t, v.VerifyTOTP(rfcSecret, "2870820"), "long code")
	assert.False(t, v.VerifyTOTP("not!base32", "287082"), "bad secret")
	assert.False(t, v.VerifyTOTP("", "287082"), "empty secret")
}

func TestVerifyTOTP_NormalizesSecret(t *testing.T) {
	t.Parallel()

	v := verifierAt(59)

	// Lowercase, grouped with spaces, and trailing padding all decode to
	// the same key.
	assert.True(t, v.VerifyTOTP("gezd gnbv gy3t qojq gezd gnbv gy3t qojq", "287082"))
	assert.True(t, v.VerifyTOTP(rfcSecret+"==", "287082"))
}

func TestNewTOTPSecret(t *testing.T) {
	t.Parallel()

	secret, err := NewTOTPSecret()
	require.NoError(t, err)

	key, err := decodeTOTPSecret(secret)
	require.NoError(t, err)
	require.Len(t, key, totpSecretBytes)

	// A code computed from the decoded key must verify against the
	// encoded secret.
	now := time.Now()
	code := hotp(key, uint64(now.Unix()/int64(totpPeriod/time.Second)))
	v := &TOTPVerifier{now: func() time.Time { return now }}
	assert.True(t, v.VerifyTOTP(secret, code))

	other, err := NewTOTPSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}
