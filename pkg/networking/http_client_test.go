package networking

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	t.Parallel()

	client, err := NewHTTPClientBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, HTTPTimeout, client.Timeout)

	transport, ok := client.Transport.(*ValidatingTransport)
	require.True(t, ok)
	assert.False(t, transport.AllowHTTP)
}

func TestBuilderWithTimeout(t *testing.T) {
	t.Parallel()

	client, err := NewHTTPClientBuilder().WithTimeout(3 * time.Second).Build()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, client.Timeout)

	// Non-positive values keep the default.
	client, err = NewHTTPClientBuilder().WithTimeout(0).Build()
	require.NoError(t, err)
	assert.Equal(t, HTTPTimeout, client.Timeout)
}

func TestBuilderWithCABundle(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPClientBuilder().WithCABundle("/does/not/exist.pem").Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA certificate bundle")

	badBundle := filepath.Join(t.TempDir(), "not-a-cert.pem")
	require.NoError(t, os.WriteFile(badBundle, []byte("junk"), 0o600))
	_, err = NewHTTPClientBuilder().WithCABundle(badBundle).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse CA certificate bundle")
}

func TestValidatingTransportRejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	transport := &ValidatingTransport{Transport: http.DefaultTransport}
	req := httptest.NewRequest(http.MethodGet, "http://example.com/hook", nil)

	_, err := transport.RoundTrip(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not HTTPS")
}

func TestValidatingTransportAllowsLoopbackHTTP(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := &ValidatingTransport{Transport: http.DefaultTransport}
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestValidatingTransportAllowHTTP(t *testing.T) {
	t.Parallel()

	var roundTripped bool
	transport := &ValidatingTransport{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			roundTripped = true
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
		}),
		AllowHTTP: true,
	}
	req := httptest.NewRequest(http.MethodGet, "http://example.com/hook", nil)

	_, err := transport.RoundTrip(req)
	require.NoError(t, err)
	assert.True(t, roundTripped)
}

func TestPrivateIPDialGuard(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	blocked, err := NewHTTPClientBuilder().Build()
	require.NoError(t, err)
	_, err = blocked.Get(server.URL)
	require.Error(t, err)

	allowed, err := NewHTTPClientBuilder().WithPrivateIPs(true).Build()
	require.NoError(t, err)
	resp, err := allowed.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
