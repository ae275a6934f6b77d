// Package networking builds the hardened HTTP clients used for every
// outbound call uniauth makes (webhook deliveries, social identity
// providers, remote JWKS) and validates the URLs developers register.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"
)

// HTTPTimeout is the default timeout for outgoing HTTP requests.
const HTTPTimeout = 10 * time.Second

// HTTPClient is the subset of http.Client outbound callers depend on.
// It allows tests to substitute a recording client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// protectedDialerControl rejects dial targets that resolve to private or
// loopback addresses. It runs after DNS resolution, so a hostname that
// resolves to an internal address is caught too.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// ValidatingTransport rejects non-HTTPS request URLs before forwarding.
type ValidatingTransport struct {
	Transport http.RoundTripper
	// AllowHTTP permits plain http URLs. Loopback hosts are always
	// permitted so local development receivers work.
	AllowHTTP bool
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parsedURL, err := url.Parse(req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("the supplied URL %s is malformed", req.URL.String())
	}

	if parsedURL.Scheme != "https" {
		allowed := t.AllowHTTP || IsLocalhost(parsedURL.Host)
		if parsedURL.Scheme != "http" || !allowed {
			return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.String())
		}
	}

	return t.Transport.RoundTrip(req)
}

// HTTPClientBuilder provides a fluent interface for building HTTP clients.
type HTTPClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowPrivate          bool
	allowHTTP             bool
}

// NewHTTPClientBuilder returns a builder with the default timeouts.
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout overrides the whole-request timeout.
func (b *HTTPClientBuilder) WithTimeout(timeout time.Duration) *HTTPClientBuilder {
	if timeout > 0 {
		b.clientTimeout = timeout
	}
	return b
}

// WithCABundle sets the CA certificate bundle path.
func (b *HTTPClientBuilder) WithCABundle(path string) *HTTPClientBuilder {
	b.caCertPath = path
	return b
}

// WithPrivateIPs allows connections to private IP addresses.
func (b *HTTPClientBuilder) WithPrivateIPs(allow bool) *HTTPClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithAllowHTTP permits plain-http URLs to non-loopback hosts.
func (b *HTTPClientBuilder) WithAllowHTTP(allow bool) *HTTPClientBuilder {
	b.allowHTTP = allow
	return b
}

// Build creates the configured HTTP client.
func (b *HTTPClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}

		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCertPool,
		}
	}

	return &http.Client{
		Transport: &ValidatingTransport{
			Transport: transport,
			AllowHTTP: b.allowHTTP,
		},
		Timeout: b.clientTimeout,
	}, nil
}
