package networking

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrPrivateIPAddress is returned when an outbound address resolves to a
// private or loopback IP.
var ErrPrivateIPAddress = errors.New("address resolves to a private IP, which is not allowed")

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP returns an error if the host:port address
// references a private or loopback IP.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if isPrivateIP(ip) {
		return ErrPrivateIPAddress
	}

	return nil
}

// IsURL reports whether raw parses as an absolute http or https URL with a
// host.
func IsURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

// ValidateEndpointURL checks that raw is an absolute http(s) URL suitable
// as an outbound endpoint: it must carry a host, no embedded credentials
// and no fragment. Plain http is accepted for loopback hosts only.
func ValidateEndpointURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	if parsed.User != nil {
		return fmt.Errorf("URL %q must not contain credentials", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("URL %q must not contain a fragment", raw)
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if IsLocalhost(parsed.Host) {
			return nil
		}
		return fmt.Errorf("URL %q must use https", raw)
	default:
		return fmt.Errorf("URL %q has unsupported scheme %q", raw, parsed.Scheme)
	}
}

// IsLocalhost reports whether host (optionally host:port) is a loopback
// address. Plain-http redirect URIs are only accepted for loopback hosts.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
