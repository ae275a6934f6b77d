// Package validation provides functions for validating input data.
package validation

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
)

// E.164: leading +, country code 1-9, up to 14 further digits.
var validPhoneRegex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

var validScopeRegex = regexp.MustCompile(`^[a-z][a-z0-9:_\-.]*$`)

// ValidatePhone validates that a phone number is in E.164 format.
func ValidatePhone(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number cannot be empty")
	}
	if !validPhoneRegex.MatchString(phone) {
		return fmt.Errorf("phone number must be in E.164 format (e.g. +8613800138000): %q", phone)
	}
	return nil
}

// ValidateEmail validates that a string is a plausible email address.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if len(email) > 254 {
		return fmt.Errorf("email exceeds maximum length of 254 bytes")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email address: %q", email)
	}
	// mail.ParseAddress accepts display names ("A <a@b.c>"); reject those.
	if addr.Address != email {
		return fmt.Errorf("email must be a bare address without display name: %q", email)
	}
	return nil
}

// ValidateRedirectURI validates an OAuth redirect URI at registration time.
//
// A valid redirect URI must:
// - Include a scheme (https, or http for loopback/native development)
// - Include a host (or be a native custom scheme like com.example.app:/callback)
// - Not contain fragments
func ValidateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect URI cannot be empty")
	}
	if len(redirectURI) > 2048 {
		return fmt.Errorf("redirect URI exceeds maximum length of 2048 bytes")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	if parsed.Scheme == "" {
		return fmt.Errorf("redirect URI must include a scheme: %s", redirectURI)
	}

	// Custom schemes (native apps) skip the host requirement.
	if parsed.Scheme == "http" || parsed.Scheme == "https" {
		if parsed.Host == "" {
			return fmt.Errorf("redirect URI must include a host: %s", redirectURI)
		}
		if parsed.Scheme == "http" && !isLoopbackHost(parsed.Hostname()) {
			return fmt.Errorf("http redirect URIs are only allowed for loopback hosts: %s", redirectURI)
		}
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain fragments (#): %s", redirectURI)
	}

	return nil
}

// ValidateWebhookURL validates a webhook target URL at registration time.
// Delivery additionally refuses private addresses at dial time; this check
// rejects the obviously wrong values early.
func ValidateWebhookURL(webhookURL string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL cannot be empty")
	}
	if len(webhookURL) > 2048 {
		return fmt.Errorf("webhook URL exceeds maximum length of 2048 bytes")
	}

	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https: %s", webhookURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL must include a host: %s", webhookURL)
	}

	return nil
}

// ValidateScopeName validates a single OAuth scope name.
func ValidateScopeName(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}
	if len(scope) > 64 {
		return fmt.Errorf("scope exceeds maximum length of 64 bytes")
	}
	if !validScopeRegex.MatchString(scope) {
		return fmt.Errorf("scope can only contain lowercase alphanumeric characters, colons, underscores, dashes, and dots: %q", scope)
	}
	return nil
}

// ValidateAppName validates an application display name.
// It enforces no leading/trailing/consecutive spaces and disallows null bytes.
func ValidateAppName(name string) error {
	if name == "" || strings.TrimSpace(name) == "" {
		return fmt.Errorf("application name cannot be empty or consist only of whitespace")
	}

	// Check for null bytes explicitly
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("application name cannot contain null bytes")
	}

	if len(name) > 128 {
		return fmt.Errorf("application name exceeds maximum length of 128 bytes")
	}

	// Check for leading/trailing whitespace
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("application name cannot have leading or trailing whitespace: %q", name)
	}

	// Check for consecutive spaces
	if strings.Contains(name, "  ") {
		return fmt.Errorf("application name cannot contain consecutive spaces: %q", name)
	}

	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
