// Package config contains the server configuration structure and the logic
// required to load it from flags, environment variables, and an optional
// config file. Values resolve in the usual viper order: flag, then
// UNIAUTH_-prefixed environment variable, then config file, then default.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/uniauth/uniauth/pkg/networking"
)

// EnvPrefix is the prefix for environment variable overrides, so
// `server.address` becomes UNIAUTH_SERVER_ADDRESS.
const EnvPrefix = "UNIAUTH"

// Config is the root configuration of the uniauth server.
type Config struct {
	Server    Server                    `mapstructure:"server"`
	Database  Database                  `mapstructure:"database"`
	Keys      Keys                      `mapstructure:"keys"`
	Tokens    Tokens                    `mapstructure:"tokens"`
	RateLimit RateLimit                 `mapstructure:"rate_limit"`
	Telemetry Telemetry                 `mapstructure:"telemetry"`
	Webhooks  Webhooks                  `mapstructure:"webhooks"`
	Providers map[string]SocialProvider `mapstructure:"providers"`

	// BootstrapFile is an optional YAML file seeding scopes and
	// first-party applications at startup.
	BootstrapFile string `mapstructure:"bootstrap_file"`
}

// Server groups the HTTP-facing settings.
type Server struct {
	// Address is the listen address, host:port.
	Address string `mapstructure:"address"`

	// Issuer is the external base URL of this server. It is stamped into
	// every signed token as iss and used to derive the endpoint URLs in
	// discovery metadata, so it must match what clients see.
	Issuer string `mapstructure:"issuer"`

	// LoginURL is where unauthenticated authorize requests are redirected.
	// Relative paths are resolved against the issuer.
	LoginURL string `mapstructure:"login_url"`

	// AllowedOrigins lists the origins the browser surface accepts
	// cross-origin requests from. Empty disables CORS headers.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// SecureCookies forces the Secure attribute on session cookies. Leave
	// false only for plain-HTTP development setups.
	SecureCookies bool `mapstructure:"secure_cookies"`
}

// Database holds the sqlite settings.
type Database struct {
	Path string `mapstructure:"path"`
}

// Keys holds the signing key store settings.
type Keys struct {
	Dir string `mapstructure:"dir"`
}

// Tokens holds credential lifetimes. Zero values fall back to the issuer
// defaults (1h access, 30d refresh, 1h ID, 5m MFA).
type Tokens struct {
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
	IDTTL      time.Duration `mapstructure:"id_ttl"`
	MFATTL     time.Duration `mapstructure:"mfa_ttl"`
}

// RateLimit tunes the verification-code issue policy.
type RateLimit struct {
	Cooldown         time.Duration `mapstructure:"cooldown"`
	TargetDailyLimit int           `mapstructure:"target_daily_limit"`
	IPDailyLimit     int           `mapstructure:"ip_daily_limit"`

	// RedisAddr switches the limiter to the redis backend when set, so
	// several server processes share one quota. Empty keeps the in-memory
	// limiter.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// Telemetry configures the OTel provider.
type Telemetry struct {
	// Endpoint is an OTLP HTTP endpoint (host:port). Empty disables the
	// OTLP exporter.
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`

	// EnablePrometheusMetricsPath serves Prometheus metrics at /metrics.
	EnablePrometheusMetricsPath bool `mapstructure:"enable_prometheus_metrics_path"`

	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Webhooks configures the delivery worker.
type Webhooks struct {
	// AllowPrivateTargets permits deliveries to private IP ranges. Only
	// meant for tests and air-gapped deployments.
	AllowPrivateTargets bool `mapstructure:"allow_private_targets"`
}

// SocialProvider configures one upstream identity provider for social
// login. OIDC providers need only the issuer; plain OAuth2 providers state
// their endpoints and how to read the userinfo document.
type SocialProvider struct {
	// Type is "oidc" or "oauth2".
	Type         string   `mapstructure:"type"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`

	// Issuer is the upstream OIDC issuer; endpoints come from discovery.
	Issuer string `mapstructure:"issuer"`

	// Explicit endpoints for plain OAuth2 providers.
	AuthURL     string `mapstructure:"auth_url"`
	TokenURL    string `mapstructure:"token_url"`
	UserinfoURL string `mapstructure:"userinfo_url"`

	// Fields maps userinfo JSON paths onto the normalized identity for
	// plain OAuth2 providers.
	Fields FieldMapping `mapstructure:"fields"`
}

// FieldMapping holds gjson paths into a provider's userinfo document.
type FieldMapping struct {
	ID     string `mapstructure:"id"`
	Email  string `mapstructure:"email"`
	Name   string `mapstructure:"name"`
	Avatar string `mapstructure:"avatar"`
}

// Default values applied by Load.
const (
	DefaultAddress  = ":8080"
	DefaultIssuer   = "http://localhost:8080"
	DefaultLoginURL = "/login"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", DefaultAddress)
	v.SetDefault("server.issuer", DefaultIssuer)
	v.SetDefault("server.login_url", DefaultLoginURL)
	v.SetDefault("database.path", filepath.Join(xdg.DataHome, "uniauth", "uniauth.db"))
	v.SetDefault("keys.dir", filepath.Join(xdg.DataHome, "uniauth", "keys"))
	v.SetDefault("telemetry.sampling_rate", 0.05)
}

// Load reads the configuration from the given viper instance. The caller
// binds flags and points viper at a config file before calling; Load adds
// defaults, the environment overlay, and unmarshals.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the configuration that would otherwise fail
// much later, at first use.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if !networking.IsURL(c.Server.Issuer) {
		return fmt.Errorf("server.issuer must be an absolute http(s) URL, got %q", c.Server.Issuer)
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "oidc":
			if p.Issuer == "" {
				return fmt.Errorf("provider %s: issuer is required for oidc providers", name)
			}
		case "oauth2":
			if p.AuthURL == "" || p.TokenURL == "" || p.UserinfoURL == "" {
				return fmt.Errorf("provider %s: auth_url, token_url, and userinfo_url are required for oauth2 providers", name)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q (must be oidc or oauth2)", name, p.Type)
		}
		if p.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required", name)
		}
	}
	return nil
}
