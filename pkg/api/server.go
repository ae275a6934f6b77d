// Package api contains the REST API for uniauth.
package api

// @title           uniauth API
// @version         1.0
// @description     Identity and access management: OAuth 2.0 / OIDC provider, SSO sessions, account self-service, and the developer console.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/uniauth/uniauth/pkg/api/v1"
	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/authn"
	"github.com/uniauth/uniauth/pkg/config"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/signer"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/telemetry"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Deps carries the constructed subsystems the API serves. Everything is
// required except Metrics and PrometheusHandler.
type Deps struct {
	Config   *config.Config
	Store    storage.Store
	Signer   *signer.Signer
	Issuer   *oauth.TokenIssuer
	Engine   *oauth.Engine
	Auth     *authn.Orchestrator
	Sessions *session.Manager
	Audit    *audit.Recorder

	// Metrics instruments handlers when set; nil disables recording.
	Metrics *telemetry.Metrics
	// PrometheusHandler is mounted at /metrics when set.
	PrometheusHandler http.Handler
}

// Handler assembles the full route tree.
func Handler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		securityHeaders,
		telemetry.Middleware(deps.Metrics),
	)
	if len(deps.Config.Server.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(deps.Config.Server.AllowedOrigins))
	}

	secureCookies := deps.Config.Server.SecureCookies

	// The discovery documents live under the API prefix and at the root
	// alias OIDC clients derive from the issuer URL.
	wellKnown := v1.WellKnownRouter(deps.Engine, deps.Signer)

	routers := map[string]http.Handler{
		"/health":             v1.HealthcheckRouter(deps.Store),
		"/version":            v1.VersionRouter(),
		"/api/v1/auth":        v1.AuthRouter(deps.Auth, deps.Issuer, deps.Metrics, secureCookies),
		"/api/v1/oauth2":      v1.OAuth2Router(deps.Engine, deps.Sessions, deps.Issuer, deps.Metrics),
		"/api/v1/user":        v1.UserRouter(deps.Auth, deps.Store, deps.Audit, deps.Sessions, deps.Issuer, secureCookies),
		"/api/v1/developer":   v1.DeveloperRouter(deps.Store, deps.Audit, deps.Issuer),
		"/api/v1/.well-known": wellKnown,
		"/.well-known":        wellKnown,
	}

	if deps.PrometheusHandler != nil {
		routers["/metrics"] = deps.PrometheusHandler
	}

	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve starts the server on the configured address and blocks until ctx is
// canceled, then drains in-flight requests. It is assumed that the caller
// sets up appropriate signal handling.
func Serve(ctx context.Context, deps Deps) error {
	address := deps.Config.Server.Address

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Handler(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}

	logger.Infof("starting HTTP server on %s", address)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("HTTP server stopped")
	return nil
}
