package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/uniauth/uniauth/pkg/api"
	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/authn"
	"github.com/uniauth/uniauth/pkg/config"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/ratelimit"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/signer"
	"github.com/uniauth/uniauth/pkg/storage/sqlite"
	"github.com/uniauth/uniauth/pkg/telemetry"
	"github.com/uniauth/uniauth/pkg/verification"
	"github.com/uniauth/uniauth/pkg/versions"
	"github.com/uniauth/uniauth/pkg/webhook"
)

const telemetryShutdownTimeout = 5 * time.Second

// newServeCmd creates the serve command for starting the uniauth server.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the uniauth server",
		Long: `Start the uniauth server: the HTTP API, the webhook delivery worker, and
the expired-row sweeper run in one process until interrupted.

Configuration resolves in the usual order: flags, UNIAUTH_-prefixed
environment variables, the config file, then defaults.`,
		RunE: runServe,
	}

	addServeFlags(cmd.Flags())
	return cmd
}

// addServeFlags registers the serve flags and binds them onto their config
// keys, so flags override the file and environment.
func addServeFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Path to a config file")
	flags.String("address", config.DefaultAddress, "Address to listen on")
	flags.String("issuer", config.DefaultIssuer, "External base URL stamped into tokens as iss")
	flags.String("db", "", "Path to the sqlite database file")

	for key, name := range map[string]string{
		"server.address": "address",
		"server.issuer":  "issuer",
		"database.path":  "db",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
}

// runServe is the composition root: it constructs every subsystem from
// configuration and runs the HTTP server, the webhook delivery worker, and
// the sweeper under one errgroup.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configFile, err := cmd.Flags().GetString("config"); err == nil && configFile != "" {
		viper.SetConfigFile(configFile)
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	store, err := sqlite.NewStore(ctx, sqlite.Config{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("opening database at %s: %w", cfg.Database.Path, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("closing store: %v", err)
		}
	}()

	if cfg.BootstrapFile != "" {
		bootstrap, err := config.LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return fmt.Errorf("loading bootstrap file: %w", err)
		}
		if err := config.Seed(ctx, store, bootstrap); err != nil {
			return fmt.Errorf("seeding bootstrap data: %w", err)
		}
		logger.Infof("Applied bootstrap file %s", cfg.BootstrapFile)
	}

	keyStore, err := signer.NewFileStore(cfg.Keys.Dir)
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	sig := signer.New(cfg.Server.Issuer, keyStore)

	issuer := oauth.NewTokenIssuer(sig, store.RefreshTokens(), oauth.TokenTTLs{
		AccessToken:  cfg.Tokens.AccessTTL,
		RefreshToken: cfg.Tokens.RefreshTTL,
		IDToken:      cfg.Tokens.IDTTL,
		MFAToken:     cfg.Tokens.MFATTL,
	})

	limiter, closeLimiter, err := newLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLimiter(); err != nil {
			logger.Warnf("closing rate limiter: %v", err)
		}
	}()

	codes := verification.NewEngine(store.VerificationCodes(), limiter, verification.LogDispatcher{}, cfg.RateLimit.Cooldown)
	sessions := session.NewManager(store.Sessions())
	recorder := audit.NewRecorder(store.Audit())
	events := webhook.NewEnqueuer(store.Webhooks(), store.Deliveries())

	telemetryProvider, err := telemetry.NewCompositeProvider(ctx, telemetry.Config{
		ServiceName:                 "uniauth",
		ServiceVersion:              versions.GetVersionInfo().Version,
		OTLPEndpoint:                cfg.Telemetry.Endpoint,
		Insecure:                    cfg.Telemetry.Insecure,
		SamplingRate:                cfg.Telemetry.SamplingRate,
		EnablePrometheusMetricsPath: cfg.Telemetry.EnablePrometheusMetricsPath,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("telemetry shutdown: %v", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(telemetryProvider.MeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	engine := oauth.NewEngine(oauth.EngineConfig{LoginURL: cfg.Server.LoginURL}, store, issuer, sessions, recorder, events)

	registry, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	orch := authn.NewOrchestrator(store, codes, issuer, sessions, recorder, events,
		authn.WithSocialProviders(registry))

	worker, err := webhook.NewWorker(store.Webhooks(), store.Deliveries(),
		webhook.WithObserver(metrics),
		webhook.WithAllowPrivateTargets(cfg.Webhooks.AllowPrivateTargets))
	if err != nil {
		return fmt.Errorf("creating webhook worker: %w", err)
	}
	sweeper := session.NewSweeper(store, session.DefaultSweepInterval)

	logger.Infof("Starting uniauth, issuer %s", cfg.Server.Issuer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return worker.Run(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error {
		return api.Serve(groupCtx, api.Deps{
			Config:            cfg,
			Store:             store,
			Signer:            sig,
			Issuer:            issuer,
			Engine:            engine,
			Auth:              orch,
			Sessions:          sessions,
			Audit:             recorder,
			Metrics:           metrics,
			PrometheusHandler: telemetryProvider.PrometheusHandler(),
		})
	})
	return group.Wait()
}

// newLimiter picks the shared redis limiter when an address is configured,
// the in-process one otherwise. The returned closer releases whichever
// backend was chosen.
func newLimiter(ctx context.Context, cfg config.RateLimit) (ratelimit.Limiter, func() error, error) {
	rlCfg := ratelimit.Config{
		Cooldown:         cfg.Cooldown,
		TargetDailyLimit: cfg.TargetDailyLimit,
		IPDailyLimit:     cfg.IPDailyLimit,
	}

	if cfg.RedisAddr == "" {
		limiter := ratelimit.NewMemoryLimiter(rlCfg)
		return limiter, limiter.Close, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewRedisLimiter(client, rlCfg)
	if err := limiter.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Infof("Rate limit state shared via redis at %s", cfg.RedisAddr)
	return limiter, client.Close, nil
}

// buildProviders constructs the social login registry from configuration.
// Callback URLs derive from the issuer so they match what the router serves.
func buildProviders(ctx context.Context, cfg *config.Config) (*authn.Registry, error) {
	registry := authn.NewRegistry()
	base := strings.TrimSuffix(cfg.Server.Issuer, "/")

	for name, p := range cfg.Providers {
		provider, err := authn.NewProvider(ctx, name, authn.ProviderConfig{
			Type:         authn.ProviderType(p.Type),
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  base + "/api/v1/auth/oauth/" + name + "/callback",
			Scopes:       p.Scopes,
			Issuer:       p.Issuer,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			UserinfoURL:  p.UserinfoURL,
			Fields: authn.FieldMapping{
				ID:     p.Fields.ID,
				Email:  p.Fields.Email,
				Name:   p.Fields.Name,
				Avatar: p.Fields.Avatar,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("configuring provider %s: %w", name, err)
		}
		registry.Register(provider)
		logger.Infof("Registered social provider %s", name)
	}
	return registry, nil
}
