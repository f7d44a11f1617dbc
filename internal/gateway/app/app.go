// Package app assembles and runs the gateway process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/copperline/gatehouse/internal/gateway/enforce"
	"github.com/copperline/gatehouse/internal/gateway/gate"
	httpapi "github.com/copperline/gatehouse/internal/gateway/http"
	"github.com/copperline/gatehouse/internal/gateway/service"
	"github.com/copperline/gatehouse/internal/gateway/ws"
	"github.com/copperline/gatehouse/pkg/assertion"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/ratelimit"
	"github.com/copperline/gatehouse/pkg/revoke"
	"github.com/copperline/gatehouse/pkg/slogx"
)

// BuildVersion should be set at build time via ldflags.
const BuildVersion = "v0.1.0"

// Application encapsulates the gateway with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	redisClient *redis.Client
	revocations revoke.Store

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized. It fails
// rather than starts degraded: a gateway without its revocation store would
// reject every authenticated request.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "gatehouse",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	credKeys, err := jwtx.NewKeyring(cfg.Keys...)
	if err != nil {
		return nil, fmt.Errorf("credential keyring: %w", err)
	}
	assertKeys, err := jwtx.NewKeyring(cfg.AssertionKeys...)
	if err != nil {
		return nil, fmt.Errorf("assertion keyring: %w", err)
	}

	app.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	app.revocations = revoke.NewRedis(app.redisClient, revoke.Config{})

	var limiter ratelimit.Limiter
	switch cfg.RateBackend {
	case "local":
		limiter = ratelimit.NewLocal(ratelimit.FromEnv())
	default:
		limiter = ratelimit.NewRedis(app.redisClient, ratelimit.FromEnv(), ratelimit.RedisConfig{})
	}

	codec := jwtx.NewCodec(credKeys, cfg.Issuer)
	g := gate.New(codec, app.revocations)
	minter := assertion.NewMinter(assertKeys, cfg.Issuer, cfg.AssertionMaxAge)
	enforcer := enforce.New(g, limiter, minter)
	tokens := service.NewTokenService(codec, g, app.revocations, service.NewMemoryStore(), service.Config{
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})

	var upstream *url.URL
	if cfg.UpstreamURL != "" {
		upstream, err = url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("upstream URL: %w", err)
		}
	}

	app.router = httpapi.NewRouter(enforcer, tokens, ws.New(g), upstream, BuildVersion, app.logger)
	app.router.ApplyRoutes(httpapi.ReadinessCheck{
		Name: "redis",
		Check: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return app.redisClient.Ping(ctx).Err()
		},
	})

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.logger.Info("gateway starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown drains in-flight requests, then releases resources.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	if err := app.revocations.Close(); err != nil {
		app.logger.Error("error closing revocation store", "error", err)
		return err
	}

	app.logger.Info("gateway stopped")
	return nil
}
