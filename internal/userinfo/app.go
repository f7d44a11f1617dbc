// Package userinfo is a downstream service sitting behind the gateway. It
// demonstrates the verification side of the trust boundary: the only
// identity it accepts is a gateway-minted assertion, re-verified locally.
package userinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/copperline/gatehouse/pkg/assertion"
	"github.com/copperline/gatehouse/pkg/httpx"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/slogx"
)

const buildVersion = "v0.1.0"

type Config struct {
	Issuer        string
	AssertionKeys []string
	AssertionSkew time.Duration
	Env           string
	LogLevel      string
	LogFormat     string
	Port          int
}

// LoadConfig reads configuration from the environment. The assertion keys
// must match the gateway's, there is no fallback.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Issuer:        getEnvOrDefault("GATEHOUSE_ISSUER", "gatehouse"),
		AssertionSkew: 2 * time.Second,
		Env:           getEnvOrDefault("ENV", "dev"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:     getEnvOrDefault("LOG_FORMAT", "json"),
		Port:          8081,
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("GATEHOUSE_ASSERTION_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AssertionSkew = d
		}
	}
	for _, k := range strings.Split(os.Getenv("GATEHOUSE_ASSERTION_KEYS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			cfg.AssertionKeys = append(cfg.AssertionKeys, k)
		}
	}
	if len(cfg.AssertionKeys) == 0 {
		return Config{}, errors.New("userinfo: GATEHOUSE_ASSERTION_KEYS is required")
	}
	return cfg, nil
}

// Application is the userinfo service.
type Application struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

func New(cfg Config) (*Application, error) {
	logger := slogx.New(slogx.Config{
		Service: "userinfo",
		Version: buildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})

	keys, err := jwtx.NewKeyring(cfg.AssertionKeys...)
	if err != nil {
		return nil, fmt.Errorf("assertion keyring: %w", err)
	}
	verifier := assertion.NewVerifier(keys, cfg.Issuer, cfg.AssertionSkew)

	mux := http.NewServeMux()
	mux.Handle("GET /v1/userinfo", httpx.Chain(
		http.HandlerFunc(handleUserinfo),
		assertion.VerifyMiddleware(verifier),
	))

	return &Application{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           httpx.Chain(mux, slogx.HTTPMiddleware(logger)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run starts the service and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.logger.Info("userinfo starting", "port", app.cfg.Port, "version", buildVersion)

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
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
