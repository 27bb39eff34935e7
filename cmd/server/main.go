package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fhirforge/smartauth"
	echoapi "github.com/fhirforge/smartauth/api/echo"
	"github.com/fhirforge/smartauth/clients"
	"github.com/fhirforge/smartauth/config"
	"github.com/fhirforge/smartauth/store"
	"github.com/fhirforge/smartauth/token"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if parseErr != nil {
		log.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}

	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("public_url", cfg.PublicURL).
		Int("tenants", len(cfg.Tenants)).
		Msg("Starting smartauth server")

	registry := clients.NewRegistry(nil, time.Duration(cfg.KeyFetchTTLMin)*time.Minute)
	defer registry.Stop()

	manager := smartauth.NewManager(smartauth.ManagerConfig{
		PublicURL: cfg.PublicURL,
		Tenants:   cfg.TenantMap(),
		Store:     store.NewMemoryAuthorizationStore(),
		Clients:   registry,
		Issuer:    token.NewIssuer(cfg.JWTSecret),
	})
	manager.Init()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	echoapi.NewSmartAPI(manager).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Server gracefully stopped")
}
