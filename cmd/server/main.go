package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/indigenious/backend/internal/checkout"
	"github.com/PortNumber53/indigenious/backend/internal/config"
	"github.com/PortNumber53/indigenious/backend/internal/handlers"
	"github.com/PortNumber53/indigenious/backend/internal/httpserver"
	"github.com/PortNumber53/indigenious/backend/internal/logging"
	"github.com/PortNumber53/indigenious/backend/internal/migrations"
	"github.com/PortNumber53/indigenious/backend/internal/reconcile"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.Config{Component: "server"})
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "server"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}

	payments := stripeclient.NewClient(cfg.StripeSecretKey, cfg.StripeTimeout)
	if !payments.Configured() {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; checkout and checkout reconciliation will fail")
	}
	normalizer := webhook.NewNormalizer(cfg.StripeWebhookSecret)
	if !normalizer.Configured() {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be refused")
	}

	catalog := tiers.NewCatalog(cfg.Prices)
	reconciler := reconcile.New(st, payments, catalog)
	initiator := checkout.NewInitiator(st, payments, catalog, cfg.AppURL)

	srv := httpserver.New(cfg, httpserver.Dependencies{
		Health:  st,
		Billing: st,
		Jobs:    st,
		Stripe:  handlers.NewStripeHandler(initiator, normalizer, st, reconciler),
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
			return err
		}
		log.Info().Msg("backend stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	err := migrations.Up(db)
	if err == nil {
		return nil
	}
	if !errors.Is(err, migrations.ErrDirty) {
		return err
	}
	log.Warn().Err(err).Str("db", name).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Error().Err(fixErr).Str("db", name).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Msg("database configured (dsn not parseable)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database target")
}
