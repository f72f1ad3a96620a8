package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/indigenious/backend/internal/config"
	"github.com/PortNumber53/indigenious/backend/internal/logging"
	"github.com/PortNumber53/indigenious/backend/internal/migrations"
	"github.com/PortNumber53/indigenious/backend/internal/reconcile"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
	"github.com/PortNumber53/indigenious/backend/internal/worker"
)

var (
	cfg config.Config
	db  *sql.DB

	drainConcurrency int
	drainMaxJobs     int
	cleanupOlderThan time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "dbtool",
	Short:         "Database maintenance for the billing backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(
			"../.env",
			"../.dev.vars",
			".env",
		)

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "dbtool"})

		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if db != nil {
			return db.Close()
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info().Msg("applying migrations")
		if err := migrations.Up(db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		log.Info().Msg("migrations applied successfully")
		return nil
	},
}

var fixDirtyCmd = &cobra.Command{
	Use:   "fix-dirty",
	Short: "Roll a dirty schema version back to the last clean one",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info().Msg("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			return fmt.Errorf("fix dirty database: %w", err)
		}
		log.Info().Msg("database fixed successfully")
		return nil
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Force the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseVersion(args[0])
		if err != nil {
			return err
		}
		log.Info().Uint("version", v).Msg("forcing database version")
		if err := migrations.ForceVersion(db, v); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, dirty, err := migrations.Version(db)
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay parked webhook events whose subscription now exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(db)
		if err != nil {
			return err
		}
		payments := stripeclient.NewClient(cfg.StripeSecretKey, cfg.StripeTimeout)
		reconciler := reconcile.New(st, payments, tiers.NewCatalog(cfg.Prices))

		wcfg := worker.DefaultConfig()
		wcfg.MaxConcurrent = drainConcurrency
		wcfg.MaxJobs = drainMaxJobs
		w := worker.New(wcfg, st, worker.ReconcileHandlers(reconciler))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stats, err := w.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed=%d succeeded=%d retried=%d failed=%d\n",
			stats.JobsProcessed, stats.JobsSucceeded, stats.JobsRetried, stats.JobsFailed)
		return nil
	},
}

var cleanupJobsCmd = &cobra.Command{
	Use:   "cleanup-jobs",
	Short: "Delete completed and failed jobs older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(db)
		if err != nil {
			return err
		}
		n, err := st.CleanupOldJobs(cmd.Context(), cleanupOlderThan)
		if err != nil {
			return fmt.Errorf("cleanup jobs: %w", err)
		}
		log.Info().Int64("deleted", n).Dur("older_than", cleanupOlderThan).Msg("old jobs removed")
		return nil
	},
}

func parseVersion(raw string) (uint, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid version number: %s", raw)
	}
	return uint(v), nil
}

func init() {
	reconcileCmd.Flags().IntVar(&drainConcurrency, "concurrency", 4, "jobs processed in parallel")
	reconcileCmd.Flags().IntVar(&drainMaxJobs, "max-jobs", 0, "stop after this many jobs (0 = until the queue is empty)")
	cleanupJobsCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "minimum age of removed jobs")

	rootCmd.AddCommand(migrateCmd, fixDirtyCmd, forceCmd, versionCmd, reconcileCmd, cleanupJobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dbtool:", err)
		os.Exit(1)
	}
}
