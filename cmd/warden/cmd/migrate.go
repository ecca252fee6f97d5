package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-warden/warden/internal/adapter/outbound/sqlstore"
	"github.com/agent-warden/warden/internal/config"
)

var migrateDSN string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the Warden database schema to the configured database.

Statements are idempotent: running migrate against an up-to-date database
is a no-op. "warden serve" also applies the schema on start, so this
command matters mostly for deployments where the serving role has no DDL
rights.

Examples:
  # Migrate the configured database
  warden migrate

  # Migrate a specific database
  warden migrate --dsn postgres://warden:secret@db:5432/warden`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", "", "database DSN (overrides database.dsn)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dsn := cfg.Database.DSN
	if migrateDSN != "" {
		dsn = migrateDSN
	}

	ctx := cmd.Context()
	db, err := sqlstore.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Schema applied (%s).\n", db.Driver())
	return nil
}

// loadAndOpen loads and validates the configuration and opens the configured
// database. Shared by the data commands (policy, keys, env, audit); the
// caller owns both returned handles. Unlike serve, these commands have no
// flags that override config, so the validating loader applies directly.
func loadAndOpen(ctx context.Context) (*config.Config, *sqlstore.DB, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := sqlstore.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, db, nil
}

// cliLogger returns a logger for one-shot commands: warnings and errors
// only, so service-level info logs do not mix into command output.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
