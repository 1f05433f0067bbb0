// Command seed creates the default roles and bootstrap accounts in the
// identity database. It is safe to run repeatedly.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/config"
	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/types"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	var (
		seedFile = flag.String("file", "", "YAML file with accounts to seed (overrides SEED_FILE)")
		timeout  = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatPretty,
	})

	if err := run(logger, *seedFile, *timeout); err != nil {
		logger.Error().Err(err).Msg("Seeding failed")
		os.Exit(1)
	}
}

func run(logger zerolog.Logger, seedFile string, timeout time.Duration) error {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	cfg := &config.Config{
		SeedFile:      os.Getenv("SEED_FILE"),
		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}
	if seedFile != "" {
		cfg.SeedFile = seedFile
	}
	if cfg.AdminEmail == "" {
		cfg.AdminEmail = "admin@techshare.local"
	}
	accounts, err := cfg.SeedAccounts()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, closeStore, err := identity.OpenStore(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := identity.Seed(ctx, store, identity.NewHasher(0), accounts, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Int("roles_created", report.RolesCreated).
		Int("accounts_created", report.AccountsCreated).
		Int("accounts_skipped", report.AccountsSkipped).
		Msg("Seeding complete")
	return nil
}
