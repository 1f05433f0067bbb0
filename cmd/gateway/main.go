package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/config"
	"github.com/KienPC1234/TechShare-sub001/internal/gateway"
	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/limits"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/presence"
	"github.com/KienPC1234/TechShare-sub001/internal/router"
	"github.com/KienPC1234/TechShare-sub001/internal/types"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("GOMAXPROCS set via automaxprocs")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}

	store, closeStore, err := identity.OpenStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory identity store")
	}

	hasher := identity.NewHasher(cfg.BcryptCost)
	accounts, err := cfg.SeedAccounts()
	if err != nil {
		return err
	}
	report, err := identity.Seed(ctx, store, hasher, accounts, logger)
	if err != nil {
		return fmt.Errorf("seed identity store: %w", err)
	}
	logger.Info().
		Int("roles_created", report.RolesCreated).
		Int("accounts_created", report.AccountsCreated).
		Int("accounts_skipped", report.AccountsSkipped).
		Msg("Identity store seeded")

	broker, err := identity.NewBroker(identity.BrokerConfig{
		Secret:             []byte(cfg.SessionSecret),
		Issuer:             cfg.SessionIssuer,
		IdleTimeout:        cfg.SessionIdleTimeout,
		AbsoluteExpiration: cfg.SessionAbsolute,
		Logger:             logger,
	}, store, hasher)
	if err != nil {
		return err
	}

	admissionCfg, err := cfg.Admission(logger)
	if err != nil {
		return err
	}
	admission := limits.NewAdmissionController(admissionCfg.Controller)

	stats := types.NewStats()
	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections: cfg.MaxConnections,
		MemoryLimit:    cfg.MemoryLimit,
		MaxGoroutines:  cfg.MaxGoroutines,
		UpgradeRate:    cfg.UpgradeRate,
		UpgradeBurst:   cfg.UpgradeBurst,
		Logger:         logger,
	}, &stats.CurrentConnections)

	registry := presence.NewRegistry(broker, presence.RegistryConfig{Logger: logger})
	rt := router.New(registry, broker, router.Config{
		NodeID: cfg.NodeID,
		Logger: logger,
		Stats:  stats,
	})

	if cfg.NATSURL != "" {
		relay, err := router.NewNATSRelay(router.NATSConfig{
			URL:           cfg.NATSURL,
			Subject:       cfg.NATSSubject,
			MaxReconnects: -1,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer relay.Close()
		rt.SetRelay(relay)
		if err := relay.Subscribe(ctx, rt); err != nil {
			return err
		}
	}

	gw := gateway.New(gateway.Deps{
		Admission: admission,
		Guard:     guard,
		Broker:    broker,
		Registry:  registry,
		Router:    rt,
		Stats:     stats,
		Logger:    logger,
	}, gateway.NewChatHub(""), gateway.NewNotificationHub(""))

	server := gateway.NewServer(gateway.ServerConfig{
		Addr:              cfg.Addr,
		HTTPReadTimeout:   cfg.HTTPReadTimeout,
		HTTPWriteTimeout:  cfg.HTTPWriteTimeout,
		HTTPIdleTimeout:   cfg.HTTPIdleTimeout,
		ShutdownGrace:     cfg.ShutdownGrace,
		SendBufferSize:    cfg.SendBufferSize,
		TrustForwardedFor: admissionCfg.TrustForwardedFor(),
		Cookie: identity.CookieOptions{
			Name:   cfg.CookieName,
			Secure: cfg.CookieSecure,
		},
	}, gw)

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	sweepers := []<-chan struct{}{
		admission.StartSweeper(bgCtx, cfg.SweepInterval),
		broker.StartSweeper(bgCtx, cfg.SweepInterval),
		guard.StartMonitoring(bgCtx, cfg.MetricsInterval),
	}

	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.LogError(logger, err, "Error during shutdown", nil)
	}

	cancelBackground()
	for _, done := range sweepers {
		<-done
	}
	return nil
}
