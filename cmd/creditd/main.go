package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/meterline/creditledger/internal/httpserver"
	"github.com/meterline/creditledger/internal/store/gormstore"
	"github.com/meterline/creditledger/internal/sweeper"
	"github.com/meterline/creditledger/pkg/credits"
	"github.com/meterline/creditledger/pkg/gate"
	"github.com/meterline/creditledger/pkg/rates"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagRateSheet      = "rate-sheet"
	flagSweepSchedule  = "sweep-schedule"
	flagHoldTTL        = "hold-ttl"
	flagSigningKey     = "signing-key"
	flagIssuer         = "issuer"
	flagAllowedOrigins = "allowed-origins"
	flagRatesFile      = "file"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyRateSheet      = "rate_sheet"
	configKeySweepSchedule  = "sweep_schedule"
	configKeyHoldTTL        = "hold_ttl"
	configKeySigningKey     = "signing_key"
	configKeyIssuer         = "issuer"
	configKeyAllowedOrigins = "allowed_origins"

	defaultDatabaseURL    = "sqlite:///tmp/creditledger.db"
	defaultHTTPListenAddr = ":7100"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	RateSheetPath  string
	SweepSchedule  string
	HoldTTL        time.Duration
	SigningKey     string
	Issuer         string
	AllowedOrigins []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.PersistentFlags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagRateSheet, "", "path to a YAML rate sheet, watched for changes")
	cmd.PersistentFlags().String(flagSweepSchedule, sweeper.DefaultSchedule, "cron schedule for reconciliation sweeps")
	cmd.PersistentFlags().Duration(flagHoldTTL, credits.DefaultHoldTTL, "default reservation TTL")
	cmd.PersistentFlags().String(flagSigningKey, "", "HS256 signing key for bearer auth, empty disables auth")
	cmd.PersistentFlags().String(flagIssuer, "", "expected bearer token issuer")
	cmd.PersistentFlags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	cmd.AddCommand(newMigrateCommand(cfg))
	cmd.AddCommand(newRatesCommand(cfg))

	return cmd
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, cleanup, _, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			if err := gormstore.New(gormDB).AutoMigrate(); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			return nil
		},
	}
}

func newRatesCommand(cfg *runtimeConfig) *cobra.Command {
	ratesCmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage the persisted rate configuration",
	}
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Validate a rate sheet and persist it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString(flagRatesFile)
			if err != nil {
				return err
			}
			config, err := rates.LoadFile(path)
			if err != nil {
				return err
			}
			gormDB, cleanup, _, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			store := gormstore.New(gormDB)
			if err := store.ReplaceRateConfig(cmd.Context(), config); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied rate config version %d (%d rates)\n", config.Version(), len(config.Rates()))
			return nil
		},
	}
	applyCmd.Flags().String(flagRatesFile, "", "path to the YAML rate sheet")
	_ = applyCmd.MarkFlagRequired(flagRatesFile)
	ratesCmd.AddCommand(applyCmd)
	return ratesCmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "HTTP_LISTEN_ADDR",
		configKeyRateSheet:      "RATE_SHEET",
		configKeySweepSchedule:  "SWEEP_SCHEDULE",
		configKeyHoldTTL:        "HOLD_TTL",
		configKeySigningKey:     "SIGNING_KEY",
		configKeyIssuer:         "TOKEN_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyRateSheet:      flagRateSheet,
		configKeySweepSchedule:  flagSweepSchedule,
		configKeyHoldTTL:        flagHoldTTL,
		configKeySigningKey:     flagSigningKey,
		configKeyIssuer:         flagIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.RateSheetPath = viper.GetString(configKeyRateSheet)
	cfg.SweepSchedule = viper.GetString(configKeySweepSchedule)
	cfg.HoldTTL = viper.GetDuration(configKeyHoldTTL)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.Issuer = viper.GetString(configKeyIssuer)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.AutoMigrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store, clock,
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	resolver, err := buildResolver(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	creditGate, err := gate.New(creditService, resolver, gate.WithHoldTTL(cfg.HoldTTL))
	if err != nil {
		return fmt.Errorf("gate init: %w", err)
	}

	sweep, err := sweeper.New(creditService, logger, sweeper.WithSchedule(cfg.SweepSchedule))
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("sweeper start: %w", err)
	}
	defer sweep.Stop()

	if cfg.RateSheetPath != "" {
		watcher, err := rates.NewWatcher(cfg.RateSheetPath, func(config rates.Config) {
			resolver.Swap(config)
			if err := store.ReplaceRateConfig(ctx, config); err != nil {
				logger.Error("rate config persist failed", zap.Error(err))
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("rate watcher init: %w", err)
		}
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("rate watcher stopped", zap.Error(err))
			}
		}()
	}

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     cfg.SigningKey,
		Issuer:         cfg.Issuer,
	}, creditGate, logger)
}

// buildResolver seeds the resolver from the rate sheet when one is configured,
// else from the persisted config, else from the built-in default.
func buildResolver(ctx context.Context, cfg *runtimeConfig, store *gormstore.Store, logger *zap.Logger) (*rates.Resolver, error) {
	if cfg.RateSheetPath != "" {
		config, err := rates.LoadFile(cfg.RateSheetPath)
		if err != nil {
			return nil, fmt.Errorf("rate sheet load: %w", err)
		}
		if err := store.ReplaceRateConfig(ctx, config); err != nil {
			return nil, fmt.Errorf("rate config persist: %w", err)
		}
		return rates.NewResolver(config, logger), nil
	}
	config, found, err := store.LoadRateConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate config load: %w", err)
	}
	if !found {
		config = rates.DefaultConfig()
		logger.Warn("no rate config found, using default cost for every endpoint")
	}
	return rates.NewResolver(config, logger), nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
