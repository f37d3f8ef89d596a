package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/bundle"
	"github.com/mcpbundler/mcpbundler-go/internal/config"
	"github.com/mcpbundler/mcpbundler-go/internal/logs"
	"github.com/mcpbundler/mcpbundler-go/internal/observability"
	"github.com/mcpbundler/mcpbundler-go/internal/pool"
	"github.com/mcpbundler/mcpbundler-go/internal/secret"
	"github.com/mcpbundler/mcpbundler-go/internal/server"
	"github.com/mcpbundler/mcpbundler-go/internal/storage"
)

// EnvSecret carries the process-wide encryption secret. It is only read
// from the environment; it never appears in the config file.
const EnvSecret = "MCPBUNDLER_SECRET" //nolint:gosec // env var name, not a credential

var (
	configFile string
	dataDir    string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpbundler",
		Short:   "MCP Bundler - Multiplexing gateway that serves bundles of MCP servers behind one token",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpbundler)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file in the data directory")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")

	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting mcpbundler",
		zap.String("version", version),
		zap.String("log_level", logLevel),
		zap.String("data_dir", cfg.DataDir),
		zap.String("listen", cfg.ListenAddr()))

	cipher, err := secret.NewCipher(os.Getenv(EnvSecret))
	if err != nil {
		return fmt.Errorf("encryption secret (%s): %w", EnvSecret, err)
	}

	db, err := storage.NewBoltDB(cfg.DataDir, logger.Sugar())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	manager := storage.NewManager(db, cipher, logger.Sugar())

	wildcard := ""
	if cfg.AllowWildcardToken {
		wildcard = cfg.WildcardToken
		logger.Warn("Wildcard token access is enabled")
	}
	resolver := bundle.NewResolver(manager, cipher, wildcard, logger)

	connPool := pool.New(logger)
	metrics := observability.NewMetricsManager("mcpbundler")

	srv := server.New(cfg, resolver, connPool, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Start(ctx)
}

func loadConfig() (*config.Config, error) {
	if dataDir != "" {
		os.Setenv(config.EnvDataDir, dataDir)
	}
	return config.Load(configFile)
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
	return logs.SetupLogger(cfg.Logging)
}

// openManager opens the store for the management subcommands. The returned
// cleanup closes the database.
func openManager() (*storage.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Management commands log to console only, at warn level, so command
	// output stays machine-readable.
	logger, err := logs.SetupLogger(&config.LogConfig{
		Level:         logs.LogLevelWarn,
		EnableConsole: true,
	})
	if err != nil {
		return nil, nil, err
	}

	cipher, err := secret.NewCipher(os.Getenv(EnvSecret))
	if err != nil {
		return nil, nil, fmt.Errorf("encryption secret (%s): %w", EnvSecret, err)
	}

	db, err := storage.NewBoltDB(cfg.DataDir, logger.Sugar())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	manager := storage.NewManager(db, cipher, logger.Sugar())
	cleanup := func() {
		db.Close()
		_ = logger.Sync()
	}
	return manager, cleanup, nil
}
