package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/localconsole/internal/backup"
	"github.com/BadgerOps/localconsole/internal/config"
	"github.com/BadgerOps/localconsole/internal/connectivity"
	"github.com/BadgerOps/localconsole/internal/endpoint"
	"github.com/BadgerOps/localconsole/internal/health"
	"github.com/BadgerOps/localconsole/internal/reconcile"
	"github.com/BadgerOps/localconsole/internal/scheduler"
	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/BadgerOps/localconsole/internal/transport"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore     *store.Store
	globalResolver  *endpoint.Resolver
	globalConn      *connectivity.Controller
	globalWatcher   *connectivity.Watcher
	globalMonitor   *health.Monitor
	globalBackups   *backup.Engine
	globalScheduler *scheduler.Scheduler
	globalSync      *reconcile.Coordinator
)

// initializeComponents builds every service from the loaded config. Nothing
// is started here; serve starts the background loops.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	globalResolver = endpoint.NewResolver(st, globalCfg.Endpoints, logger)

	fallback, err := connectivity.ParseMode(globalCfg.Connectivity.DefaultMode)
	if err != nil {
		fallback = connectivity.ModeOfflineFirst
	}
	mode := connectivity.LoadMode(st, fallback, logger)
	globalConn = connectivity.NewController(connectivity.State{Mode: mode}, st, logger)
	globalWatcher = connectivity.NewWatcher(globalConn,
		globalCfg.Connectivity.ProbeAddress,
		globalCfg.Connectivity.ProbeInterval,
		globalCfg.Connectivity.ProbeTimeout,
		logger)

	client := transport.NewClient(transport.Options{
		Timeout:   globalCfg.Health.Timeout,
		UserAgent: "localconsole/" + version,
	}, logger)
	globalMonitor = health.NewMonitor(globalCfg.Health.Services, globalResolver, client, globalCfg.Health.Timeout, logger)

	maxImport, err := globalCfg.Backup.MaxImportBytes()
	if err != nil {
		return fmt.Errorf("invalid backup.max_import_size: %w", err)
	}
	globalBackups = backup.NewEngine(st, backup.Options{
		Compress:      globalCfg.Backup.CompressionEnabled(),
		MaxImportSize: maxImport,
	}, logger)

	if globalCfg.Backup.SchedulerEnabled {
		globalScheduler = scheduler.New(globalBackups, time.Local, logger)
	}
	if globalCfg.Sync.Enabled {
		globalSync = reconcile.NewCoordinator(st, globalResolver, globalConn, reconcile.Nop{}, globalCfg.Sync, logger)
	}

	logger.Debug("components initialized", "db", dbPath, "mode", mode)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    cmd.Parent() != nil && cmd.Parent().Name() == "config",
	}
	return skipInitCmds[cmd.Name()]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "localconsole",
		Short: "Local-first console backend",
		Long: `localconsole keeps a locally persisted dataset usable when network
connectivity is unreliable. It resolves service endpoints, tracks the
connectivity mode, monitors remote service health, takes scheduled and manual
backups of the local dataset, and reconciles with the remote side when online.`,
		Example: `  localconsole serve
  localconsole status
  localconsole endpoint set api http://10.0.0.5:3000
  localconsole mode set HYBRID
  localconsole backup create --type FULL --tables contacts,notes
  localconsole profile add --name Nightly --daily 02:00 --type FULL --tables '*'
  localconsole restore 0b5c... --yes`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newEndpointCmd(),
		newModeCmd(),
		newHealthCmd(),
		newBackupCmd(),
		newProfileCmd(),
		newRestoreCmd(),
		newImportCmd(),
		newVerifyCmd(),
		newSyncCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
