// Command codequarry runs the golden-repository code search service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"

	"codequarry/internal/analyze"
	"codequarry/internal/backend"
	"codequarry/internal/coordinator"
	"codequarry/internal/event"
	"codequarry/internal/home"
	"codequarry/internal/indexer"
	"codequarry/internal/logging"
	"codequarry/internal/settings"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "codequarry",
		Short: "Golden repository code search service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps; bind to loopback only, never expose publicly")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the codequarry service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			indexerCmd, _ := cmd.Flags().GetString("indexer")
			analyzerCmd, _ := cmd.Flags().GetString("analyzer")
			adminUser, _ := cmd.Flags().GetString("admin-user")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, dataDir, indexerCmd, analyzerCmd, adminUser)
		},
	}

	serveCmd.Flags().String("indexer", indexer.DefaultCommand, "index builder executable")
	serveCmd.Flags().String("analyzer", "", "analyzer executable for repo descriptions and dependency maps (empty disables analysis)")
	serveCmd.Flags().String("admin-user", "admin", "admin account ensured at startup when "+settings.EnvPrefix+"ADMIN_PASSWORD is set")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, dataDirFlag, indexerCmd, analyzerCmd, adminUser string) error {
	// Resolve the data directory.
	hd, err := resolveDataDir(dataDirFlag)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("data directory", "path", hd.Root())

	// Settings: file overlaid on defaults, env on top, hot reload on change.
	mgr, err := settings.NewManager(settings.ManagerConfig{
		Path:   hd.SettingsPath(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := mgr.Watch(); err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("settings watcher close failed", "error", err)
		}
	}()
	snap := mgr.Snapshot()

	// Index builder subprocess runner.
	idx := indexer.New(indexer.Config{
		Command:    indexerCmd,
		MaxWorkers: int64(snap.SubprocessMaxWorkers),
		Logger:     logger,
	})
	if err := idx.Check(); err != nil {
		logger.Warn("index builder not found, builds will fail until it is installed",
			"command", indexerCmd, "error", err)
	}

	// External analyzer, optional.
	var analyzer analyze.Analyzer
	if analyzerCmd != "" {
		cli := analyze.NewCLI(analyze.CLIConfig{Command: analyzerCmd, Logger: logger})
		if err := cli.Check(); err != nil {
			return err
		}
		analyzer = cli
	} else {
		logger.Info("no analyzer configured, descriptions and dependency maps disabled")
	}

	backends := buildBackends()
	if len(backends.ForKinds(nil)) == 0 {
		logger.Warn("no index backends compiled in, searches will return no hits")
	}

	coord, err := coordinator.New(coordinator.Config{
		Home:     hd,
		Settings: mgr,
		Backends: backends,
		Analyzer: analyzer,
		Indexer:  idx,
		Logger:   logger,
		Events:   event.NewSlogSink(logger),
	})
	if err != nil {
		return err
	}

	// Seed the first admin account. Regular account management goes through
	// the identity store; this only covers the empty-database case.
	if password := os.Getenv(settings.EnvPrefix + "ADMIN_PASSWORD"); password != "" {
		created, err := coord.Users().EnsureAdmin(ctx, adminUser, password)
		if err != nil {
			return fmt.Errorf("ensure admin account: %w", err)
		}
		if created {
			logger.Info("admin account created", "username", adminUser)
		}
	}

	// Start the coordinator.
	logger.Info("starting coordinator", "version", version)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	logger.Info("coordinator started")

	// Wait for shutdown signal.
	<-ctx.Done()

	logger.Info("shutting down coordinator")
	if err := coord.Stop(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildBackends assembles the index engines compiled into this binary.
// Engines plug in through the backend.Backend interface; a build without
// any still serves registry, job, and payload operations.
func buildBackends() *backend.Set {
	return backend.NewSet()
}

// resolveDataDir returns a Dir from the flag value, or the platform default.
func resolveDataDir(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
