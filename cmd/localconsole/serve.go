package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BadgerOps/localconsole/internal/metrics"
	"github.com/BadgerOps/localconsole/internal/server"
	"github.com/spf13/cobra"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console backend",
		Long: `Start the HTTP API and the background loops: the connectivity watcher,
the health monitor, the backup scheduler and the sync coordinator.

By default, the server listens on the address configured in the config file
(default: 127.0.0.1:8080). Use --listen to override.`,
		Example: `  localconsole serve
  localconsole serve --listen 0.0.0.0:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("components not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.RegisterDBStats(globalStore.Stats)

	// settle the startup online state before anything reads it
	globalWatcher.Check(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		globalWatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		globalMonitor.Run(ctx, globalCfg.Health.Interval)
	}()

	if globalScheduler != nil {
		globalBackups.OnProfilesChanged(func() {
			if err := globalScheduler.Reload(); err != nil {
				log.Warn("failed to reload backup schedule", "error", err)
			}
		})
		if err := globalScheduler.Start(ctx); err != nil {
			log.Warn("backup scheduler started with errors", "error", err)
		}
	}

	if globalSync != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			globalSync.Run(ctx)
		}()
	}

	srv := server.NewServer(server.Services{
		Store:        globalStore,
		Resolver:     globalResolver,
		Connectivity: globalConn,
		Health:       globalMonitor,
		Backups:      globalBackups,
		Scheduler:    globalScheduler,
		Sync:         globalSync,
	}, globalCfg, logger)

	log.Info("server starting", "listen", listen, "mode", globalConn.State().Mode, "db", globalCfg.DatabasePath())

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	cancel()
	if globalScheduler != nil {
		globalScheduler.Stop(30 * time.Second)
	}
	wg.Wait()

	if runErr == nil {
		fmt.Println("Server stopped gracefully")
	}
	return runErr
}
