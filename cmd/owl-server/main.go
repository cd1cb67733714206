package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sammrl/owl-redesign-prototype/internal/agent"
	"github.com/sammrl/owl-redesign-prototype/internal/async"
	"github.com/sammrl/owl-redesign-prototype/internal/config"
	"github.com/sammrl/owl-redesign-prototype/internal/dispatcher"
	"github.com/sammrl/owl-redesign-prototype/internal/gateway"
	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/observability"
	"github.com/sammrl/owl-redesign-prototype/internal/pool"
	"github.com/sammrl/owl-redesign-prototype/internal/registry"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

var (
	configPath string
	logLevel   string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "owl-server",
		Short: "Task orchestration server with polling and push transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to owl-config.yaml")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Override listen port")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	obs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logger := logging.FromObservability(obs, "server")
	metrics := observability.NewMetrics()

	reg := registry.New(logging.FromObservability(obs, "registry"))
	if err := reg.Load(cfg.Snapshot.Path); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	disp := dispatcher.New(reg, metrics, logging.FromObservability(obs, "dispatcher"))

	queryPool := pool.NewInProcess(pool.InProcessConfig{
		Slots:     cfg.Pool.QuerySlots,
		QueueSize: cfg.Pool.QueryQueue,
	}, &agent.LocalRunner{Delay: cfg.Pool.TaskDelay}, disp, logging.FromObservability(obs, "pool-query"))

	browserPool := pool.NewProcess(pool.ProcessConfig{
		Workers:         cfg.Pool.BrowserWorkers,
		QueueSize:       cfg.Pool.BrowserQueue,
		WorkerBinary:    cfg.Pool.WorkerBinary,
		HeartbeatWindow: cfg.Pool.HeartbeatWindow,
	}, disp, logging.FromObservability(obs, "pool-browser"))

	disp.RegisterPool(task.TypeQuery, queryPool)
	disp.RegisterPool(task.TypeBrowser, browserPool)

	srv := gateway.New(gateway.ServerConfig{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		EnableCORS: cfg.Server.EnableCORS,
		Debug:      cfg.Server.Debug,
	}, reg, disp, metrics, logging.FromObservability(obs, "gateway"))

	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()
	reg.StartFlusher(bg, cfg.Snapshot.Path, cfg.Snapshot.FlushInterval)
	startCleanup(bg, reg, cfg.Server.CleanupAge, logger)

	errCh := make(chan error, 1)
	async.Go(logger, "http-server", func() {
		errCh <- srv.Start()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	// Stop accepting work first, then drain pools, then flush state.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown: %v", err)
	}
	if err := queryPool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("query pool shutdown: %v", err)
	}
	if err := browserPool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("browser pool shutdown: %v", err)
	}

	stopBg()
	if err := reg.Save(cfg.Snapshot.Path); err != nil {
		logger.Warn("final snapshot: %v", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// startCleanup periodically purges terminal tasks older than maxAge so the
// registry does not grow without bound.
func startCleanup(ctx context.Context, reg *registry.Registry, maxAge time.Duration, logger logging.Logger) {
	if maxAge <= 0 {
		return
	}
	async.Go(logger, "registry-cleanup", func() {
		ticker := time.NewTicker(maxAge / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := reg.Cleanup(maxAge); removed > 0 {
					logger.Info("purged %d old terminal tasks", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	})
}
