package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dropxfer/internal/daemon"
	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
)

func main() {
	var (
		configPath      string
		shutdownTimeout time.Duration
	)
	flag.StringVar(&configPath, "config", "/etc/dropxfer/config.toml", "path to config file")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time running batches get to finish before they are cancelled")
	flag.Parse()

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": configPath,
			"error":       err.Error(),
		})
	}

	svc, err := daemon.NewDaemonService(cfg)
	if err != nil {
		logger.Fatal("failed to create daemon", map[string]any{
			"error": err.Error(),
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	startErr := make(chan error, 1)
	go func() {
		logger.Info("starting dropxfer daemon", map[string]any{
			"sessions":  len(cfg.Sessions),
			"http_addr": cfg.HTTP.Addr,
		})
		startErr <- svc.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal", nil)
	case err := <-startErr:
		if err != nil {
			logger.Error("daemon start failed", err, nil)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", err, nil)
		os.Exit(1)
	}

	logger.Info("daemon stopped", nil)
}
