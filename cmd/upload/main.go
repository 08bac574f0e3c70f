package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dropxfer/pkg/config"
	"dropxfer/pkg/drop"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/storage"
	"dropxfer/pkg/transfer"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/dropxfer/config.toml", "path to config file")
		sessionID  = flag.String("session", "", "session to upload to; empty uploads locally")
		target     = flag.String("target", "", "target directory")
	)
	flag.Parse()

	if *target == "" {
		logger.Fatal("target is required", nil)
	}
	if flag.NArg() == 0 {
		logger.Fatal("at least one path is required", nil)
	}

	config, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": *configPath,
			"error":       err.Error(),
		})
	}
	if level, err := logger.ParseLevel(config.Daemon.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	bridge, err := storage.NewBridgeFromConfig(config, logger.Default())
	if err != nil {
		logger.Fatal("failed to create storage bridge", map[string]any{
			"error": err.Error(),
		})
	}
	defer func() { _ = bridge.Close() }()

	registry := transfer.NewRegistry()
	registry.Subscribe(newBarObserver())
	uploader := transfer.NewUploader(bridge, registry,
		transfer.WithLogger(logger.Default()),
		transfer.WithProgressInterval(config.Transfer.ProgressInterval()),
	)

	token := transfer.NewCancelToken(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, cancelling upload", map[string]any{"signal": sig})
		token.Cancel()
	}()

	dest := transfer.Destination{
		ConnectionID: "cli",
		IsLocal:      *sessionID == "",
		SessionID:    *sessionID,
		Path:         *target,
	}
	results, err := uploader.UploadExternalFiles(token.Context(), dest, drop.NewPathSource(flag.Args()...), token)
	if err != nil {
		logger.Fatal("upload failed", map[string]any{"error": err.Error()})
	}

	failed := 0
	for _, r := range results {
		switch {
		case r.Cancelled && r.FileName == "":
			fmt.Fprintln(os.Stderr, "upload cancelled")
		case !r.Success:
			failed++
			fmt.Fprintf(os.Stderr, "failed: %s: %s\n", r.FileName, r.Error)
		}
	}
	if failed > 0 || token.IsCancelled() {
		_ = bridge.Close()
		os.Exit(1)
	}
}
