package daemon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"dropxfer/pkg/config"
	"dropxfer/pkg/handler"
	"dropxfer/pkg/hook"
	httpHandler "dropxfer/pkg/http"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/publisher"
	"dropxfer/pkg/shared"
	"dropxfer/pkg/storage"
	"dropxfer/pkg/store"
	"dropxfer/pkg/transfer"
)

type DaemonService struct {
	server          *asynq.Server
	httpServer      *http.Server
	redisClient     *redis.Client
	asyncClient     *asynq.Client
	publisher       *publisher.Publisher
	bridge          *storage.Bridge
	transferHandler *handler.TransferHandler
	refreshHandler  *handler.RefreshHandler
	config          *config.Config
	logger          *logger.Logger
}

func NewDaemonService(config *config.Config) (*DaemonService, error) {
	level, err := logger.ParseLevel(config.Daemon.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(level)
	l := logger.Default()

	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: config.Daemon.Concurrency,
		Queues: map[string]int{
			"default": 6,
		},
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	asyncClient := asynq.NewClient(redisOpt)

	l.Info("creating storage bridge", map[string]any{"sessions": len(config.Sessions)})
	bridge, err := storage.NewBridgeFromConfig(config, l)
	if err != nil {
		_ = asyncClient.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("create storage bridge: %w", err)
	}

	registry := transfer.NewRegistry()
	taskStore := store.NewTaskStore(redisClient, store.DefaultTTL, l)
	registry.Subscribe(taskStore)

	debouncer := hook.NewDebouncer(redisClient, asyncClient, &config.Daemon, l)
	refresher := hook.NewRefresher(bridge, debouncer, l)

	opts := []transfer.Option{
		transfer.WithLogger(l),
		transfer.WithRefresher(refresher),
		transfer.WithProgressInterval(config.Transfer.ProgressInterval()),
	}
	transferHandler := handler.NewTransferHandler(
		transfer.NewUploader(bridge, registry, opts...),
		transfer.NewDownloader(bridge, registry, opts...),
		registry,
		transfer.NewCoordinator(),
		taskStore,
		config.Transfer.MaxConcurrentBatches,
		l,
	)
	refreshHandler := handler.NewRefreshHandler(&config.Daemon, l, debouncer)

	pub := publisher.NewPublisherWithClient(asyncClient, config)
	api := httpHandler.NewHTTPHandler(pub, registry, transferHandler, taskStore, l).
		WithFiles(transfer.NewFileAccess(bridge), transfer.NewTempOpener(bridge, l))

	httpServer := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: api.Routes(),
	}

	return &DaemonService{
		server:          server,
		httpServer:      httpServer,
		redisClient:     redisClient,
		asyncClient:     asyncClient,
		publisher:       pub,
		bridge:          bridge,
		transferHandler: transferHandler,
		refreshHandler:  refreshHandler,
		config:          config,
		logger:          l,
	}, nil
}

func (d *DaemonService) Start() error {
	go func() {
		d.logger.Info("starting HTTP server", map[string]any{
			"addr": d.config.HTTP.Addr,
		})

		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("HTTP server failed", err, nil)
		}
	}()

	d.logger.Info("starting Asynq server", map[string]any{
		"concurrency":   d.config.Daemon.Concurrency,
		"max_batches":   d.config.Transfer.MaxConcurrentBatches,
		"refresh_tasks": d.config.Daemon.EnableRefreshTask,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(shared.TaskTypeUpload, d.transferHandler.HandleUpload)
	mux.HandleFunc(shared.TaskTypeDownload, d.transferHandler.HandleDownload)
	mux.HandleFunc(shared.TaskTypeRefresh, d.refreshHandler.ProcessTask)
	return d.server.Run(mux)
}

func (d *DaemonService) Shutdown(ctx context.Context) error {
	d.logger.Info("initiating graceful shutdown", nil)

	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Error("HTTP server shutdown failed", err, nil)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.server.Shutdown()
	}()

	var err error
	select {
	case <-done:
		d.logger.Info("all tasks completed, shutdown successful", nil)
	case <-ctx.Done():
		d.logger.Warn("shutdown timeout, cancelling running batches", map[string]any{
			"cancelled": d.transferHandler.CancelAll(),
		})
		err = ctx.Err()
	}

	if closeErr := d.bridge.Close(); closeErr != nil {
		d.logger.Error("failed to close storage bridge", closeErr, nil)
	}
	d.publisher.Close()
	_ = d.redisClient.Close()
	return err
}
