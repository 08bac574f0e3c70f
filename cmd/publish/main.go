package main

import (
	"flag"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/publisher"
	"dropxfer/pkg/shared"
)

func main() {
	var (
		configPath   = flag.String("config", "/etc/dropxfer/config.toml", "path to config file")
		connectionID = flag.String("connection", "cli", "connection id recorded on the tasks")
		sessionID    = flag.String("session", "", "session to transfer to or from; empty uploads locally")
		target       = flag.String("target", "", "target directory of an upload")
		download     = flag.Bool("download", false, "download -remote to -local instead of uploading")
		remotePath   = flag.String("remote", "", "remote file to download")
		localPath    = flag.String("local", "", "local path of a download")
		size         = flag.Int64("size", 0, "size of the remote file, if known")
	)
	flag.Parse()

	config, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": *configPath,
			"error":       err.Error(),
		})
	}

	publisher, err := publisher.NewPublisher(config)
	if err != nil {
		logger.Fatal("failed to create publisher", map[string]any{
			"error": err.Error(),
		})
	}
	defer publisher.Close()

	var batchID string
	if *download {
		batchID, err = publisher.PublishDownload(shared.DownloadPayload{
			ConnectionID: *connectionID,
			SessionID:    *sessionID,
			RemotePath:   *remotePath,
			LocalPath:    *localPath,
			Size:         *size,
		})
	} else {
		batchID, err = publisher.PublishUpload(shared.UploadPayload{
			ConnectionID: *connectionID,
			SessionID:    *sessionID,
			TargetDir:    *target,
			Paths:        flag.Args(),
		})
	}
	if err != nil {
		logger.Fatal("failed to publish task", map[string]any{
			"error": err.Error(),
		})
	}

	logger.Info("task published successfully", map[string]any{
		"batch_id": batchID,
		"download": *download,
	})
}
