package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

const errStreamUnsupported = "streaming transfer not supported"

// DownloadRequest describes one remote file to copy to an already chosen local path.
type DownloadRequest struct {
	ConnectionID string
	SessionID    string
	RemotePath   string
	LocalPath    string
	// FileName defaults to the base name of RemotePath.
	FileName string
	Size     int64
}

// Downloader streams single remote files to the local side, one task per call.
type Downloader struct {
	bridge   any
	registry *Registry
	cfg      engineConfig
}

func NewDownloader(bridge any, registry *Registry, opts ...Option) *Downloader {
	return &Downloader{
		bridge:   bridge,
		registry: registry,
		cfg:      newEngineConfig(opts),
	}
}

// isCancellation reports whether a transport failure message means the transfer was
// cancelled rather than failed.
func isCancellation(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "cancelled") || strings.Contains(msg, "canceled")
}

// Download registers a task for req and runs the stream transfer to completion. The
// returned error covers pre-flight problems only; the outcome of the transfer itself is
// recorded on the task whose id is returned.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest, token *CancelToken) (string, error) {
	if req.ConnectionID == "" {
		return "", ErrNoConnection
	}
	if d.bridge == nil {
		return "", ErrBridgeUnavailable
	}
	if err := checkSession(d.bridge, req.SessionID); err != nil {
		return "", err
	}
	if req.LocalPath == "" {
		return "", fmt.Errorf("download %s: empty local path", req.RemotePath)
	}
	if token == nil {
		token = NewCancelToken(ctx)
	}

	name := req.FileName
	if name == "" {
		name = path.Base(req.RemotePath)
	}

	taskID := d.cfg.newID()
	d.registry.Add(Task{
		ID:                 taskID,
		FileName:           name,
		SourcePath:         req.RemotePath,
		TargetPath:         req.LocalPath,
		SourceConnectionID: req.ConnectionID,
		TargetConnectionID: localConnectionID,
		Direction:          DirectionDownload,
		Status:             StatusTransferring,
		TotalBytes:         req.Size,
		StartTime:          time.Now(),
	})

	streamer, ok := d.bridge.(StreamTransferer)
	if !ok {
		d.registry.Update(taskID, finishUpdate(StatusFailed, errStreamUnsupported))
		return taskID, nil
	}

	var cancel func() error
	if c, ok := d.bridge.(TransferCanceler); ok {
		cancel = func() error { return c.CancelTransfer(taskID) }
	}
	untrack := token.track(taskID, cancel)
	defer untrack()

	batcher := NewBatcher(d.cfg.progressInterval, func(ev ProgressEvent) {
		update := progressUpdate(ev.Transferred, ev.Speed)
		if ev.Total > 0 {
			update.TotalBytes = ptr(ev.Total)
		}
		d.registry.Update(taskID, update)
	}, token.IsCancelled)

	var once sync.Once
	finish := func(update TaskUpdate) {
		once.Do(func() {
			batcher.Stop()
			d.registry.Update(taskID, update)
		})
	}
	fail := func(msg string) {
		if isCancellation(msg) || token.IsCancelled() {
			d.cfg.logger.Info("download cancelled", map[string]any{
				"task_id": taskID,
				"remote":  req.RemotePath,
			})
			finish(finishUpdate(StatusCancelled, ""))
			return
		}
		d.cfg.logger.Error("download failed", errors.New(msg), map[string]any{
			"task_id": taskID,
			"remote":  req.RemotePath,
		})
		finish(finishUpdate(StatusFailed, msg))
	}

	cb := StreamCallbacks{
		OnProgress: batcher.Push,
		OnComplete: func() {
			done := finishUpdate(StatusCompleted, "")
			if t, ok := d.registry.Get(taskID); ok && t.TotalBytes > 0 {
				done.TransferredBytes = ptr(t.TotalBytes)
			}
			finish(done)
		},
		OnError: fail,
	}

	res, err := streamer.StartStreamTransfer(token.Context(), StreamOptions{
		TransferID:   taskID,
		SourcePath:   req.RemotePath,
		TargetPath:   req.LocalPath,
		SourceType:   EndpointSFTP,
		TargetType:   EndpointLocal,
		SourceSFTPID: req.SessionID,
		TotalBytes:   req.Size,
	}, cb)

	switch {
	case err != nil:
		fail(err.Error())
	case res.Error != "":
		fail(res.Error)
	case token.IsCancelled():
		finish(finishUpdate(StatusCancelled, ""))
	default:
		// a bridge that returns without calling back still counts as done
		cb.OnComplete()
	}
	return taskID, nil
}
