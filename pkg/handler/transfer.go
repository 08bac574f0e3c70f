package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/semaphore"

	"dropxfer/pkg/drop"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
	"dropxfer/pkg/storage"
	"dropxfer/pkg/store"
	"dropxfer/pkg/transfer"
)

type BatchStore interface {
	SaveBatch(ctx context.Context, rec store.BatchRecord) error
}

// SourceFunc builds the entry source of an upload from the queued paths.
type SourceFunc func(paths []string) transfer.EntrySource

func pathSource(paths []string) transfer.EntrySource {
	return drop.NewPathSource(paths...)
}

// TransferHandler runs queued uploads and downloads. At most maxBatches run at once and
// each one can be cancelled through the coordinator by its batch id.
type TransferHandler struct {
	uploader    *transfer.Uploader
	downloader  *transfer.Downloader
	registry    *transfer.Registry
	coordinator *transfer.Coordinator
	batches     BatchStore
	slots       *semaphore.Weighted
	source      SourceFunc
	logger      *logger.Logger
}

func NewTransferHandler(
	uploader *transfer.Uploader,
	downloader *transfer.Downloader,
	registry *transfer.Registry,
	coordinator *transfer.Coordinator,
	batches BatchStore,
	maxBatches int,
	l *logger.Logger,
) *TransferHandler {
	if maxBatches < 1 {
		maxBatches = 1
	}
	if l == nil {
		l = logger.Default()
	}
	return &TransferHandler{
		uploader:    uploader,
		downloader:  downloader,
		registry:    registry,
		coordinator: coordinator,
		batches:     batches,
		slots:       semaphore.NewWeighted(int64(maxBatches)),
		source:      pathSource,
		logger:      l,
	}
}

func (h *TransferHandler) saveBatch(ctx context.Context, rec store.BatchRecord) {
	if h.batches == nil {
		return
	}
	if err := h.batches.SaveBatch(context.WithoutCancel(ctx), rec); err != nil {
		h.logger.Warn("failed to save batch record", map[string]any{
			"batch_id": rec.BatchID,
			"error":    err.Error(),
		})
	}
}

// skipRetry marks errors that cannot succeed on a second attempt.
func skipRetry(err error) error {
	if storage.IsRetryableError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

func (h *TransferHandler) HandleUpload(ctx context.Context, t *asynq.Task) error {
	var payload shared.UploadPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("failed to unmarshal payload", err, nil)
		return fmt.Errorf("unmarshal upload payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.BatchID == "" {
		payload.BatchID = uuid.NewString()
	}
	if len(payload.Paths) == 0 {
		return fmt.Errorf("upload %s has no paths: %w", payload.BatchID, asynq.SkipRetry)
	}

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for batch slot: %w", err)
	}
	defer h.slots.Release(1)

	token, release := h.coordinator.Begin(ctx, payload.BatchID)
	defer release()

	rec := store.BatchRecord{
		BatchID:   payload.BatchID,
		Kind:      store.BatchUpload,
		Status:    store.BatchRunning,
		StartedAt: time.Now(),
	}
	h.saveBatch(ctx, rec)

	h.logger.Info("starting upload batch", map[string]any{
		"batch_id":   payload.BatchID,
		"session_id": payload.SessionID,
		"target_dir": payload.TargetDir,
		"paths":      len(payload.Paths),
	})

	dest := transfer.Destination{
		ConnectionID: payload.ConnectionID,
		IsLocal:      payload.IsLocal(),
		SessionID:    payload.SessionID,
		Path:         payload.TargetDir,
	}
	results, err := h.uploader.UploadExternalFiles(ctx, dest, h.source(payload.Paths), token)
	finished := time.Now()
	rec.FinishedAt = &finished
	if err != nil {
		rec.Status = store.BatchFailed
		rec.Error = err.Error()
		h.saveBatch(ctx, rec)
		h.logger.Error("upload batch failed", err, map[string]any{"batch_id": payload.BatchID})
		return skipRetry(err)
	}

	rec.Results = results
	rec.Status = store.BatchStatusOf(results)
	h.saveBatch(ctx, rec)

	h.logger.Info("upload batch finished", map[string]any{
		"batch_id": payload.BatchID,
		"status":   rec.Status,
		"results":  len(results),
		"duration": finished.Sub(rec.StartedAt).String(),
	})
	return nil
}

func (h *TransferHandler) HandleDownload(ctx context.Context, t *asynq.Task) error {
	var payload shared.DownloadPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("failed to unmarshal payload", err, nil)
		return fmt.Errorf("unmarshal download payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.BatchID == "" {
		payload.BatchID = uuid.NewString()
	}

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for batch slot: %w", err)
	}
	defer h.slots.Release(1)

	token, release := h.coordinator.Begin(ctx, payload.BatchID)
	defer release()

	rec := store.BatchRecord{
		BatchID:   payload.BatchID,
		Kind:      store.BatchDownload,
		Status:    store.BatchRunning,
		StartedAt: time.Now(),
	}
	h.saveBatch(ctx, rec)

	taskID, err := h.downloader.Download(ctx, transfer.DownloadRequest{
		ConnectionID: payload.ConnectionID,
		SessionID:    payload.SessionID,
		RemotePath:   payload.RemotePath,
		LocalPath:    payload.LocalPath,
		FileName:     payload.FileName,
		Size:         payload.Size,
	}, token)
	finished := time.Now()
	rec.FinishedAt = &finished
	rec.TaskID = taskID
	if err != nil {
		rec.Status = store.BatchFailed
		rec.Error = err.Error()
		h.saveBatch(ctx, rec)
		h.logger.Error("download failed", err, map[string]any{"batch_id": payload.BatchID})
		return skipRetry(err)
	}

	rec.Status = store.BatchCompleted
	if task, ok := h.registry.Get(taskID); ok {
		switch task.Status {
		case transfer.StatusCancelled:
			rec.Status = store.BatchCancelled
		case transfer.StatusFailed:
			rec.Status = store.BatchFailed
			rec.Error = task.Error
		}
	}
	h.saveBatch(ctx, rec)

	h.logger.Info("download finished", map[string]any{
		"batch_id": payload.BatchID,
		"task_id":  taskID,
		"status":   rec.Status,
	})
	return nil
}

// ErrBatchNotRunning is returned when cancelling a batch the daemon does not run.
var ErrBatchNotRunning = errors.New("batch not running")

func (h *TransferHandler) Cancel(batchID string) error {
	if !h.coordinator.Cancel(batchID) {
		return fmt.Errorf("%w: %s", ErrBatchNotRunning, batchID)
	}
	h.logger.Info("batch cancelled", map[string]any{"batch_id": batchID})
	return nil
}

func (h *TransferHandler) CancelAll() int {
	n := h.coordinator.CancelAll()
	h.logger.Info("all batches cancelled", map[string]any{"count": n})
	return n
}
