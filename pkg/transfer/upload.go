package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Uploader writes dropped entries into a destination one file at a time.
type Uploader struct {
	bridge   any
	registry *Registry
	cfg      engineConfig
}

func NewUploader(bridge any, registry *Registry, opts ...Option) *Uploader {
	return &Uploader{
		bridge:   bridge,
		registry: registry,
		cfg:      newEngineConfig(opts),
	}
}

// UploadExternalFiles extracts the entries of one drop and writes them into dest. Only
// pre-flight problems are returned as errors; per-file failures and cancellation are
// reported through the results and the registry. A nil token is derived from ctx.
func (u *Uploader) UploadExternalFiles(ctx context.Context, dest Destination, source EntrySource, token *CancelToken) ([]UploadResult, error) {
	if dest.ConnectionID == "" {
		return nil, ErrNoConnection
	}
	if u.bridge == nil {
		return nil, ErrBridgeUnavailable
	}
	if !dest.IsLocal {
		if err := checkSession(u.bridge, dest.SessionID); err != nil {
			return nil, err
		}
	}
	if token == nil {
		token = NewCancelToken(ctx)
	}

	entries, err := u.scan(ctx, dest, source)
	if err != nil {
		return nil, fmt.Errorf("extract drop entries: %w", err)
	}

	bundles, order, err := Classify(entries)
	if err != nil {
		return nil, err
	}

	b := &uploadBatch{
		u:           u,
		ctx:         token.Context(),
		dest:        dest,
		token:       token,
		ensurer:     newDestinationEnsurer(u.bridge, dest, u.cfg.logger),
		tracker:     NewBundleTracker(),
		bundleTasks: make(map[string]string),
	}
	b.createBundleTasks(bundles, order)
	b.run(SortEntries(entries))

	if b.cancelled {
		b.results = append(b.results, UploadResult{FileName: "", Success: false, Cancelled: true})
	}

	if u.cfg.refresher != nil {
		if err := u.cfg.refresher.Refresh(context.WithoutCancel(ctx), dest); err != nil {
			u.cfg.logger.Warn("failed to refresh destination", map[string]any{
				"path":  dest.Path,
				"error": err.Error(),
			})
		}
	}

	return b.results, nil
}

// scan shows a placeholder task while the drop is being extracted.
func (u *Uploader) scan(ctx context.Context, dest Destination, source EntrySource) ([]DropEntry, error) {
	scanID := u.cfg.newID()
	u.registry.Add(Task{
		ID:                 scanID,
		FileName:           scanningLabel,
		SourcePath:         localConnectionID,
		TargetPath:         dest.Path,
		SourceConnectionID: externalConnectionID,
		TargetConnectionID: dest.ConnectionID,
		Direction:          DirectionUpload,
		Status:             StatusPending,
		StartTime:          time.Now(),
		IsDirectory:        true,
	})
	defer u.registry.Dismiss(scanID)

	if source == nil {
		return nil, nil
	}
	return source.Entries(ctx)
}

type uploadBatch struct {
	u       *Uploader
	ctx     context.Context
	dest    Destination
	token   *CancelToken
	ensurer *DirEnsurer
	tracker *BundleTracker
	// bundle key -> bundle task id, only for bundles holding at least one file
	bundleTasks map[string]string
	results     []UploadResult
	cancelled   bool
}

func (b *uploadBatch) createBundleTasks(bundles map[string]*Bundle, order []string) {
	for _, key := range order {
		bundle := bundles[key]
		if bundle.Standalone {
			continue
		}
		totalBytes, fileCount := bundle.FileStats()
		if fileCount == 0 {
			continue
		}

		taskID := b.u.cfg.newID()
		b.bundleTasks[key] = taskID
		b.tracker.Register(taskID, totalBytes, fileCount)
		b.u.registry.Add(Task{
			ID:                 taskID,
			FileName:           bundle.Label(),
			SourcePath:         localConnectionID,
			TargetPath:         joinPath(b.dest.Path, bundle.RootName),
			SourceConnectionID: externalConnectionID,
			TargetConnectionID: b.dest.ConnectionID,
			Direction:          DirectionUpload,
			Status:             StatusTransferring,
			TotalBytes:         totalBytes,
			StartTime:          time.Now(),
			IsDirectory:        true,
		})
	}
}

func (b *uploadBatch) run(entries []DropEntry) {
	for _, entry := range entries {
		b.u.cfg.yield()
		if b.token.IsCancelled() {
			b.u.cfg.logger.Info("external upload cancelled by user", map[string]any{
				"destination": b.dest.Path,
			})
			b.cancelled = true
			break
		}
		if stop := b.process(entry); stop {
			break
		}
	}

	if b.cancelled {
		for _, taskID := range b.bundleTasks {
			b.u.registry.Update(taskID, finishUpdate(StatusCancelled, ""))
		}
	}
}

// process handles one entry and reports whether the batch must stop.
func (b *uploadBatch) process(entry DropEntry) bool {
	targetPath := joinPath(b.dest.Path, entry.RelativePath)

	if entry.IsDirectory {
		b.ensurer.Ensure(b.ctx, targetPath)
		return false
	}
	if entry.File == nil {
		return false
	}

	for _, dir := range ancestors(b.dest.Path, entry.RelativePath) {
		b.ensurer.Ensure(b.ctx, dir)
	}

	size := entry.File.Size()
	key, _ := BundleKey(entry)
	taskID, bundled := b.bundleTasks[key]
	if !bundled {
		taskID = b.u.cfg.newID()
		b.u.registry.Add(Task{
			ID:                 taskID,
			FileName:           entry.RelativePath,
			SourcePath:         localConnectionID,
			TargetPath:         targetPath,
			SourceConnectionID: externalConnectionID,
			TargetConnectionID: b.dest.ConnectionID,
			Direction:          DirectionUpload,
			Status:             StatusTransferring,
			TotalBytes:         size,
			StartTime:          time.Now(),
		})
	}

	cancelled, err := b.write(entry, taskID, bundled, targetPath)
	if cancelled || (err != nil && b.token.IsCancelled()) {
		b.u.cfg.logger.Info("upload cancelled, stopping remaining files", map[string]any{
			"file": entry.RelativePath,
		})
		b.cancelled = true
		b.u.registry.Update(taskID, finishUpdate(StatusCancelled, ""))
		return true
	}

	if err != nil {
		b.u.cfg.logger.Error("failed to upload file", err, map[string]any{
			"file":        entry.RelativePath,
			"target_path": targetPath,
		})
		b.results = append(b.results, UploadResult{
			FileName: entry.RelativePath,
			Success:  false,
			Error:    err.Error(),
		})
		b.u.registry.Update(taskID, finishUpdate(StatusFailed, err.Error()))
		return false
	}

	b.results = append(b.results, UploadResult{FileName: entry.RelativePath, Success: true})

	if bundled {
		if update, ok := b.tracker.Complete(taskID, size); ok {
			b.u.registry.Update(taskID, update)
		}
		return false
	}
	done := finishUpdate(StatusCompleted, "")
	done.TransferredBytes = ptr(size)
	b.u.registry.Update(taskID, done)
	return false
}

var errNoFallback = errors.New("upload failed and no fallback method available")

// write materializes the file and hands it to the bridge. cancelled is set when the
// bridge reported the write as cancelled.
func (b *uploadBatch) write(entry DropEntry, taskID string, bundled bool, targetPath string) (cancelled bool, err error) {
	data, err := entry.File.ReadAll(b.ctx)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", entry.RelativePath, err)
	}

	if b.dest.IsLocal {
		w, ok := b.u.bridge.(LocalFileWriter)
		if !ok {
			return false, fmt.Errorf("write local file: %w", ErrUnsupported)
		}
		return false, w.WriteLocalFile(b.ctx, targetPath, data)
	}

	plain, hasPlain := b.u.bridge.(SFTPBinaryWriter)

	if pw, ok := b.u.bridge.(SFTPProgressWriter); ok {
		res, err := b.writeWithProgress(pw, data, taskID, bundled, targetPath)
		if err != nil {
			return false, err
		}
		if res.Cancelled {
			return true, nil
		}
		if res.Success {
			return false, nil
		}
		if !hasPlain {
			return false, errNoFallback
		}
		return false, plain.WriteSFTPBinary(b.ctx, b.dest.SessionID, targetPath, data)
	}

	if hasPlain {
		return false, plain.WriteSFTPBinary(b.ctx, b.dest.SessionID, targetPath, data)
	}
	return false, fmt.Errorf("no sftp write method available: %w", ErrUnsupported)
}

func (b *uploadBatch) writeWithProgress(pw SFTPProgressWriter, data []byte, taskID string, bundled bool, targetPath string) (WriteResult, error) {
	// the backend id is per file; taskID may stand for a whole bundle
	transferID := b.u.cfg.newID()
	var cancel func() error
	if c, ok := b.u.bridge.(SFTPUploadCanceler); ok {
		cancel = func() error { return c.CancelSFTPUpload(transferID) }
	}
	b.token.setCurrent(transferID, cancel)
	untrack := b.token.track(transferID, cancel)
	defer b.token.clearCurrent()
	defer untrack()

	batcher := NewBatcher(b.u.cfg.progressInterval, func(ev ProgressEvent) {
		b.applyProgress(taskID, bundled, ev)
	}, b.token.IsCancelled)
	defer batcher.Stop()

	return pw.WriteSFTPBinaryWithProgress(b.ctx, b.dest.SessionID, targetPath, data, transferID, batcher.Push)
}

func (b *uploadBatch) applyProgress(taskID string, bundled bool, ev ProgressEvent) {
	if bundled {
		if update, ok := b.tracker.Progress(taskID, ev.Transferred, ev.Speed); ok {
			b.u.registry.Update(taskID, update)
		}
		return
	}
	update := progressUpdate(ev.Transferred, ev.Speed)
	if ev.Total > 0 {
		update.TotalBytes = ptr(ev.Total)
	}
	b.u.registry.Update(taskID, update)
}
