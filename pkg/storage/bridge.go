package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dropxfer/pkg/logger"
	"dropxfer/pkg/transfer"
)

// watchSettle is how long a watched file must stay quiet before it is synced back.
const watchSettle = 300 * time.Millisecond

const cancelledMessage = "transfer cancelled"

var (
	_ transfer.LocalFileWriter    = (*Bridge)(nil)
	_ transfer.LocalFileReader    = (*Bridge)(nil)
	_ transfer.LocalDirMaker      = (*Bridge)(nil)
	_ transfer.SFTPTextWriter     = (*Bridge)(nil)
	_ transfer.SFTPTextReader     = (*Bridge)(nil)
	_ transfer.SFTPBinaryWriter   = (*Bridge)(nil)
	_ transfer.SFTPBinaryReader   = (*Bridge)(nil)
	_ transfer.SFTPProgressWriter = (*Bridge)(nil)
	_ transfer.SFTPDirMaker       = (*Bridge)(nil)
	_ transfer.SFTPUploadCanceler = (*Bridge)(nil)
	_ transfer.StreamTransferer   = (*Bridge)(nil)
	_ transfer.TransferCanceler   = (*Bridge)(nil)
	_ transfer.TempDownloader     = (*Bridge)(nil)
	_ transfer.ApplicationOpener  = (*Bridge)(nil)
	_ transfer.TempFileRegistrar  = (*Bridge)(nil)
	_ transfer.FileWatcher        = (*Bridge)(nil)
	_ transfer.WatchStopper       = (*Bridge)(nil)
	_ transfer.SessionChecker     = (*Bridge)(nil)
)

// Bridge performs the file I/O of the transfer engine against the local filesystem
// and the configured remote sessions.
type Bridge struct {
	local   Session
	tempDir string
	logger  *logger.Logger

	mu        sync.RWMutex
	sessions  map[string]Session
	transfers map[string]context.CancelFunc
	tempFiles map[string][]string
	watches   map[string]context.CancelFunc
}

func NewBridge(local Session, tempDir string, l *logger.Logger) *Bridge {
	if l == nil {
		l = logger.Default()
	}
	if local == nil {
		local = NewLocalSession("")
	}
	return &Bridge{
		local:     local,
		tempDir:   tempDir,
		logger:    l,
		sessions:  make(map[string]Session),
		transfers: make(map[string]context.CancelFunc),
		tempFiles: make(map[string][]string),
		watches:   make(map[string]context.CancelFunc),
	}
}

func (b *Bridge) AddSession(id string, s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[id] = s
}

func (b *Bridge) Session(id string) (Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transfer.ErrSessionNotFound, id)
	}
	return s, nil
}

func (b *Bridge) HasSession(id string) bool {
	_, err := b.Session(id)
	return err == nil
}

func (b *Bridge) SessionIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Side returns the session a destination points at.
func (b *Bridge) Side(dest transfer.Destination) (Session, error) {
	if dest.IsLocal {
		return b.local, nil
	}
	return b.Session(dest.SessionID)
}

// ListDestination lists the directory a batch was written to.
func (b *Bridge) ListDestination(ctx context.Context, dest transfer.Destination) ([]FileMetadata, error) {
	s, err := b.Side(dest)
	if err != nil {
		return nil, err
	}
	dir := dest.Path
	if dir == "" {
		dir = "."
	}
	return s.List(ctx, dir)
}

func (b *Bridge) WriteLocalFile(ctx context.Context, p string, data []byte) error {
	return b.local.UploadFromReader(ctx, bytes.NewReader(data), p, nil)
}

func (b *Bridge) ReadLocalFile(ctx context.Context, p string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.local.Download(ctx, p, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Bridge) MkdirLocal(ctx context.Context, p string) error {
	return b.local.Mkdir(ctx, p)
}

func (b *Bridge) WriteSFTP(ctx context.Context, sessionID, p, text string) error {
	return b.WriteSFTPBinary(ctx, sessionID, p, []byte(text))
}

func (b *Bridge) ReadSFTP(ctx context.Context, sessionID, p string) (string, error) {
	data, err := b.ReadSFTPBinary(ctx, sessionID, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (b *Bridge) WriteSFTPBinary(ctx context.Context, sessionID, p string, data []byte) error {
	s, err := b.Session(sessionID)
	if err != nil {
		return err
	}
	return s.UploadFromReader(ctx, bytes.NewReader(data), p, nil)
}

func (b *Bridge) ReadSFTPBinary(ctx context.Context, sessionID, p string) ([]byte, error) {
	s, err := b.Session(sessionID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := s.Download(ctx, p, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Bridge) MkdirSFTP(ctx context.Context, sessionID, p string) error {
	s, err := b.Session(sessionID)
	if err != nil {
		return err
	}
	return s.Mkdir(ctx, p)
}

func (b *Bridge) beginTransfer(ctx context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.transfers[id] = cancel
	b.mu.Unlock()
	return ctx, func() {
		b.mu.Lock()
		delete(b.transfers, id)
		b.mu.Unlock()
		cancel()
	}
}

func (b *Bridge) cancelTransfer(id string) error {
	b.mu.Lock()
	cancel, ok := b.transfers[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no transfer in flight with id %s", id)
	}
	cancel()
	return nil
}

// WriteSFTPBinaryWithProgress uploads data while reporting progress under transferID.
// A cancelled upload is reported through the result, not as an error.
func (b *Bridge) WriteSFTPBinaryWithProgress(ctx context.Context, sessionID, p string, data []byte, transferID string, onProgress transfer.ProgressFunc) (transfer.WriteResult, error) {
	s, err := b.Session(sessionID)
	if err != nil {
		return transfer.WriteResult{}, err
	}

	ctx, done := b.beginTransfer(ctx, transferID)
	defer done()

	reader := newProgressReader(bytes.NewReader(data), int64(len(data)), onProgress)
	if err := s.UploadFromReader(ctx, reader, p, nil); err != nil {
		if IsCancelled(err) || ctx.Err() != nil {
			return transfer.WriteResult{Cancelled: true}, nil
		}
		return transfer.WriteResult{}, err
	}
	return transfer.WriteResult{Success: true}, nil
}

func (b *Bridge) CancelSFTPUpload(transferID string) error {
	return b.cancelTransfer(transferID)
}

func (b *Bridge) CancelTransfer(transferID string) error {
	return b.cancelTransfer(transferID)
}

func (b *Bridge) endpoint(kind transfer.EndpointType, sessionID string) (Session, error) {
	switch kind {
	case transfer.EndpointLocal:
		return b.local, nil
	case transfer.EndpointSFTP:
		return b.Session(sessionID)
	default:
		return nil, fmt.Errorf("unknown endpoint type %q", kind)
	}
}

// StartStreamTransfer pipes the source straight into the target without buffering the
// whole file. The callbacks fire before it returns.
func (b *Bridge) StartStreamTransfer(ctx context.Context, opts transfer.StreamOptions, cb transfer.StreamCallbacks) (transfer.StreamResult, error) {
	src, err := b.endpoint(opts.SourceType, opts.SourceSFTPID)
	if err != nil {
		return transfer.StreamResult{}, fmt.Errorf("resolve source: %w", err)
	}
	dst, err := b.endpoint(opts.TargetType, opts.TargetSFTPID)
	if err != nil {
		return transfer.StreamResult{}, fmt.Errorf("resolve target: %w", err)
	}

	ctx, done := b.beginTransfer(ctx, opts.TransferID)
	defer done()

	pr, pw := io.Pipe()
	reader := newProgressReader(pr, opts.TotalBytes, cb.OnProgress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := src.Download(gctx, opts.SourcePath, pw)
		_ = pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := dst.UploadFromReader(gctx, reader, opts.TargetPath, nil)
		_ = pr.CloseWithError(err)
		return err
	})
	err = g.Wait()

	result := transfer.StreamResult{TransferID: opts.TransferID, TotalBytes: reader.count()}
	if err != nil {
		msg := err.Error()
		if IsCancelled(err) || ctx.Err() != nil {
			msg = cancelledMessage
		}
		result.Error = msg
		if cb.OnError != nil {
			cb.OnError(msg)
		}
		return result, nil
	}

	if cb.OnComplete != nil {
		cb.OnComplete()
	}
	return result, nil
}

// DownloadSFTPToTemp copies a remote file into a fresh directory below the temp dir.
func (b *Bridge) DownloadSFTPToTemp(ctx context.Context, sessionID, remotePath, fileName string) (string, error) {
	s, err := b.Session(sessionID)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(b.tempDir, "dropxfer-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	name := filepath.Base(fileName)
	if fileName == "" || name == "." || name == string(filepath.Separator) {
		name = path.Base(remotePath)
	}
	localPath := filepath.Join(dir, name)

	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	_, copyErr := s.Download(ctx, remotePath, f)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("download to temp: %w", copyErr)
	}
	return localPath, nil
}

func (b *Bridge) RegisterTempFile(sessionID, localPath string) error {
	if localPath == "" {
		return errors.New("empty temp file path")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tempFiles[sessionID] = append(b.tempFiles[sessionID], localPath)
	return nil
}

// CleanupTempFiles removes the temp files registered for a session along with their
// directories.
func (b *Bridge) CleanupTempFiles(sessionID string) {
	b.mu.Lock()
	files := b.tempFiles[sessionID]
	delete(b.tempFiles, sessionID)
	b.mu.Unlock()

	for _, f := range files {
		dir := filepath.Dir(f)
		if strings.HasPrefix(filepath.Base(dir), "dropxfer-") {
			if err := os.RemoveAll(dir); err != nil {
				b.logger.Warn("failed to remove temp dir", map[string]any{"path": dir, "error": err.Error()})
			}
			continue
		}
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("failed to remove temp file", map[string]any{"path": f, "error": err.Error()})
		}
	}
}

// OpenWithApplication starts appPath with the file as its only argument and does not
// wait for it to exit.
func (b *Bridge) OpenWithApplication(ctx context.Context, filePath, appPath string) error {
	if appPath == "" {
		return errors.New("no application given")
	}
	cmd := exec.Command(appPath, filePath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", appPath, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			b.logger.Debug("application exited with error", map[string]any{
				"app":   appPath,
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// StartFileWatch syncs localPath back to remotePath every time it settles after a
// change. The watch runs until StopFileWatch or Close.
func (b *Bridge) StartFileWatch(ctx context.Context, localPath, remotePath, sessionID string) (string, error) {
	s, err := b.Session(sessionID)
	if err != nil {
		return "", err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("create watcher: %w", err)
	}
	// editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(localPath)); err != nil {
		_ = watcher.Close()
		return "", fmt.Errorf("watch %s: %w", localPath, err)
	}

	id := uuid.NewString()
	watchCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.watches[id] = cancel
	b.mu.Unlock()

	go b.runWatch(watchCtx, watcher, s, filepath.Clean(localPath), remotePath)
	return id, nil
}

func (b *Bridge) StopFileWatch(id string) bool {
	b.mu.Lock()
	cancel, ok := b.watches[id]
	delete(b.watches, id)
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (b *Bridge) runWatch(ctx context.Context, watcher *fsnotify.Watcher, s Session, localPath, remotePath string) {
	defer func() { _ = watcher.Close() }()

	settle := time.NewTimer(watchSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != localPath {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				settle.Reset(watchSettle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("file watch error", map[string]any{"path": localPath, "error": err.Error()})
		case <-settle.C:
			b.syncBack(ctx, s, localPath, remotePath)
		}
	}
}

func (b *Bridge) syncBack(ctx context.Context, s Session, localPath, remotePath string) {
	f, err := os.Open(localPath)
	if err != nil {
		b.logger.Error("failed to open watched file", err, map[string]any{"path": localPath})
		return
	}
	defer func() { _ = f.Close() }()

	if err := s.UploadFromReader(ctx, f, remotePath, nil); err != nil {
		b.logger.Error("failed to sync watched file", err, map[string]any{
			"path":   localPath,
			"remote": remotePath,
		})
		return
	}
	b.logger.Info("synced watched file", map[string]any{
		"path":   localPath,
		"remote": remotePath,
	})
}

// Close stops every transfer and watch, removes registered temp files and closes the
// sessions.
func (b *Bridge) Close() error {
	b.mu.Lock()
	for _, cancel := range b.transfers {
		cancel()
	}
	for id, cancel := range b.watches {
		cancel()
		delete(b.watches, id)
	}
	sessionIDs := make([]string, 0, len(b.tempFiles))
	for id := range b.tempFiles {
		sessionIDs = append(sessionIDs, id)
	}
	sessions := b.sessions
	b.sessions = make(map[string]Session)
	b.mu.Unlock()

	for _, id := range sessionIDs {
		b.CleanupTempFiles(id)
	}

	var errs []error
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", id, err))
		}
	}
	if err := b.local.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
