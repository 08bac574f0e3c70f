package transfer

import (
	"context"
	"fmt"

	"dropxfer/pkg/logger"
)

// Side addresses the filesystem an operation runs against.
type Side struct {
	ConnectionID string
	IsLocal      bool
	SessionID    string
}

func (s Side) check(bridge any) error {
	if s.ConnectionID == "" {
		return ErrNoConnection
	}
	if !s.IsLocal {
		return checkSession(bridge, s.SessionID)
	}
	return nil
}

// FileAccess reads and writes single files on either side through the bridge.
type FileAccess struct {
	bridge any
}

func NewFileAccess(bridge any) *FileAccess {
	return &FileAccess{bridge: bridge}
}

func (f *FileAccess) ReadText(ctx context.Context, side Side, filePath string) (string, error) {
	if err := side.check(f.bridge); err != nil {
		return "", err
	}
	if side.IsLocal {
		r, ok := f.bridge.(LocalFileReader)
		if !ok {
			return "", fmt.Errorf("read local file: %w", ErrUnsupported)
		}
		data, err := r.ReadLocalFile(ctx, filePath)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if f.bridge == nil {
		return "", ErrBridgeUnavailable
	}
	r, ok := f.bridge.(SFTPTextReader)
	if !ok {
		return "", ErrBridgeUnavailable
	}
	return r.ReadSFTP(ctx, side.SessionID, filePath)
}

func (f *FileAccess) ReadBinary(ctx context.Context, side Side, filePath string) ([]byte, error) {
	if err := side.check(f.bridge); err != nil {
		return nil, err
	}
	if side.IsLocal {
		r, ok := f.bridge.(LocalFileReader)
		if !ok {
			return nil, fmt.Errorf("read local file: %w", ErrUnsupported)
		}
		return r.ReadLocalFile(ctx, filePath)
	}
	r, ok := f.bridge.(SFTPBinaryReader)
	if !ok {
		return nil, fmt.Errorf("read binary file: %w", ErrUnsupported)
	}
	return r.ReadSFTPBinary(ctx, side.SessionID, filePath)
}

func (f *FileAccess) WriteText(ctx context.Context, side Side, filePath, content string) error {
	if err := side.check(f.bridge); err != nil {
		return err
	}
	if side.IsLocal {
		w, ok := f.bridge.(LocalFileWriter)
		if !ok {
			return fmt.Errorf("write local file: %w", ErrUnsupported)
		}
		return w.WriteLocalFile(ctx, filePath, []byte(content))
	}
	if f.bridge == nil {
		return ErrBridgeUnavailable
	}
	w, ok := f.bridge.(SFTPTextWriter)
	if !ok {
		return ErrBridgeUnavailable
	}
	return w.WriteSFTP(ctx, side.SessionID, filePath, content)
}

// OpenResult reports what DownloadToTempAndOpen did besides opening the file.
type OpenResult struct {
	LocalPath string
	WatchID   string
}

// TempOpener opens files with an external application, downloading remote files to a
// temporary location first.
type TempOpener struct {
	bridge any
	logger *logger.Logger
}

func NewTempOpener(bridge any, l *logger.Logger) *TempOpener {
	if l == nil {
		l = logger.Default()
	}
	return &TempOpener{bridge: bridge, logger: l}
}

// DownloadToTempAndOpen opens remotePath with appPath. Registering the temp file for
// cleanup and starting the watch are best effort; their failures are only logged.
func (o *TempOpener) DownloadToTempAndOpen(ctx context.Context, side Side, remotePath, fileName, appPath string, enableWatch bool) (OpenResult, error) {
	if side.ConnectionID == "" {
		return OpenResult{}, ErrNoConnection
	}
	downloader, hasDownload := o.bridge.(TempDownloader)
	opener, hasOpen := o.bridge.(ApplicationOpener)
	if !hasDownload || !hasOpen {
		return OpenResult{}, fmt.Errorf("open with application: %w", ErrUnsupported)
	}

	if side.IsLocal {
		if err := opener.OpenWithApplication(ctx, remotePath, appPath); err != nil {
			return OpenResult{}, fmt.Errorf("open %s: %w", remotePath, err)
		}
		return OpenResult{LocalPath: remotePath}, nil
	}
	if err := checkSession(o.bridge, side.SessionID); err != nil {
		return OpenResult{}, err
	}

	localPath, err := downloader.DownloadSFTPToTemp(ctx, side.SessionID, remotePath, fileName)
	if err != nil {
		return OpenResult{}, fmt.Errorf("download %s to temp: %w", remotePath, err)
	}

	if registrar, ok := o.bridge.(TempFileRegistrar); ok {
		if err := registrar.RegisterTempFile(side.SessionID, localPath); err != nil {
			o.logger.Warn("failed to register temp file", map[string]any{
				"path":  localPath,
				"error": err.Error(),
			})
		}
	}

	if err := opener.OpenWithApplication(ctx, localPath, appPath); err != nil {
		return OpenResult{LocalPath: localPath}, fmt.Errorf("open %s: %w", localPath, err)
	}

	result := OpenResult{LocalPath: localPath}
	if !enableWatch {
		return result, nil
	}
	watcher, ok := o.bridge.(FileWatcher)
	if !ok {
		return result, nil
	}
	watchID, err := watcher.StartFileWatch(ctx, localPath, remotePath, side.SessionID)
	if err != nil {
		o.logger.Warn("failed to start file watch", map[string]any{
			"path":  localPath,
			"error": err.Error(),
		})
		return result, nil
	}
	o.logger.Info("watching temp file for changes", map[string]any{
		"path":     localPath,
		"remote":   remotePath,
		"watch_id": watchID,
	})
	result.WatchID = watchID
	return result, nil
}

// StopWatch ends a watch started by DownloadToTempAndOpen. It reports false for an
// unknown watch id.
func (o *TempOpener) StopWatch(watchID string) (bool, error) {
	stopper, ok := o.bridge.(WatchStopper)
	if !ok {
		return false, fmt.Errorf("stop file watch: %w", ErrUnsupported)
	}
	return stopper.StopFileWatch(watchID), nil
}

// SelectApplication asks the user to pick an application. It returns nil when the bridge
// cannot show a picker or the user dismissed it.
func (o *TempOpener) SelectApplication(ctx context.Context) (*Application, error) {
	sel, ok := o.bridge.(ApplicationSelector)
	if !ok {
		return nil, nil
	}
	return sel.SelectApplication(ctx)
}
