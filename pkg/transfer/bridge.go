package transfer

import (
	"context"
	"fmt"
)

// The bridge is the collaborator performing actual filesystem and session I/O. Every
// capability is optional; callers hold the bridge as `any` and check for the interfaces
// below.

// SessionChecker reports whether the bridge has a session registered under id.
type SessionChecker interface {
	HasSession(id string) bool
}

// checkSession fails with ErrSessionNotFound when sessionID is empty or unknown to a
// bridge that can tell. Bridges without SessionChecker are trusted.
func checkSession(bridge any, sessionID string) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}
	if c, ok := bridge.(SessionChecker); ok && !c.HasSession(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

type LocalFileWriter interface {
	WriteLocalFile(ctx context.Context, path string, data []byte) error
}

type LocalFileReader interface {
	ReadLocalFile(ctx context.Context, path string) ([]byte, error)
}

type LocalDirMaker interface {
	MkdirLocal(ctx context.Context, path string) error
}

type SFTPTextWriter interface {
	WriteSFTP(ctx context.Context, sessionID, path, text string) error
}

type SFTPTextReader interface {
	ReadSFTP(ctx context.Context, sessionID, path string) (string, error)
}

type SFTPBinaryWriter interface {
	WriteSFTPBinary(ctx context.Context, sessionID, path string, data []byte) error
}

type SFTPBinaryReader interface {
	ReadSFTPBinary(ctx context.Context, sessionID, path string) ([]byte, error)
}

// WriteResult is what a progress-capable write reports when it returns without error.
type WriteResult struct {
	Success   bool
	Cancelled bool
}

type SFTPProgressWriter interface {
	WriteSFTPBinaryWithProgress(ctx context.Context, sessionID, path string, data []byte, transferID string, onProgress ProgressFunc) (WriteResult, error)
}

type SFTPDirMaker interface {
	MkdirSFTP(ctx context.Context, sessionID, path string) error
}

type SFTPUploadCanceler interface {
	CancelSFTPUpload(transferID string) error
}

type EndpointType string

const (
	EndpointLocal EndpointType = "local"
	EndpointSFTP  EndpointType = "sftp"
)

type StreamOptions struct {
	TransferID   string
	SourcePath   string
	TargetPath   string
	SourceType   EndpointType
	TargetType   EndpointType
	SourceSFTPID string
	TargetSFTPID string
	TotalBytes   int64
}

// StreamCallbacks are invoked by the bridge while a stream transfer runs. OnError
// receives the failure message, which mentions "cancelled" when the transfer was
// cancelled.
type StreamCallbacks struct {
	OnProgress ProgressFunc
	OnComplete func()
	OnError    func(msg string)
}

type StreamResult struct {
	TransferID string
	TotalBytes int64
	Error      string
}

// StreamTransferer runs a streaming copy and returns once it has finished.
type StreamTransferer interface {
	StartStreamTransfer(ctx context.Context, opts StreamOptions, cb StreamCallbacks) (StreamResult, error)
}

type TransferCanceler interface {
	CancelTransfer(transferID string) error
}

// The capabilities below are used by the open-with-application path only.

type Application struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type ApplicationSelector interface {
	SelectApplication(ctx context.Context) (*Application, error)
}

type TempDownloader interface {
	DownloadSFTPToTemp(ctx context.Context, sessionID, remotePath, fileName string) (string, error)
}

type ApplicationOpener interface {
	OpenWithApplication(ctx context.Context, path, appPath string) error
}

type TempFileRegistrar interface {
	RegisterTempFile(sessionID, localPath string) error
}

type FileWatcher interface {
	StartFileWatch(ctx context.Context, localPath, remotePath, sessionID string) (string, error)
}

type WatchStopper interface {
	StopFileWatch(watchID string) bool
}

// Refresher reloads the listing of a destination directory after a batch.
type Refresher interface {
	Refresh(ctx context.Context, dest Destination) error
}

type RefresherFunc func(ctx context.Context, dest Destination) error

func (f RefresherFunc) Refresh(ctx context.Context, dest Destination) error { return f(ctx, dest) }
