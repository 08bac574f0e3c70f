package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/cespare/xxhash/v2"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
)

// stripedLock provides a set of locks for concurrent access to different keys.
// This avoids holding a global lock or having a map of locks that grows indefinitely.
type stripedLock struct {
	locks []sync.Mutex
}

func newStripedLock(count int) *stripedLock {
	if count <= 0 {
		count = 1024
	}
	return &stripedLock{
		locks: make([]sync.Mutex, count),
	}
}

func (sl *stripedLock) Lock(key string) {
	h := xxhash.Sum64String(key)
	sl.locks[h%uint64(len(sl.locks))].Lock()
}

func (sl *stripedLock) Unlock(key string) {
	h := xxhash.Sum64String(key)
	sl.locks[h%uint64(len(sl.locks))].Unlock()
}

// sftpClient is the subset of *sftp.Client the session uses.
type sftpClient interface {
	Stat(p string) (os.FileInfo, error)
	MkdirAll(path string) error
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Rename(oldname, newname string) error
	Remove(path string) error
	ReadDir(p string) ([]os.FileInfo, error)
}

// managedClient resolves the current connection on every call so a reconnect is
// picked up transparently.
type managedClient struct {
	manager SFTPManager
}

func (c *managedClient) conn() (SFTPConnection, error) {
	conn, err := c.manager.GetConnection(context.Background())
	if err != nil {
		return nil, &StorageError{Type: ErrorTypeNetworkError, Message: "get SFTP connection", Cause: err}
	}
	return conn, nil
}

func (c *managedClient) Stat(p string) (os.FileInfo, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	return conn.GetClient().Stat(p)
}

func (c *managedClient) MkdirAll(p string) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}
	return conn.GetClient().MkdirAll(p)
}

func (c *managedClient) Create(p string) (io.WriteCloser, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	return conn.GetClient().Create(p)
}

func (c *managedClient) Open(p string) (io.ReadCloser, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	return conn.GetClient().Open(p)
}

func (c *managedClient) Rename(oldname, newname string) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}
	return conn.GetClient().Rename(oldname, newname)
}

func (c *managedClient) Remove(p string) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}
	return conn.GetClient().Remove(p)
}

func (c *managedClient) ReadDir(p string) ([]os.FileInfo, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	return conn.GetClient().ReadDir(p)
}

type SFTPSession struct {
	client  sftpClient
	manager SFTPManager
	config  *config.SFTPConfig
	locks   *stripedLock
	logger  *logger.Logger
}

func NewSFTPSession(cfg *config.SFTPConfig, l *logger.Logger) *SFTPSession {
	if l == nil {
		l = logger.Default()
	}
	manager := NewBasicSFTPManager(cfg, l)
	return &SFTPSession{
		client:  &managedClient{manager: manager},
		manager: manager,
		config:  cfg,
		locks:   newStripedLock(1024),
		logger:  l,
	}
}

func (s *SFTPSession) GetBackendType() BackendType {
	return BackendTypeSFTP
}

func (s *SFTPSession) Close() error {
	if s.manager != nil {
		return s.manager.Close()
	}
	return nil
}

func (s *SFTPSession) Mkdir(ctx context.Context, dir string) error {
	if err := s.client.MkdirAll(path.Clean(dir)); err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}
	return nil
}

func (s *SFTPSession) CheckFileExists(ctx context.Context, key string) (*FileMetadata, error) {
	remotePath := path.Clean(key)
	stat, err := s.client.Stat(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &FileMetadata{Exists: false}, nil
		}
		return nil, fmt.Errorf("stat remote file: %w", err)
	}

	return &FileMetadata{
		Name:         stat.Name(),
		Exists:       true,
		IsDir:        stat.IsDir(),
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
	}, nil
}

// UploadFromReader writes into a hidden temp file next to key and renames it into place
// once the copy finished, so readers never observe a partial file.
func (s *SFTPSession) UploadFromReader(ctx context.Context, reader io.Reader, key string, opts *UploadOptions) error {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	finalPath := path.Clean(key)
	tempPath := s.generateTempKey(finalPath)

	if err := s.client.MkdirAll(path.Dir(finalPath)); err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}

	remoteFile, err := s.client.Create(tempPath)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}

	_, copyErr := copyWithContext(ctx, remoteFile, reader)
	closeErr := remoteFile.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		if err := s.client.Remove(tempPath); err != nil {
			s.logger.Debug("failed to remove partial upload", map[string]any{
				"path":  tempPath,
				"error": err.Error(),
			})
		}
		if ctx.Err() != nil {
			return cancelledError(copyErr)
		}
		return fmt.Errorf("copy file data: %w", copyErr)
	}

	if err := s.renameFile(tempPath, finalPath); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *SFTPSession) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	remoteFile, err := s.client.Open(path.Clean(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &StorageError{Type: ErrorTypeNotFound, Message: "remote file not found", Cause: err}
		}
		return 0, fmt.Errorf("open remote file: %w", err)
	}
	defer func() { _ = remoteFile.Close() }()

	n, err := copyWithContext(ctx, w, remoteFile)
	if err != nil {
		if ctx.Err() != nil {
			return n, cancelledError(err)
		}
		return n, fmt.Errorf("copy file data: %w", err)
	}
	return n, nil
}

func (s *SFTPSession) List(ctx context.Context, dir string) ([]FileMetadata, error) {
	infos, err := s.client.ReadDir(path.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("read remote directory: %w", err)
	}
	out := make([]FileMetadata, 0, len(infos))
	for _, info := range infos {
		out = append(out, FileMetadata{
			Name:         info.Name(),
			Exists:       true,
			IsDir:        info.IsDir(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return out, nil
}

func (s *SFTPSession) generateTempKey(key string) string {
	dir := path.Dir(key)
	filename := path.Base(key)
	tempFilename := fmt.Sprintf(".%s.%016x.part", filename, xxhash.Sum64String(key))

	if dir == "." {
		return tempFilename
	}
	return path.Join(dir, tempFilename)
}

func (s *SFTPSession) renameFile(tempPath, finalPath string) error {
	// SFTP rename refuses to replace an existing file
	if err := s.client.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("failed to remove existing file before rename", map[string]any{
			"path":  finalPath,
			"error": err.Error(),
		})
	}
	return s.client.Rename(tempPath, finalPath)
}
