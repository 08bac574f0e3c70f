package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalSession is the machine's own filesystem. When root is set every path is
// resolved below it and escaping it is rejected.
type LocalSession struct {
	root  string
	locks *stripedLock
}

func NewLocalSession(root string) *LocalSession {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &LocalSession{root: root, locks: newStripedLock(256)}
}

func (l *LocalSession) resolve(p string) (string, error) {
	if p == "" {
		return "", &StorageError{Type: ErrorTypeInvalidInput, Message: "path cannot be empty"}
	}
	native := filepath.FromSlash(p)
	if l.root == "" {
		return filepath.Clean(native), nil
	}
	full := filepath.Join(l.root, native)
	rel, err := filepath.Rel(l.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &StorageError{Type: ErrorTypeInvalidInput, Message: "path escapes local root: " + p}
	}
	return full, nil
}

func (l *LocalSession) GetBackendType() BackendType {
	return BackendTypeLocal
}

func (l *LocalSession) Close() error {
	return nil
}

func (l *LocalSession) Mkdir(ctx context.Context, dir string) error {
	full, err := l.resolve(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}
	return nil
}

func (l *LocalSession) CheckFileExists(ctx context.Context, key string) (*FileMetadata, error) {
	full, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &FileMetadata{Exists: false}, nil
		}
		return nil, fmt.Errorf("stat local file: %w", err)
	}
	return &FileMetadata{
		Name:         stat.Name(),
		Exists:       true,
		IsDir:        stat.IsDir(),
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
	}, nil
}

// UploadFromReader writes through a temp file in the target directory and renames it
// into place.
func (l *LocalSession) UploadFromReader(ctx context.Context, reader io.Reader, key string, opts *UploadOptions) error {
	full, err := l.resolve(key)
	if err != nil {
		return err
	}
	l.locks.Lock(full)
	defer l.locks.Unlock(full)

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, copyErr := copyWithContext(ctx, tmp, reader)
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmpName)
		if ctx.Err() != nil {
			return cancelledError(copyErr)
		}
		return fmt.Errorf("write local file: %w", copyErr)
	}

	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (l *LocalSession) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	full, err := l.resolve(key)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &StorageError{Type: ErrorTypeNotFound, Message: "local file not found", Cause: err}
		}
		return 0, fmt.Errorf("open local file: %w", err)
	}
	defer func() { _ = f.Close() }()

	n, err := copyWithContext(ctx, w, f)
	if err != nil {
		if ctx.Err() != nil {
			return n, cancelledError(err)
		}
		return n, fmt.Errorf("read local file: %w", err)
	}
	return n, nil
}

func (l *LocalSession) List(ctx context.Context, dir string) ([]FileMetadata, error) {
	full, err := l.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("read local directory: %w", err)
	}
	out := make([]FileMetadata, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileMetadata{
			Name:         e.Name(),
			Exists:       true,
			IsDir:        e.IsDir(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return out, nil
}
