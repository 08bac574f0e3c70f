package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Session is one filesystem the bridge can read from and write to. Paths are slash
// separated; each implementation maps them onto its own namespace.
type Session interface {
	GetBackendType() BackendType
	Mkdir(ctx context.Context, dir string) error
	UploadFromReader(ctx context.Context, reader io.Reader, key string, opts *UploadOptions) error
	Download(ctx context.Context, key string, w io.Writer) (int64, error)
	CheckFileExists(ctx context.Context, key string) (*FileMetadata, error)
	List(ctx context.Context, dir string) ([]FileMetadata, error)
	Close() error
}

type FileMetadata struct {
	Name         string    `json:"name,omitempty"`
	Exists       bool      `json:"exists"`
	IsDir        bool      `json:"is_dir,omitempty"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
}

type UploadOptions struct {
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	StorageClass string            `json:"storage_class,omitempty"`
}

type BackendType string

const (
	BackendTypeLocal BackendType = "local"
	BackendTypeSFTP  BackendType = "sftp"
	BackendTypeS3    BackendType = "s3"
)

type StorageError struct {
	Type    ErrorType
	Message string
	Cause   error
}

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeAccessDenied ErrorType = "access_denied"
	ErrorTypeNetworkError ErrorType = "network_error"
	ErrorTypeInternal     ErrorType = "internal_error"
	ErrorTypeInvalidInput ErrorType = "invalid_input"
	ErrorTypeCancelled    ErrorType = "cancelled"
)

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		return false
	}

	switch storageErr.Type {
	case ErrorTypeNetworkError:
		return true
	case ErrorTypeInternal:
		return true
	case ErrorTypeNotFound, ErrorTypeAccessDenied, ErrorTypeInvalidInput, ErrorTypeCancelled:
		return false
	default:
		return false
	}
}

// IsCancelled reports whether err stems from a cancelled transfer.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) && storageErr.Type == ErrorTypeCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func cancelledError(err error) error {
	return &StorageError{
		Type:    ErrorTypeCancelled,
		Message: "transfer cancelled",
		Cause:   err,
	}
}

type readerFunc func(p []byte) (n int, err error)

func (rf readerFunc) Read(p []byte) (n int, err error) { return rf(p) }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, readerFunc(func(p []byte) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return src.Read(p)
		}
	}))
}
