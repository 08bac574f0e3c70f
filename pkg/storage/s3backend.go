package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/gabriel-vasile/mimetype"

	"dropxfer/pkg/config"
)

// sniffLen is how much of an upload is inspected to pick its content type.
const sniffLen = 3072

// S3Session maps slash separated paths onto object keys of one bucket. Directories are
// zero-byte objects whose key ends in "/".
type S3Session struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
	config   *config.S3Config
}

func NewS3Session(client s3iface.S3API, uploader s3manageriface.UploaderAPI, cfg *config.S3Config) *S3Session {
	return &S3Session{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		config:   cfg,
	}
}

func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func dirPrefix(p string) string {
	key := objectKey(p)
	if key == "" {
		return ""
	}
	return key + "/"
}

func (s *S3Session) GetBackendType() BackendType {
	return BackendTypeS3
}

func (s *S3Session) Close() error {
	return nil
}

func (s *S3Session) Mkdir(ctx context.Context, dir string) error {
	prefix := dirPrefix(dir)
	if prefix == "" {
		return nil
	}
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return s.convertS3Error(err)
	}
	return nil
}

func (s *S3Session) CheckFileExists(ctx context.Context, key string) (*FileMetadata, error) {
	headResp, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})

	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case "NoSuchKey", "NotFound":
				return &FileMetadata{Exists: false}, nil
			case "Forbidden", "AccessDenied":
				return nil, &StorageError{
					Type:    ErrorTypeAccessDenied,
					Message: "access denied to check file",
					Cause:   err,
				}
			}
		}
		return nil, &StorageError{
			Type:    ErrorTypeNetworkError,
			Message: "failed to check file existence",
			Cause:   err,
		}
	}

	metadata := &FileMetadata{
		Name:   path.Base(key),
		Exists: true,
		Size:   aws.Int64Value(headResp.ContentLength),
	}
	if headResp.LastModified != nil {
		metadata.LastModified = *headResp.LastModified
	}
	if headResp.ContentType != nil {
		metadata.ContentType = *headResp.ContentType
	}
	if headResp.ETag != nil {
		metadata.ETag = *headResp.ETag
	}

	return metadata, nil
}

func (s *S3Session) UploadFromReader(ctx context.Context, reader io.Reader, key string, opts *UploadOptions) error {
	if opts == nil {
		opts = &UploadOptions{}
	}

	timeout := time.Duration(s.config.UploadTimeoutSeconds) * time.Second
	uploadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	contentType := opts.ContentType
	body := reader
	if contentType == "" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(reader, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				return cancelledError(err)
			}
			return &StorageError{
				Type:    ErrorTypeInternal,
				Message: "failed to read data",
				Cause:   err,
			}
		}
		head = head[:n]
		contentType = mimetype.Detect(head).String()
		body = io.MultiReader(bytes.NewReader(head), reader)
	}

	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if opts.StorageClass != "" {
		input.StorageClass = aws.String(opts.StorageClass)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = aws.StringMap(opts.Metadata)
	}

	if _, err := s.uploader.UploadWithContext(uploadCtx, input); err != nil {
		if ctx.Err() != nil {
			return cancelledError(err)
		}
		return s.convertS3Error(err)
	}
	return nil
}

func (s *S3Session) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, cancelledError(err)
		}
		return 0, s.convertS3Error(err)
	}
	defer func() { _ = resp.Body.Close() }()

	n, err := copyWithContext(ctx, w, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return n, cancelledError(err)
		}
		return n, &StorageError{Type: ErrorTypeNetworkError, Message: "failed to read object", Cause: err}
	}
	return n, nil
}

func (s *S3Session) List(ctx context.Context, dir string) ([]FileMetadata, error) {
	prefix := dirPrefix(dir)
	var out []FileMetadata
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, p := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(p.Prefix), prefix), "/")
			out = append(out, FileMetadata{Name: name, Exists: true, IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name == "" {
				continue
			}
			out = append(out, FileMetadata{
				Name:         name,
				Exists:       true,
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
				ETag:         aws.StringValue(obj.ETag),
			})
		}
		return true
	})
	if err != nil {
		return nil, s.convertS3Error(err)
	}
	return out, nil
}

func (s *S3Session) convertS3Error(err error) error {
	if err == nil {
		return nil
	}

	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return &StorageError{
				Type:    ErrorTypeNotFound,
				Message: "resource not found",
				Cause:   err,
			}
		case "AccessDenied", "Forbidden":
			return &StorageError{
				Type:    ErrorTypeAccessDenied,
				Message: "access denied",
				Cause:   err,
			}
		case request.CanceledErrorCode:
			return cancelledError(err)
		case "RequestTimeout", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return &StorageError{
				Type:    ErrorTypeNetworkError,
				Message: "service temporarily unavailable",
				Cause:   err,
			}
		default:
			if strings.Contains(strings.ToLower(aerr.Message()), "timeout") {
				return &StorageError{
					Type:    ErrorTypeNetworkError,
					Message: "request timeout",
					Cause:   err,
				}
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &StorageError{
			Type:    ErrorTypeNetworkError,
			Message: "upload timeout",
			Cause:   err,
		}
	}

	return &StorageError{
		Type:    ErrorTypeInternal,
		Message: "internal storage error",
		Cause:   err,
	}
}
