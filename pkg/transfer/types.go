// Package transfer moves dropped files and directory trees into a local directory or a
// remote session and keeps user-visible transfer tasks up to date while doing so.
package transfer

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoConnection      = errors.New("no active connection")
	ErrBridgeUnavailable = errors.New("bridge not available")
	ErrSessionNotFound   = errors.New("sftp session not found")
	ErrUnsupported       = errors.New("not supported")
	ErrDuplicateRoot     = errors.New("duplicate dropped entry")
	ErrMalformedPath     = errors.New("malformed dropped path")
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether no further mutation is expected for a task in this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

const (
	externalConnectionID = "external"
	localConnectionID    = "local"
	scanningLabel        = "Scanning files..."
)

// DropFile is the content handle of a dropped file.
type DropFile interface {
	Size() int64
	ReadAll(ctx context.Context) ([]byte, error)
}

// DropEntry is one item of a drop payload. RelativePath is slash separated and relative
// to the drop root. File is nil for directories.
type DropEntry struct {
	RelativePath string
	IsDirectory  bool
	File         DropFile
}

// EntrySource produces the flat entry list of one drop.
type EntrySource interface {
	Entries(ctx context.Context) ([]DropEntry, error)
}

type EntrySourceFunc func(ctx context.Context) ([]DropEntry, error)

func (f EntrySourceFunc) Entries(ctx context.Context) ([]DropEntry, error) { return f(ctx) }

// Task is the observable state of one transfer as shown to the user.
type Task struct {
	ID                 string     `json:"id"`
	FileName           string     `json:"fileName"`
	SourcePath         string     `json:"sourcePath"`
	TargetPath         string     `json:"targetPath"`
	SourceConnectionID string     `json:"sourceConnectionId"`
	TargetConnectionID string     `json:"targetConnectionId"`
	Direction          Direction  `json:"direction"`
	Status             Status     `json:"status"`
	TotalBytes         int64      `json:"totalBytes"`
	TransferredBytes   int64      `json:"transferredBytes"`
	Speed              float64    `json:"speed"`
	StartTime          time.Time  `json:"startTime"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	Error              string     `json:"error,omitempty"`
	IsDirectory        bool       `json:"isDirectory"`
}

// TaskUpdate carries the fields to change on a task; nil fields are left untouched.
type TaskUpdate struct {
	Status           *Status
	TotalBytes       *int64
	TransferredBytes *int64
	Speed            *float64
	EndTime          *time.Time
	Error            *string
}

func ptr[T any](v T) *T { return &v }

func progressUpdate(transferred int64, speed float64) TaskUpdate {
	return TaskUpdate{TransferredBytes: ptr(transferred), Speed: ptr(speed)}
}

// finishUpdate moves a task to a terminal status and zeroes its speed.
func finishUpdate(status Status, errMsg string) TaskUpdate {
	u := TaskUpdate{
		Status:  ptr(status),
		EndTime: ptr(time.Now()),
		Speed:   ptr(0.0),
	}
	if errMsg != "" {
		u.Error = ptr(errMsg)
	}
	return u
}

// UploadResult is the per-file outcome of an upload batch. A batch that was cancelled
// ends with a sentinel result that has an empty FileName and Cancelled set.
type UploadResult struct {
	FileName  string `json:"fileName"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Destination is the side a batch is written to.
type Destination struct {
	ConnectionID string
	IsLocal      bool
	// SessionID selects the remote session; ignored when IsLocal.
	SessionID string
	// Path is the directory the dropped entries land in.
	Path string
}

// ProgressEvent is one byte-progress observation from the transport.
type ProgressEvent struct {
	Transferred int64
	Total       int64
	Speed       float64
}

type ProgressFunc func(ProgressEvent)
