package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUploader(bridge any, opts ...Option) (*Uploader, *Registry, *recorder) {
	registry := NewRegistry()
	rec := newRecorder()
	registry.Subscribe(rec)
	opts = append([]Option{WithIDGenerator(sequentialIDs()), WithProgressInterval(time.Millisecond)}, opts...)
	return NewUploader(bridge, registry, opts...), registry, rec
}

func remoteDest() Destination {
	return Destination{ConnectionID: "conn-1", SessionID: "s1", Path: "/dest"}
}

func localDest() Destination {
	return Destination{ConnectionID: "local", IsLocal: true, Path: "/dest"}
}

func taskByName(t *testing.T, registry *Registry, name string) Task {
	t.Helper()
	for _, task := range registry.List() {
		if task.FileName == name {
			return task
		}
	}
	require.Failf(t, "task not found", "no task named %q", name)
	return Task{}
}

func TestUploadSingleFileToLocal(t *testing.T) {
	fs := newLocalFS()
	u, registry, _ := newTestUploader(fs)

	results, err := u.UploadExternalFiles(context.Background(), localDest(), staticSource(fileEntry("report.pdf", 500000)), nil)
	require.NoError(t, err)

	assert.Equal(t, []UploadResult{{FileName: "report.pdf", Success: true}}, results)
	tasks := registry.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusCompleted, tasks[0].Status)
	assert.Equal(t, int64(500000), tasks[0].TotalBytes)
	assert.Equal(t, int64(500000), tasks[0].TransferredBytes)
	assert.False(t, tasks[0].IsDirectory)
	assert.NotNil(t, tasks[0].EndTime)
	assert.Len(t, fs.files["/dest/report.pdf"], 500000)
}

func TestUploadFolderBundle(t *testing.T) {
	fs := &progressFS{remoteFS: newRemoteFS()}
	u, registry, rec := newTestUploader(fs)

	source := staticSource(
		fileEntry("project/sub/b.txt", 200),
		fileEntry("project/a.txt", 100),
		dirEntry("project"),
	)
	results, err := u.UploadExternalFiles(context.Background(), remoteDest(), source, nil)
	require.NoError(t, err)

	assert.Equal(t, []UploadResult{
		{FileName: "project/a.txt", Success: true},
		{FileName: "project/sub/b.txt", Success: true},
	}, results)
	assert.Equal(t, []string{
		"mkdir s1:/dest/project",
		"progress s1:/dest/project/a.txt",
		"mkdir s1:/dest/project/sub",
		"progress s1:/dest/project/sub/b.txt",
	}, fs.list())

	bundle := taskByName(t, registry, "project (2 files)")
	assert.Equal(t, StatusCompleted, bundle.Status)
	assert.Equal(t, int64(300), bundle.TotalBytes)
	assert.Equal(t, int64(300), bundle.TransferredBytes)
	assert.Equal(t, "/dest/project", bundle.TargetPath)
	assert.True(t, bundle.IsDirectory)
	assert.Len(t, registry.List(), 1)

	history := rec.history(bundle.ID)
	var last int64
	for i, snap := range history {
		assert.GreaterOrEqual(t, snap.TransferredBytes, last)
		assert.LessOrEqual(t, snap.TransferredBytes, snap.TotalBytes)
		last = snap.TransferredBytes
		if snap.Status == StatusCompleted {
			assert.Equal(t, len(history)-1, i, "completed must be the last state")
		}
	}
}

func TestUploadCancelBetweenFiles(t *testing.T) {
	fs := newLocalFS()
	token := NewCancelToken(context.Background())
	yields := 0
	u, registry, rec := newTestUploader(fs, WithYield(func() {
		yields++
		if yields == 2 {
			token.Cancel()
		}
	}))

	results, err := u.UploadExternalFiles(context.Background(), localDest(),
		staticSource(fileEntry("x.txt", 10), fileEntry("y.txt", 20)), token)
	require.NoError(t, err)

	assert.Equal(t, []UploadResult{
		{FileName: "x.txt", Success: true},
		{FileName: "", Success: false, Cancelled: true},
	}, results)
	assert.Equal(t, StatusCompleted, taskByName(t, registry, "x.txt").Status)
	assert.NotContains(t, rec.fileNames(), "y.txt")
	assert.Equal(t, []string{"write /dest/x.txt"}, fs.list())
}

func TestUploadPlainWriteFailureContinues(t *testing.T) {
	remote := newRemoteFS()
	remote.fail["/dest/x.txt"] = errors.New("disk quota exceeded")
	u, registry, _ := newTestUploader(plainOnly{remote})

	results, err := u.UploadExternalFiles(context.Background(), remoteDest(),
		staticSource(fileEntry("x.txt", 10), fileEntry("y.txt", 20)), nil)
	require.NoError(t, err)

	assert.Equal(t, []UploadResult{
		{FileName: "x.txt", Success: false, Error: "disk quota exceeded"},
		{FileName: "y.txt", Success: true},
	}, results)
	failed := taskByName(t, registry, "x.txt")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "disk quota exceeded", failed.Error)
	assert.Equal(t, StatusCompleted, taskByName(t, registry, "y.txt").Status)
}

func TestUploadBundleFailureContinues(t *testing.T) {
	remote := newRemoteFS()
	remote.fail["/dest/p/a.txt"] = errors.New("boom")
	u, registry, _ := newTestUploader(plainOnly{remote})

	source := staticSource(
		fileEntry("p/a.txt", 10),
		fileEntry("p/b.txt", 20),
		fileEntry("q/c.txt", 5),
	)
	results, err := u.UploadExternalFiles(context.Background(), remoteDest(), source, nil)
	require.NoError(t, err)

	assert.Equal(t, []UploadResult{
		{FileName: "p/a.txt", Success: false, Error: "boom"},
		{FileName: "p/b.txt", Success: true},
		{FileName: "q/c.txt", Success: true},
	}, results)
	assert.Contains(t, remote.list(), "write s1:/dest/p/b.txt", "sibling in the failed bundle is still written")

	failed := taskByName(t, registry, "p (2 files)")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, int64(30), failed.TotalBytes)

	other := taskByName(t, registry, "q")
	assert.Equal(t, StatusCompleted, other.Status)
	assert.Equal(t, int64(5), other.TransferredBytes)
	assert.Equal(t, int64(5), other.TotalBytes)
}

func TestUploadCancelledByTransport(t *testing.T) {
	fs := &progressFS{remoteFS: newRemoteFS()}
	fs.result = func(path string) (WriteResult, error) {
		if path == "/dest/docs/2.txt" {
			return WriteResult{Cancelled: true}, nil
		}
		return WriteResult{Success: true}, nil
	}
	u, registry, _ := newTestUploader(fs)

	source := staticSource(
		fileEntry("docs/1.txt", 10),
		fileEntry("docs/2.txt", 10),
		fileEntry("docs/3.txt", 10),
		fileEntry("notes.md", 5),
	)
	results, err := u.UploadExternalFiles(context.Background(), remoteDest(), source, nil)
	require.NoError(t, err)

	// notes.md is shallower and runs first
	assert.Equal(t, []UploadResult{
		{FileName: "notes.md", Success: true},
		{FileName: "docs/1.txt", Success: true},
		{FileName: "", Success: false, Cancelled: true},
	}, results)
	assert.NotContains(t, fs.list(), "progress s1:/dest/docs/3.txt")
	assert.Equal(t, StatusCompleted, taskByName(t, registry, "notes.md").Status)
	assert.Equal(t, StatusCancelled, taskByName(t, registry, "docs (3 files)").Status)
}

func TestUploadErrorAfterCancelIsCancellation(t *testing.T) {
	token := NewCancelToken(context.Background())
	fs := &progressFS{remoteFS: newRemoteFS()}
	fs.result = func(path string) (WriteResult, error) {
		token.Cancel()
		return WriteResult{}, errors.New("connection reset")
	}
	u, registry, _ := newTestUploader(fs)

	results, err := u.UploadExternalFiles(context.Background(), remoteDest(),
		staticSource(fileEntry("x.txt", 10), fileEntry("y.txt", 10)), token)
	require.NoError(t, err)

	assert.Equal(t, []UploadResult{{FileName: "", Success: false, Cancelled: true}}, results)
	task := taskByName(t, registry, "x.txt")
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Empty(t, task.Error)
	assert.Len(t, fs.cancelled, 1)
}

func TestUploadProgressFallback(t *testing.T) {
	tests := []struct {
		name          string
		bridge        func(*progressFS) any
		expectedCalls []string
		expectedError string
	}{
		{
			name:   "falls back to plain write",
			bridge: func(p *progressFS) any { return p },
			expectedCalls: []string{
				"progress s1:/dest/x.txt",
				"write s1:/dest/x.txt",
			},
		},
		{
			name:          "no fallback available",
			bridge:        func(p *progressFS) any { return progressNoFallback{p} },
			expectedCalls: []string{"progress s1:/dest/x.txt"},
			expectedError: "upload failed and no fallback method available",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &progressFS{remoteFS: newRemoteFS()}
			fs.result = func(string) (WriteResult, error) { return WriteResult{}, nil }
			u, _, _ := newTestUploader(tt.bridge(fs))

			results, err := u.UploadExternalFiles(context.Background(), remoteDest(), staticSource(fileEntry("x.txt", 10)), nil)
			require.NoError(t, err)
			require.Len(t, results, 1)

			assert.Equal(t, tt.expectedCalls, fs.list())
			if tt.expectedError == "" {
				assert.True(t, results[0].Success)
			} else {
				assert.False(t, results[0].Success)
				assert.Equal(t, tt.expectedError, results[0].Error)
			}
		})
	}
}

func TestUploadMissingCapabilities(t *testing.T) {
	tests := []struct {
		name   string
		bridge any
		dest   Destination
	}{
		{name: "local writer missing", bridge: struct{}{}, dest: localDest()},
		{name: "sftp writer missing", bridge: struct{}{}, dest: remoteDest()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, registry, _ := newTestUploader(tt.bridge)

			results, err := u.UploadExternalFiles(context.Background(), tt.dest, staticSource(fileEntry("x.txt", 1)), nil)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.False(t, results[0].Success)
			assert.Contains(t, results[0].Error, ErrUnsupported.Error())
			assert.Equal(t, StatusFailed, taskByName(t, registry, "x.txt").Status)
		})
	}
}

func TestUploadPreflightErrors(t *testing.T) {
	tests := []struct {
		name        string
		bridge      any
		dest        Destination
		source      EntrySource
		expectedErr error
	}{
		{
			name:        "no connection",
			bridge:      newLocalFS(),
			dest:        Destination{IsLocal: true, Path: "/dest"},
			expectedErr: ErrNoConnection,
		},
		{
			name:        "no bridge",
			bridge:      nil,
			dest:        localDest(),
			expectedErr: ErrBridgeUnavailable,
		},
		{
			name:        "no session",
			bridge:      newRemoteFS(),
			dest:        Destination{ConnectionID: "conn-1", Path: "/dest"},
			expectedErr: ErrSessionNotFound,
		},
		{
			name:        "unknown session",
			bridge:      sessionAware{remoteFS: newRemoteFS(), sessions: map[string]bool{"s1": true}},
			dest:        Destination{ConnectionID: "conn-1", SessionID: "ghost", Path: "/dest"},
			source:      staticSource(fileEntry("a.txt", 1), fileEntry("b.txt", 1)),
			expectedErr: ErrSessionNotFound,
		},
		{
			name:        "path escaping destination",
			bridge:      newLocalFS(),
			dest:        localDest(),
			source:      staticSource(fileEntry("a.txt", 1), fileEntry("../x", 1)),
			expectedErr: ErrMalformedPath,
		},
		{
			name:        "duplicate root",
			bridge:      newLocalFS(),
			dest:        localDest(),
			source:      staticSource(fileEntry("project/a.txt", 1), fileEntry("project/a.txt", 1)),
			expectedErr: ErrDuplicateRoot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, registry, _ := newTestUploader(tt.bridge)
			source := tt.source
			if source == nil {
				source = staticSource(fileEntry("x.txt", 1))
			}

			results, err := u.UploadExternalFiles(context.Background(), tt.dest, source, nil)
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Nil(t, results)
			assert.Empty(t, registry.List())
		})
	}
}

func TestUploadScanningPlaceholder(t *testing.T) {
	t.Run("removed after extraction", func(t *testing.T) {
		u, registry, rec := newTestUploader(newLocalFS())
		var seen []Task
		source := EntrySourceFunc(func(ctx context.Context) ([]DropEntry, error) {
			seen = registry.List()
			return []DropEntry{fileEntry("x.txt", 1)}, nil
		})

		_, err := u.UploadExternalFiles(context.Background(), localDest(), source, nil)
		require.NoError(t, err)

		require.Len(t, seen, 1)
		assert.Equal(t, "Scanning files...", seen[0].FileName)
		assert.Equal(t, StatusPending, seen[0].Status)
		assert.True(t, seen[0].IsDirectory)
		assert.Equal(t, []string{seen[0].ID}, rec.dismissed)
		assert.NotContains(t, registry.List(), seen[0])
	})

	t.Run("removed after extraction failure", func(t *testing.T) {
		u, registry, rec := newTestUploader(newLocalFS())
		source := EntrySourceFunc(func(ctx context.Context) ([]DropEntry, error) {
			return nil, errors.New("permission denied")
		})

		_, err := u.UploadExternalFiles(context.Background(), localDest(), source, nil)
		assert.ErrorContains(t, err, "permission denied")
		assert.Empty(t, registry.List())
		assert.Len(t, rec.dismissed, 1)
	})
}

func TestUploadDirectoryOnlyDrop(t *testing.T) {
	fs := newLocalFS()
	u, registry, _ := newTestUploader(fs)

	results, err := u.UploadExternalFiles(context.Background(), localDest(),
		staticSource(dirEntry("empty"), dirEntry("empty/inner")), nil)
	require.NoError(t, err)

	assert.Empty(t, results)
	assert.Empty(t, registry.List())
	assert.Equal(t, []string{"mkdir /dest/empty", "mkdir /dest/empty/inner"}, fs.list())
}

func TestUploadRefreshesDestination(t *testing.T) {
	tests := []struct {
		name   string
		cancel bool
	}{
		{name: "completed batch"},
		{name: "cancelled batch", cancel: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var refreshed []Destination
			refresher := RefresherFunc(func(ctx context.Context, dest Destination) error {
				assert.NoError(t, ctx.Err())
				refreshed = append(refreshed, dest)
				return nil
			})
			u, _, _ := newTestUploader(newLocalFS(), WithRefresher(refresher))
			token := NewCancelToken(context.Background())
			if tt.cancel {
				token.Cancel()
			}

			_, err := u.UploadExternalFiles(context.Background(), localDest(), staticSource(fileEntry("x.txt", 1)), token)
			require.NoError(t, err)
			assert.Equal(t, []Destination{localDest()}, refreshed)
		})
	}
}

func TestUploadSharedAncestorEnsuredOnce(t *testing.T) {
	fs := newLocalFS()
	u, _, _ := newTestUploader(fs)

	_, err := u.UploadExternalFiles(context.Background(), localDest(), staticSource(
		fileEntry("a/b/1.txt", 1),
		fileEntry("a/b/2.txt", 1),
		fileEntry("a/3.txt", 1),
	), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"mkdir /dest/a",
		"write /dest/a/3.txt",
		"mkdir /dest/a/b",
		"write /dest/a/b/1.txt",
		"write /dest/a/b/2.txt",
	}, fs.list())
}
