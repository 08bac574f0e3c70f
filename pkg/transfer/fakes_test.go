package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type memFile struct {
	data []byte
	err  error
}

func (f memFile) Size() int64 { return int64(len(f.data)) }

func (f memFile) ReadAll(ctx context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func fileEntry(rel string, size int) DropEntry {
	return DropEntry{RelativePath: rel, File: memFile{data: make([]byte, size)}}
}

func dirEntry(rel string) DropEntry {
	return DropEntry{RelativePath: rel, IsDirectory: true}
}

func staticSource(entries ...DropEntry) EntrySource {
	return EntrySourceFunc(func(ctx context.Context) ([]DropEntry, error) {
		return entries, nil
	})
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

// callLog records bridge calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// localFS implements the local capabilities.
type localFS struct {
	callLog
	files map[string][]byte
	fail  map[string]error
}

func newLocalFS() *localFS {
	return &localFS{files: make(map[string][]byte), fail: make(map[string]error)}
}

func (l *localFS) WriteLocalFile(ctx context.Context, path string, data []byte) error {
	l.add("write %s", path)
	if err := l.fail[path]; err != nil {
		return err
	}
	l.mu.Lock()
	l.files[path] = data
	l.mu.Unlock()
	return nil
}

func (l *localFS) ReadLocalFile(ctx context.Context, path string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (l *localFS) MkdirLocal(ctx context.Context, path string) error {
	l.add("mkdir %s", path)
	return nil
}

// remoteFS implements the plain session capabilities.
type remoteFS struct {
	callLog
	fail  map[string]error
	mkdir error
}

func newRemoteFS() *remoteFS {
	return &remoteFS{fail: make(map[string]error)}
}

func (r *remoteFS) WriteSFTPBinary(ctx context.Context, sessionID, path string, data []byte) error {
	r.add("write %s:%s", sessionID, path)
	return r.fail[path]
}

func (r *remoteFS) MkdirSFTP(ctx context.Context, sessionID, path string) error {
	r.add("mkdir %s:%s", sessionID, path)
	return r.mkdir
}

// sessionAware lets remoteFS tell which session ids exist.
type sessionAware struct {
	*remoteFS
	sessions map[string]bool
}

func (s sessionAware) HasSession(id string) bool { return s.sessions[id] }

// plainOnly hides every capability of remoteFS except the plain write and mkdir.
type plainOnly struct {
	*remoteFS
}

// progressFS adds the progress write and upload cancel to remoteFS.
type progressFS struct {
	*remoteFS
	// result decides the outcome per path; nil means success.
	result    func(path string) (WriteResult, error)
	cancelled []string
}

func (p *progressFS) WriteSFTPBinaryWithProgress(ctx context.Context, sessionID, path string, data []byte, transferID string, onProgress ProgressFunc) (WriteResult, error) {
	p.add("progress %s:%s", sessionID, path)
	total := int64(len(data))
	onProgress(ProgressEvent{Transferred: total / 2, Total: total, Speed: 10})
	if p.result != nil {
		if res, err := p.result(path); err != nil || !res.Success {
			return res, err
		}
	}
	onProgress(ProgressEvent{Transferred: total, Total: total, Speed: 10})
	return WriteResult{Success: true}, nil
}

func (p *progressFS) CancelSFTPUpload(transferID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, transferID)
	return nil
}

// progressNoFallback only offers the progress write.
type progressNoFallback struct {
	p *progressFS
}

func (n progressNoFallback) WriteSFTPBinaryWithProgress(ctx context.Context, sessionID, path string, data []byte, transferID string, onProgress ProgressFunc) (WriteResult, error) {
	return n.p.WriteSFTPBinaryWithProgress(ctx, sessionID, path, data, transferID, onProgress)
}

// recorder keeps every snapshot the registry publishes.
type recorder struct {
	mu        sync.Mutex
	snapshots map[string][]Task
	dismissed []string
}

func newRecorder() *recorder {
	return &recorder{snapshots: make(map[string][]Task)}
}

func (r *recorder) TaskChanged(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[task.ID] = append(r.snapshots[task.ID], task)
}

func (r *recorder) TaskDismissed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dismissed = append(r.dismissed, id)
}

func (r *recorder) history(id string) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.snapshots[id]...)
}

func (r *recorder) fileNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, h := range r.snapshots {
		names = append(names, h[0].FileName)
	}
	return names
}
