package transfer

import "sync"

// BundleProgress accumulates the byte progress of every file of one bundle.
type BundleProgress struct {
	TotalBytes          int64
	FileCount           int
	CompletedCount      int
	CompletedFilesBytes int64
	TransferredBytes    int64
	CurrentSpeed        float64
}

// BundleTracker turns per-file progress into aggregated bundle task updates. Progress
// callbacks arrive from the batcher goroutine, so access is serialized.
type BundleTracker struct {
	mu      sync.Mutex
	bundles map[string]*BundleProgress
}

func NewBundleTracker() *BundleTracker {
	return &BundleTracker{bundles: make(map[string]*BundleProgress)}
}

func (t *BundleTracker) Register(taskID string, totalBytes int64, fileCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bundles[taskID] = &BundleProgress{TotalBytes: totalBytes, FileCount: fileCount}
}

func (t *BundleTracker) Get(taskID string) (BundleProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.bundles[taskID]
	if !ok {
		return BundleProgress{}, false
	}
	return *p, true
}

// Progress records the in-flight bytes of the file being written.
func (t *BundleTracker) Progress(taskID string, currentFileTransferred int64, speed float64) (TaskUpdate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.bundles[taskID]
	if !ok {
		return TaskUpdate{}, false
	}
	p.TransferredBytes = p.CompletedFilesBytes + currentFileTransferred
	p.CurrentSpeed = speed
	return progressUpdate(p.TransferredBytes, speed), true
}

// Complete records a finished file. The returned update is terminal once every file of
// the bundle has completed.
func (t *BundleTracker) Complete(taskID string, fileSize int64) (TaskUpdate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.bundles[taskID]
	if !ok {
		return TaskUpdate{}, false
	}
	p.CompletedCount++
	p.CompletedFilesBytes += fileSize
	p.TransferredBytes = p.CompletedFilesBytes

	if p.CompletedCount >= p.FileCount {
		p.CurrentSpeed = 0
		u := finishUpdate(StatusCompleted, "")
		u.TransferredBytes = ptr(p.TotalBytes)
		return u, true
	}
	return TaskUpdate{TransferredBytes: ptr(p.CompletedFilesBytes)}, true
}
