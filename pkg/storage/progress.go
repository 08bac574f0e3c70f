package storage

import (
	"io"
	"sync/atomic"
	"time"

	"dropxfer/pkg/transfer"
)

// progressReader wraps an io.Reader to report byte progress after every read.
type progressReader struct {
	reader  io.Reader
	total   int64
	current atomic.Int64
	started time.Time
	report  transfer.ProgressFunc
	nowFunc func() time.Time
}

func newProgressReader(reader io.Reader, total int64, report transfer.ProgressFunc) *progressReader {
	return &progressReader{
		reader:  reader,
		total:   total,
		started: time.Now(),
		report:  report,
		nowFunc: time.Now,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		current := pr.current.Add(int64(n))
		if pr.report != nil {
			pr.report(transfer.ProgressEvent{
				Transferred: current,
				Total:       pr.total,
				Speed:       pr.speed(current),
			})
		}
	}
	return n, err
}

// speed is the average rate since the first byte was requested, in bytes per second.
func (pr *progressReader) speed(current int64) float64 {
	elapsed := pr.nowFunc().Sub(pr.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current) / elapsed
}

func (pr *progressReader) count() int64 {
	return pr.current.Load()
}
