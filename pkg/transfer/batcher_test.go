package transfer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *flushRecorder) flush(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *flushRecorder) list() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}

func TestBatcherCoalesces(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(time.Hour, rec.flush, nil)

	for i := int64(1); i <= 1000; i++ {
		b.Push(ProgressEvent{Transferred: i, Total: 1000})
	}
	b.Stop()

	events := rec.list()
	require.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), 2)
	assert.Equal(t, int64(1000), events[len(events)-1].Transferred)
}

func TestBatcherFlushesPeriodically(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(time.Millisecond, rec.flush, nil)
	defer b.Stop()

	b.Push(ProgressEvent{Transferred: 1})
	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, time.Millisecond)

	b.Push(ProgressEvent{Transferred: 2})
	assert.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, time.Millisecond)
}

func TestBatcherDropsWhenCancelled(t *testing.T) {
	rec := &flushRecorder{}
	var cancelled atomic.Bool
	b := NewBatcher(time.Hour, rec.flush, cancelled.Load)

	b.Push(ProgressEvent{Transferred: 1})
	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, time.Millisecond)

	b.Push(ProgressEvent{Transferred: 2})
	cancelled.Store(true)
	b.Push(ProgressEvent{Transferred: 3})
	b.Stop()

	assert.Equal(t, []ProgressEvent{{Transferred: 1}}, rec.list())
}

func TestBatcherStop(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(time.Hour, rec.flush, nil)
	b.Stop()
	b.Stop()

	b.Push(ProgressEvent{Transferred: 5})
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, rec.list())
}
