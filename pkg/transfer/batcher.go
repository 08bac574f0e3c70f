package transfer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultProgressInterval paces progress flushes at roughly one per display frame.
const DefaultProgressInterval = 16 * time.Millisecond

// Batcher coalesces high-frequency progress events into at most one flush per interval.
// Only the most recent event is retained; events pushed between flushes overwrite it.
type Batcher struct {
	flush     func(ProgressEvent)
	cancelled func() bool
	limiter   *rate.Limiter

	mu      sync.Mutex
	pending *ProgressEvent
	// flushMu serializes flush calls between the loop and Stop
	flushMu sync.Mutex

	signal  chan struct{}
	stop    context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewBatcher starts the flush loop. cancelled may be nil; when it reports true, pending
// events are discarded instead of flushed.
func NewBatcher(interval time.Duration, flush func(ProgressEvent), cancelled func() bool) *Batcher {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	ctx, stop := context.WithCancel(context.Background())
	b := &Batcher{
		flush:     flush,
		cancelled: cancelled,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		signal:    make(chan struct{}, 1),
		stop:      stop,
		done:      make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

// Push records ev as the latest progress. It never blocks.
func (b *Batcher) Push(ev ProgressEvent) {
	if b.cancelled() {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pending = &ev
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		b.flushPending()
	}
}

func (b *Batcher) take() (ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return ProgressEvent{}, false
	}
	ev := *b.pending
	b.pending = nil
	return ev, true
}

func (b *Batcher) flushPending() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	ev, ok := b.take()
	if !ok || b.cancelled() {
		return
	}
	b.flush(ev)
}

// Stop ends the loop and flushes the final pending event, unless cancelled. No flush
// happens after Stop returns.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.stop()
	<-b.done
	b.flushPending()
}
