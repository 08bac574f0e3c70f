package transfer

import (
	"context"
	"sync"

	"dropxfer/pkg/logger"
)

// CancelToken is the cancellation handle of one batch. The orchestrator polls
// IsCancelled at its yield points; Cancel additionally asks the bridge to abort every
// backend transfer currently in flight.
type CancelToken struct {
	mu        sync.Mutex
	ctx       context.Context
	stop      context.CancelFunc
	cancelled bool
	active    map[string]func() error
	currentID string
	current   func() error
	logger    *logger.Logger
}

// NewCancelToken derives a token from parent; parent being done counts as cancellation.
func NewCancelToken(parent context.Context) *CancelToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := context.WithCancel(parent)
	return &CancelToken{
		ctx:    ctx,
		stop:   stop,
		active: make(map[string]func() error),
		logger: logger.Default(),
	}
}

func (t *CancelToken) Context() context.Context {
	return t.ctx
}

func (t *CancelToken) IsCancelled() bool {
	t.mu.Lock()
	cancelled := t.cancelled
	t.mu.Unlock()
	return cancelled || t.ctx.Err() != nil
}

// Cancel is idempotent and safe to call from any goroutine.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	pending := make(map[string]func() error, len(t.active)+1)
	for id, fn := range t.active {
		pending[id] = fn
	}
	// covers a transfer that started before its id was tracked
	if t.currentID != "" && t.current != nil {
		if _, tracked := pending[t.currentID]; !tracked {
			pending[t.currentID] = t.current
		}
	}
	t.mu.Unlock()

	for id, fn := range pending {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			t.logger.Warn("failed to cancel transfer", map[string]any{
				"transfer_id": id,
				"error":       err.Error(),
			})
			continue
		}
		t.logger.Info("cancelled transfer", map[string]any{"transfer_id": id})
	}
	t.stop()
}

// setCurrent records the most recent backend transfer id before it is tracked.
func (t *CancelToken) setCurrent(id string, cancel func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentID = id
	t.current = cancel
}

func (t *CancelToken) clearCurrent() {
	t.setCurrent("", nil)
}

// track registers an in-flight backend transfer; the returned func untracks it. cancel
// may be nil when the bridge cannot abort the transfer.
func (t *CancelToken) track(id string, cancel func() error) (untrack func()) {
	t.mu.Lock()
	t.active[id] = cancel
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.active, id)
		t.mu.Unlock()
	}
}

// ActiveTransfers returns the ids of the backend transfers in flight.
func (t *CancelToken) ActiveTransfers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

// Coordinator hands out cancel tokens per batch so callers can cancel by batch id or
// cancel everything at once.
type Coordinator struct {
	mu     sync.Mutex
	tokens map[string]*CancelToken
}

func NewCoordinator() *Coordinator {
	return &Coordinator{tokens: make(map[string]*CancelToken)}
}

// Begin returns the token for batchID. Call the returned release func when the batch ends.
func (c *Coordinator) Begin(ctx context.Context, batchID string) (*CancelToken, func()) {
	token := NewCancelToken(ctx)
	c.mu.Lock()
	c.tokens[batchID] = token
	c.mu.Unlock()
	return token, func() {
		c.mu.Lock()
		if c.tokens[batchID] == token {
			delete(c.tokens, batchID)
		}
		c.mu.Unlock()
	}
}

// Cancel cancels one batch. It reports false when no such batch is running.
func (c *Coordinator) Cancel(batchID string) bool {
	c.mu.Lock()
	token, ok := c.tokens[batchID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	token.Cancel()
	return true
}

// CancelAll cancels every running batch and returns how many there were.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	tokens := make([]*CancelToken, 0, len(c.tokens))
	for _, t := range c.tokens {
		tokens = append(tokens, t)
	}
	c.mu.Unlock()

	for _, t := range tokens {
		t.Cancel()
	}
	return len(tokens)
}

func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tokens))
	for id := range c.tokens {
		ids = append(ids, id)
	}
	return ids
}
