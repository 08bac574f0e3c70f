package transfer

import (
	"runtime"
	"time"

	"github.com/google/uuid"

	"dropxfer/pkg/logger"
)

type engineConfig struct {
	logger           *logger.Logger
	refresher        Refresher
	progressInterval time.Duration
	newID            func() string
	yield            func()
}

func newEngineConfig(opts []Option) engineConfig {
	cfg := engineConfig{
		logger:           logger.Default(),
		progressInterval: DefaultProgressInterval,
		newID:            uuid.NewString,
		yield:            runtime.Gosched,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type Option func(*engineConfig)

func WithLogger(l *logger.Logger) Option {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRefresher sets the hook run after every upload batch.
func WithRefresher(r Refresher) Option {
	return func(c *engineConfig) { c.refresher = r }
}

func WithProgressInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.progressInterval = d
		}
	}
}

// WithIDGenerator replaces the uuid based task and transfer id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *engineConfig) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithYield replaces the scheduling point run before each entry.
func WithYield(fn func()) Option {
	return func(c *engineConfig) {
		if fn != nil {
			c.yield = fn
		}
	}
}
