package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
)

const refreshDebounceKeyPrefix = "refresh_debounce:"

type DebounceState struct {
	LastRequestTime   int64 `json:"last_request_time"`
	PendingTaskExists bool  `json:"pending_task_exists"`
}

// Enqueuer is the part of *asynq.Client the debouncer needs.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Debouncer collapses the refresh requests of one destination into a single delayed
// refresh task per debounce window.
type Debouncer struct {
	redisClient redis.Cmdable
	asyncClient Enqueuer
	config      *config.DaemonConfig
	logger      *logger.Logger
	now         func() time.Time
}

func NewDebouncer(redisClient redis.Cmdable, asyncClient Enqueuer, config *config.DaemonConfig, logger *logger.Logger) *Debouncer {
	return &Debouncer{
		redisClient: redisClient,
		asyncClient: asyncClient,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

func stateKey(p shared.RefreshPayload) string {
	return fmt.Sprintf("%s%s:%s:%s", refreshDebounceKeyPrefix, p.ConnectionID, p.SessionID, p.Dir)
}

func (d *Debouncer) window() time.Duration {
	return time.Duration(d.config.RefreshDebounceSeconds) * time.Second
}

func (d *Debouncer) Trigger(ctx context.Context, p shared.RefreshPayload) error {
	if !d.config.EnableRefreshTask || d.config.RefreshCommand == "" {
		return nil
	}

	state, err := d.getDebounceState(ctx, p)
	if err != nil {
		return fmt.Errorf("get debounce state: %w", err)
	}
	state.LastRequestTime = d.now().Unix()

	if state.PendingTaskExists {
		if err := d.saveDebounceState(ctx, p, state); err != nil {
			return fmt.Errorf("save debounce state: %w", err)
		}
		d.logger.Debug("refresh debounce request updated", map[string]any{
			"dir":        p.Dir,
			"session_id": p.SessionID,
		})
		return nil
	}

	state.PendingTaskExists = true
	if err := d.saveDebounceState(ctx, p, state); err != nil {
		return fmt.Errorf("save debounce state: %w", err)
	}

	if err := d.Schedule(p); err != nil {
		return err
	}
	d.logger.Info("refresh debounce task created", map[string]any{
		"dir":           p.Dir,
		"session_id":    p.SessionID,
		"delay_seconds": d.config.RefreshDebounceSeconds,
	})
	return nil
}

// Schedule enqueues the refresh task to run once the debounce window has passed.
func (d *Debouncer) Schedule(p shared.RefreshPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal refresh payload: %w", err)
	}
	task := asynq.NewTask(shared.TaskTypeRefresh, payload)
	if _, err := d.asyncClient.Enqueue(task, asynq.ProcessIn(d.window()), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue refresh task: %w", err)
	}
	return nil
}

// ShouldExecute reports whether the destination has been quiet for a whole window.
func (d *Debouncer) ShouldExecute(ctx context.Context, p shared.RefreshPayload) (bool, error) {
	state, err := d.getDebounceState(ctx, p)
	if err != nil {
		return false, fmt.Errorf("get debounce state: %w", err)
	}
	return d.now().Unix()-state.LastRequestTime >= int64(d.config.RefreshDebounceSeconds), nil
}

func (d *Debouncer) MarkTaskCompleted(ctx context.Context, p shared.RefreshPayload) error {
	state, err := d.getDebounceState(ctx, p)
	if err != nil {
		return fmt.Errorf("get debounce state: %w", err)
	}
	state.PendingTaskExists = false
	if err := d.saveDebounceState(ctx, p, state); err != nil {
		return fmt.Errorf("save debounce state: %w", err)
	}
	return nil
}

func (d *Debouncer) getDebounceState(ctx context.Context, p shared.RefreshPayload) (*DebounceState, error) {
	result, err := d.redisClient.Get(ctx, stateKey(p)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &DebounceState{}, nil
		}
		return nil, err
	}

	var state DebounceState
	if err := json.Unmarshal([]byte(result), &state); err != nil {
		return nil, fmt.Errorf("unmarshal debounce state: %w", err)
	}
	return &state, nil
}

func (d *Debouncer) saveDebounceState(ctx context.Context, p shared.RefreshPayload, state *DebounceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal debounce state: %w", err)
	}
	return d.redisClient.Set(ctx, stateKey(p), data, 2*d.window()).Err()
}
