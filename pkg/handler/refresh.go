package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
)

type RefreshDebouncer interface {
	ShouldExecute(ctx context.Context, p shared.RefreshPayload) (bool, error)
	Schedule(p shared.RefreshPayload) error
	MarkTaskCompleted(ctx context.Context, p shared.RefreshPayload) error
}

// RefreshHandler runs the configured refresh command for a destination once its
// debounce window has passed.
type RefreshHandler struct {
	config    *config.DaemonConfig
	logger    *logger.Logger
	debouncer RefreshDebouncer
}

func NewRefreshHandler(config *config.DaemonConfig, logger *logger.Logger, debouncer RefreshDebouncer) *RefreshHandler {
	return &RefreshHandler{
		config:    config,
		logger:    logger,
		debouncer: debouncer,
	}
}

func (h *RefreshHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload shared.RefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal refresh payload: %w: %w", err, asynq.SkipRetry)
	}

	shouldExecute, err := h.debouncer.ShouldExecute(ctx, payload)
	if err != nil {
		return fmt.Errorf("check refresh execution condition: %w", err)
	}
	if !shouldExecute {
		if err := h.debouncer.Schedule(payload); err != nil {
			h.logger.Error("failed to reschedule refresh task", err, map[string]any{
				"delay_seconds": h.config.RefreshDebounceSeconds,
			})
			return fmt.Errorf("reschedule refresh task: %w", err)
		}
		h.logger.Info("refresh task rescheduled due to debounce", map[string]any{
			"dir":           payload.Dir,
			"delay_seconds": h.config.RefreshDebounceSeconds,
		})
		return nil
	}

	runErr := h.run(ctx, payload)
	if err := h.debouncer.MarkTaskCompleted(ctx, payload); err != nil {
		h.logger.Error("failed to mark refresh task as completed", err, nil)
		if runErr == nil {
			return fmt.Errorf("mark refresh task as completed: %w", err)
		}
	}
	return runErr
}

func (h *RefreshHandler) run(ctx context.Context, payload shared.RefreshPayload) error {
	parts := strings.Fields(h.config.RefreshCommand)
	if len(parts) == 0 {
		return fmt.Errorf("empty refresh command: %w", asynq.SkipRetry)
	}

	startTime := time.Now()
	timeout := time.Duration(h.config.RefreshTimeoutSeconds) * time.Second
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(),
		"DROPXFER_CONNECTION_ID="+payload.ConnectionID,
		"DROPXFER_SESSION_ID="+payload.SessionID,
		"DROPXFER_DIR="+payload.Dir,
	)
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)
	if err != nil {
		errorType := "command_error"
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			errorType = "timeout"
		}
		h.logger.Error("refresh command failed", err, map[string]any{
			"command":    h.config.RefreshCommand,
			"dir":        payload.Dir,
			"output":     string(output),
			"duration":   duration,
			"error_type": errorType,
		})
		return fmt.Errorf("refresh command execution failed: %w", err)
	}

	h.logger.Info("refresh command executed successfully", map[string]any{
		"command":  h.config.RefreshCommand,
		"dir":      payload.Dir,
		"output":   string(output),
		"duration": duration,
	})
	return nil
}
