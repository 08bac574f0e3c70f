package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
)

// Enqueuer is the part of *asynq.Client the publisher uses.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Publisher struct {
	client Enqueuer
	config *config.Config
}

func NewPublisher(config *config.Config) (*Publisher, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}

	return NewPublisherWithClient(asynq.NewClient(redisOpt), config), nil
}

func NewPublisherWithClient(client Enqueuer, config *config.Config) *Publisher {
	return &Publisher{client: client, config: config}
}

func (p *Publisher) Close() {
	_ = p.client.Close()
}

// PublishUpload validates and enqueues an upload. It returns the batch id.
func (p *Publisher) PublishUpload(payload shared.UploadPayload) (string, error) {
	if payload.ConnectionID == "" {
		return "", fmt.Errorf("connection id is required")
	}
	if payload.TargetDir == "" {
		return "", fmt.Errorf("target dir is required")
	}
	if len(payload.Paths) == 0 {
		return "", fmt.Errorf("at least one path is required")
	}
	if payload.SessionID != "" {
		if _, ok := p.config.Session(payload.SessionID); !ok {
			return "", fmt.Errorf("unknown session: %s", payload.SessionID)
		}
	}
	for _, path := range payload.Paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("path not found: %s", path)
		}
	}
	if payload.BatchID == "" {
		payload.BatchID = uuid.NewString()
	}

	if err := p.enqueue(shared.TaskTypeUpload, payload.BatchID, payload); err != nil {
		return "", err
	}

	logger.Info("upload enqueued successfully", map[string]any{
		"batch_id":   payload.BatchID,
		"session_id": payload.SessionID,
		"target_dir": payload.TargetDir,
		"paths":      len(payload.Paths),
	})
	return payload.BatchID, nil
}

// PublishDownload validates and enqueues a download. It returns the batch id.
func (p *Publisher) PublishDownload(payload shared.DownloadPayload) (string, error) {
	if payload.ConnectionID == "" {
		return "", fmt.Errorf("connection id is required")
	}
	if payload.SessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if _, ok := p.config.Session(payload.SessionID); !ok {
		return "", fmt.Errorf("unknown session: %s", payload.SessionID)
	}
	if payload.RemotePath == "" {
		return "", fmt.Errorf("remote path is required")
	}
	if payload.LocalPath == "" {
		return "", fmt.Errorf("local path is required")
	}
	if payload.BatchID == "" {
		payload.BatchID = uuid.NewString()
	}

	if err := p.enqueue(shared.TaskTypeDownload, payload.BatchID, payload); err != nil {
		return "", err
	}

	logger.Info("download enqueued successfully", map[string]any{
		"batch_id":    payload.BatchID,
		"session_id":  payload.SessionID,
		"remote_path": payload.RemotePath,
	})
	return payload.BatchID, nil
}

func (p *Publisher) enqueue(taskType, batchID string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	task := asynq.NewTask(taskType, payloadBytes)
	_, err = p.client.Enqueue(
		task,
		asynq.TaskID(batchID),
		asynq.MaxRetry(0),
		asynq.Timeout(time.Duration(p.config.Transfer.TaskTimeoutMinutes)*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}
