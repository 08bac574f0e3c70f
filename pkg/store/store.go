package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dropxfer/pkg/logger"
	"dropxfer/pkg/transfer"
)

const (
	taskKeyPrefix  = "transfer_task:"
	batchKeyPrefix = "transfer_batch:"
	writeTimeout   = 2 * time.Second
)

// DefaultTTL is how long task snapshots and batch records are kept.
const DefaultTTL = 24 * time.Hour

var ErrNotFound = errors.New("not found")

type BatchKind string

const (
	BatchUpload   BatchKind = "upload"
	BatchDownload BatchKind = "download"
)

type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
	BatchFailed    BatchStatus = "failed"
)

// BatchRecord is the outcome of one queued upload or download.
type BatchRecord struct {
	BatchID    string                  `json:"batch_id"`
	Kind       BatchKind               `json:"kind"`
	Status     BatchStatus             `json:"status"`
	Results    []transfer.UploadResult `json:"results,omitempty"`
	TaskID     string                  `json:"task_id,omitempty"`
	Error      string                  `json:"error,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
}

// TaskStore mirrors the registry into redis so tasks and batch outcomes can be read by
// other processes.
type TaskStore struct {
	redisClient redis.Cmdable
	ttl         time.Duration
	logger      *logger.Logger
}

var _ transfer.Observer = (*TaskStore)(nil)

func NewTaskStore(redisClient redis.Cmdable, ttl time.Duration, l *logger.Logger) *TaskStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if l == nil {
		l = logger.Default()
	}
	return &TaskStore{redisClient: redisClient, ttl: ttl, logger: l}
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func batchKey(id string) string {
	return batchKeyPrefix + id
}

func (s *TaskStore) TaskChanged(task transfer.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.setJSON(ctx, taskKey(task.ID), task); err != nil {
		s.logger.Warn("failed to mirror task", map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

func (s *TaskStore) TaskDismissed(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.redisClient.Del(ctx, taskKey(id)).Err(); err != nil {
		s.logger.Warn("failed to remove mirrored task", map[string]any{
			"task_id": id,
			"error":   err.Error(),
		})
	}
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (transfer.Task, error) {
	var task transfer.Task
	if err := s.getJSON(ctx, taskKey(id), &task); err != nil {
		return transfer.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (s *TaskStore) SaveBatch(ctx context.Context, rec BatchRecord) error {
	if rec.BatchID == "" {
		return errors.New("batch id is required")
	}
	if err := s.setJSON(ctx, batchKey(rec.BatchID), rec); err != nil {
		return fmt.Errorf("save batch %s: %w", rec.BatchID, err)
	}
	return nil
}

func (s *TaskStore) GetBatch(ctx context.Context, id string) (BatchRecord, error) {
	var rec BatchRecord
	if err := s.getJSON(ctx, batchKey(id), &rec); err != nil {
		return BatchRecord{}, fmt.Errorf("get batch %s: %w", id, err)
	}
	return rec, nil
}

func (s *TaskStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.redisClient.Set(ctx, key, data, s.ttl).Err()
}

func (s *TaskStore) getJSON(ctx context.Context, key string, v any) error {
	result, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(result), v)
}

// BatchStatusOf derives the status of a finished upload batch from its results.
func BatchStatusOf(results []transfer.UploadResult) BatchStatus {
	failed := 0
	files := 0
	for _, r := range results {
		if r.Cancelled && r.FileName == "" {
			return BatchCancelled
		}
		files++
		if !r.Success {
			failed++
		}
	}
	if files > 0 && failed == files {
		return BatchFailed
	}
	return BatchCompleted
}
