package handler

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dropxfer/pkg/config"
	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
)

type mockDebouncer struct {
	mock.Mock
}

func (m *mockDebouncer) ShouldExecute(ctx context.Context, p shared.RefreshPayload) (bool, error) {
	args := m.Called(p)
	return args.Bool(0), args.Error(1)
}

func (m *mockDebouncer) Schedule(p shared.RefreshPayload) error {
	return m.Called(p).Error(0)
}

func (m *mockDebouncer) MarkTaskCompleted(ctx context.Context, p shared.RefreshPayload) error {
	return m.Called(p).Error(0)
}

func TestRefreshHandlerProcessTask(t *testing.T) {
	payload := shared.RefreshPayload{ConnectionID: "c1", SessionID: "s1", Dir: "/srv/in"}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	tests := []struct {
		name       string
		command    string
		setupMocks func(*mockDebouncer)
		wantErr    string
	}{
		{
			name:    "runs command when quiet",
			command: "true",
			setupMocks: func(m *mockDebouncer) {
				m.On("ShouldExecute", payload).Return(true, nil).Once()
				m.On("MarkTaskCompleted", payload).Return(nil).Once()
			},
		},
		{
			name:    "reschedules inside window",
			command: "true",
			setupMocks: func(m *mockDebouncer) {
				m.On("ShouldExecute", payload).Return(false, nil).Once()
				m.On("Schedule", payload).Return(nil).Once()
			},
		},
		{
			name:    "reschedule fails",
			command: "true",
			setupMocks: func(m *mockDebouncer) {
				m.On("ShouldExecute", payload).Return(false, nil).Once()
				m.On("Schedule", payload).Return(assert.AnError).Once()
			},
			wantErr: "reschedule refresh task",
		},
		{
			name:    "command fails but task is released",
			command: "false",
			setupMocks: func(m *mockDebouncer) {
				m.On("ShouldExecute", payload).Return(true, nil).Once()
				m.On("MarkTaskCompleted", payload).Return(nil).Once()
			},
			wantErr: "refresh command execution failed",
		},
		{
			name:    "state lookup fails",
			command: "true",
			setupMocks: func(m *mockDebouncer) {
				m.On("ShouldExecute", payload).Return(false, assert.AnError).Once()
			},
			wantErr: "check refresh execution condition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockDebouncer{}
			tt.setupMocks(m)
			cfg := &config.DaemonConfig{RefreshCommand: tt.command, RefreshTimeoutSeconds: 5, RefreshDebounceSeconds: 1}
			h := NewRefreshHandler(cfg, logger.New(io.Discard), m)

			err := h.ProcessTask(context.Background(), asynq.NewTask(shared.TaskTypeRefresh, data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			m.AssertExpectations(t)
		})
	}
}
