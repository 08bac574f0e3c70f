package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
	"dropxfer/pkg/store"
	"dropxfer/pkg/transfer"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishUpload(p shared.UploadPayload) (string, error) {
	args := m.Called(p)
	return args.String(0), args.Error(1)
}

func (m *mockPublisher) PublishDownload(p shared.DownloadPayload) (string, error) {
	args := m.Called(p)
	return args.String(0), args.Error(1)
}

type fakeCanceller struct {
	running map[string]bool
}

func (f *fakeCanceller) Cancel(batchID string) error {
	if !f.running[batchID] {
		return fmt.Errorf("batch not running: %s", batchID)
	}
	delete(f.running, batchID)
	return nil
}

func (f *fakeCanceller) CancelAll() int {
	n := len(f.running)
	f.running = map[string]bool{}
	return n
}

type fakeBatches map[string]store.BatchRecord

func (f fakeBatches) GetBatch(ctx context.Context, id string) (store.BatchRecord, error) {
	rec, ok := f[id]
	if !ok {
		return store.BatchRecord{}, fmt.Errorf("get batch %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

func newTestServer(t *testing.T, pub *mockPublisher) (*httptest.Server, *transfer.Registry, *fakeCanceller) {
	t.Helper()
	registry := transfer.NewRegistry()
	canceller := &fakeCanceller{running: map[string]bool{"b-1": true, "b-2": true}}
	batches := fakeBatches{"b-9": {BatchID: "b-9", Kind: store.BatchUpload, Status: store.BatchCompleted}}
	h := NewHTTPHandler(pub, registry, canceller, batches, logger.New(io.Discard))
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, registry, canceller
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestUploadHandler(t *testing.T) {
	pub := &mockPublisher{}
	srv, _, _ := newTestServer(t, pub)

	payload := shared.UploadPayload{ConnectionID: "c", SessionID: "nas", TargetDir: "/in", Paths: []string{"/tmp/a"}}
	pub.On("PublishUpload", payload).Return("b-new", nil).Once()
	body, _ := json.Marshal(payload)

	resp, data := do(t, http.MethodPost, srv.URL+"/upload", string(body))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var got PublishResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, got.Success)
	assert.Equal(t, "b-new", got.BatchID)

	resp, _ = do(t, http.MethodPost, srv.URL+"/upload", "{bad")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	pub.On("PublishUpload", shared.UploadPayload{}).Return("", fmt.Errorf("connection id is required")).Once()
	resp, data = do(t, http.MethodPost, srv.URL+"/upload", "{}")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "connection id is required")

	resp, _ = do(t, http.MethodGet, srv.URL+"/upload", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	pub.AssertExpectations(t)
}

func TestDownloadHandler(t *testing.T) {
	pub := &mockPublisher{}
	srv, _, _ := newTestServer(t, pub)

	payload := shared.DownloadPayload{ConnectionID: "c", SessionID: "nas", RemotePath: "/r", LocalPath: "l"}
	pub.On("PublishDownload", payload).Return("d-1", nil).Once()
	body, _ := json.Marshal(payload)

	resp, data := do(t, http.MethodPost, srv.URL+"/download", string(body))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(data), `"batch_id":"d-1"`)
	pub.AssertExpectations(t)
}

func TestTaskHandlers(t *testing.T) {
	srv, registry, _ := newTestServer(t, &mockPublisher{})
	registry.Add(transfer.Task{ID: "t1", FileName: "a.txt", Status: transfer.StatusTransferring})
	registry.Add(transfer.Task{ID: "t2", FileName: "b.txt", Status: transfer.StatusCompleted})

	resp, data := do(t, http.MethodGet, srv.URL+"/tasks", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []transfer.Task
	require.NoError(t, json.Unmarshal(data, &tasks))
	assert.Len(t, tasks, 2)

	resp, data = do(t, http.MethodGet, srv.URL+"/tasks/t1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"fileName":"a.txt"`)

	resp, _ = do(t, http.MethodGet, srv.URL+"/tasks/none", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/tasks/t1", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/tasks/t2", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := registry.Get("t2")
	assert.False(t, ok)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/tasks/t2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelHandlers(t *testing.T) {
	srv, _, canceller := newTestServer(t, &mockPublisher{})

	resp, _ := do(t, http.MethodPost, srv.URL+"/cancel/b-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/cancel/b-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data := do(t, http.MethodPost, srv.URL+"/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got CancelResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 1, got.Cancelled)
	assert.Empty(t, canceller.running)
}

func TestGetBatchHandler(t *testing.T) {
	srv, _, _ := newTestServer(t, &mockPublisher{})

	resp, data := do(t, http.MethodGet, srv.URL+"/batches/b-9", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rec store.BatchRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, store.BatchCompleted, rec.Status)

	resp, _ = do(t, http.MethodGet, srv.URL+"/batches/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
