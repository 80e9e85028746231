package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/repository"
	"github.com/droidgrity/droidgrity-go/internal/service"
	"github.com/droidgrity/droidgrity-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunService Mock Service
type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) CreateRun(ctx context.Context, apkName string, content io.Reader) (*domain.Run, error) {
	data, _ := io.ReadAll(content)
	args := m.Called(apkName, string(data))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Run), args.Error(1)
}

func (m *MockRunService) CreateRunFromFile(ctx context.Context, path string) (*domain.Run, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Run), args.Error(1)
}

func (m *MockRunService) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	args := m.Called(runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Run), args.Error(1)
}

func (m *MockRunService) ListRuns(ctx context.Context, page, pageSize int, status domain.RunStatus) ([]*domain.Run, int64, error) {
	args := m.Called(page, pageSize, status)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Run), args.Get(1).(int64), args.Error(2)
}

func (m *MockRunService) DeleteRun(ctx context.Context, runID string) error {
	return m.Called(runID).Error(0)
}

func (m *MockRunService) RetryRun(ctx context.Context, runID string) (*domain.Run, error) {
	args := m.Called(runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Run), args.Error(1)
}

func (m *MockRunService) GetEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	args := m.Called(runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RunEvent), args.Error(1)
}

func (m *MockRunService) GetStatusCounts(ctx context.Context) (map[domain.RunStatus]int64, int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[domain.RunStatus]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockRunService) RequeuePending(ctx context.Context) (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

func setupTestRouter(svc service.RunService, uploadLimitMB int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := NewRunHandler(svc, uploadLimitMB, logger)
	r := gin.New()
	r.POST("/api/runs", h.CreateRun)
	r.GET("/api/runs", h.ListRuns)
	r.GET("/api/runs/:id", h.GetRun)
	r.GET("/api/runs/:id/events", h.GetEvents)
	r.GET("/api/runs/:id/artifact", h.DownloadArtifact)
	r.POST("/api/runs/:id/retry", h.RetryRun)
	r.DELETE("/api/runs/:id", h.DeleteRun)
	r.GET("/api/stats", h.GetStats)
	return r
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("apk", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

// TestRunHandler_CreateRun 测试上传创建运行
func TestRunHandler_CreateRun(t *testing.T) {
	svc := new(MockRunService)
	svc.On("CreateRun", "app.apk", "PK").Return(&domain.Run{ID: "r1", APKName: "app.apk", Status: domain.RunStatusQueued}, nil)

	body, contentType := multipartBody(t, "app.apk", "PK")
	req := httptest.NewRequest(http.MethodPost, "/api/runs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	setupTestRouter(svc, 10).ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		Run domain.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.Run.ID)
	svc.AssertExpectations(t)
}

func TestRunHandler_CreateRun_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		want     int
	}{
		{name: "not an apk", filename: "app.zip", content: "PK", want: http.StatusBadRequest},
		{name: "too large", filename: "app.apk", content: string(make([]byte, 1024*1024+1)), want: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockRunService)
			body, contentType := multipartBody(t, tt.filename, tt.content)
			req := httptest.NewRequest(http.MethodPost, "/api/runs", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			setupTestRouter(svc, 1).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			svc.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything)
		})
	}
}

func TestRunHandler_CreateRun_DispatchFailed(t *testing.T) {
	svc := new(MockRunService)
	svc.On("CreateRun", "app.apk", "PK").Return(&domain.Run{ID: "r1"}, worker.ErrQueueFull)

	body, contentType := multipartBody(t, "app.apk", "PK")
	req := httptest.NewRequest(http.MethodPost, "/api/runs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	setupTestRouter(svc, 10).ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRunHandler_ListRuns(t *testing.T) {
	svc := new(MockRunService)
	svc.On("ListRuns", 2, 100, domain.RunStatusFailed).Return([]*domain.Run{{ID: "r1"}}, int64(101), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs?page=2&page_size=500&status=failed", nil)
	w := httptest.NewRecorder()
	setupTestRouter(svc, 0).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(101), resp["total"])
	assert.Equal(t, float64(100), resp["page_size"])

	req = httptest.NewRequest(http.MethodGet, "/api/runs?status=bogus", nil)
	w = httptest.NewRecorder()
	setupTestRouter(svc, 0).ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestRunHandler_ErrorMapping 测试错误到状态码的映射
func TestRunHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		setup  func(*MockRunService)
		want   int
	}{
		{
			name: "get not found", method: http.MethodGet, path: "/api/runs/missing",
			setup: func(m *MockRunService) { m.On("GetRun", "missing").Return(nil, repository.ErrRunNotFound) },
			want:  http.StatusNotFound,
		},
		{
			name: "get ok", method: http.MethodGet, path: "/api/runs/r1",
			setup: func(m *MockRunService) { m.On("GetRun", "r1").Return(&domain.Run{ID: "r1"}, nil) },
			want:  http.StatusOK,
		},
		{
			name: "delete running", method: http.MethodDelete, path: "/api/runs/r1",
			setup: func(m *MockRunService) { m.On("DeleteRun", "r1").Return(service.ErrRunInProgress) },
			want:  http.StatusConflict,
		},
		{
			name: "delete ok", method: http.MethodDelete, path: "/api/runs/r1",
			setup: func(m *MockRunService) { m.On("DeleteRun", "r1").Return(nil) },
			want:  http.StatusOK,
		},
		{
			name: "retry completed", method: http.MethodPost, path: "/api/runs/r1/retry",
			setup: func(m *MockRunService) { m.On("RetryRun", "r1").Return(nil, service.ErrRunNotRetryable) },
			want:  http.StatusConflict,
		},
		{
			name: "retry ok", method: http.MethodPost, path: "/api/runs/r1/retry",
			setup: func(m *MockRunService) { m.On("RetryRun", "r1").Return(&domain.Run{ID: "r1"}, nil) },
			want:  http.StatusAccepted,
		},
		{
			name: "events", method: http.MethodGet, path: "/api/runs/r1/events",
			setup: func(m *MockRunService) { m.On("GetEvents", "r1").Return([]*domain.RunEvent{{RunID: "r1"}}, nil) },
			want:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockRunService)
			tt.setup(svc)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			setupTestRouter(svc, 0).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestRunHandler_DownloadArtifact(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "app_protected.apk")
	require.NoError(t, os.WriteFile(artifact, []byte("signed"), 0644))

	svc := new(MockRunService)
	svc.On("GetRun", "done").Return(&domain.Run{ID: "done", Status: domain.RunStatusCompleted, OutputPath: artifact}, nil)
	svc.On("GetRun", "busy").Return(&domain.Run{ID: "busy", Status: domain.RunStatusRunning}, nil)
	router := setupTestRouter(svc, 0)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/done/artifact", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "signed", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "app_protected.apk")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/busy/artifact", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunHandler_GetStats(t *testing.T) {
	svc := new(MockRunService)
	svc.On("GetStatusCounts").Return(map[domain.RunStatus]int64{domain.RunStatusCompleted: 3, domain.RunStatusFailed: 1}, int64(4), nil)

	w := httptest.NewRecorder()
	setupTestRouter(svc, 0).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(4), resp["total"])
	assert.Equal(t, int64(3), resp["completed"])
	assert.Equal(t, int64(0), resp["queued"])
}
