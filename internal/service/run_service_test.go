package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/repository"
	"github.com/droidgrity/droidgrity-go/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunRepository Mock Repository
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) Create(ctx context.Context, run *domain.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepository) Update(ctx context.Context, run *domain.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepository) FindByID(ctx context.Context, id string) (*domain.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Run), args.Error(1)
}

func (m *MockRunRepository) List(ctx context.Context, page, pageSize int, status domain.RunStatus) ([]*domain.Run, int64, error) {
	args := m.Called(ctx, page, pageSize, status)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Run), args.Get(1).(int64), args.Error(2)
}

func (m *MockRunRepository) ListByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.Run, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Run), args.Error(1)
}

func (m *MockRunRepository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRunRepository) MarkStarted(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRunRepository) UpdateStage(ctx context.Context, id string, stage domain.Stage) error {
	return m.Called(ctx, id, stage).Error(0)
}

func (m *MockRunRepository) MarkCompleted(ctx context.Context, id string, update *domain.Run) error {
	return m.Called(ctx, id, update).Error(0)
}

func (m *MockRunRepository) UpdateFailure(ctx context.Context, id string, stage domain.Stage, failureType domain.FailureType, errorMessage string) error {
	return m.Called(ctx, id, stage, failureType, errorMessage).Error(0)
}

func (m *MockRunRepository) ResetForRetry(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRunRepository) GetStatusCounts(ctx context.Context) (map[domain.RunStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domain.RunStatus]int64), args.Error(1)
}

func (m *MockRunRepository) AppendEvent(ctx context.Context, event *domain.RunEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockRunRepository) ListEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RunEvent), args.Error(1)
}

// MockDispatcher Mock 分发器
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, run *domain.Run) error {
	return m.Called(ctx, run).Error(0)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(t *testing.T) (*runService, *MockRunRepository, *MockDispatcher) {
	repo := new(MockRunRepository)
	dispatcher := new(MockDispatcher)
	svc := NewRunService(repo, dispatcher, t.TempDir(), nil, newTestLogger()).(*runService)
	return svc, repo, dispatcher
}

// TestRunService_CreateRun 测试上传保存与排队
func TestRunService_CreateRun(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()

	repo.On("Create", ctx, mock.AnythingOfType("*domain.Run")).Return(nil)
	dispatcher.On("Dispatch", ctx, mock.AnythingOfType("*domain.Run")).Return(nil)

	run, err := svc.CreateRun(ctx, "../../evil/app.apk", strings.NewReader("PK\x03\x04"))
	require.NoError(t, err)

	assert.Equal(t, "app.apk", run.APKName)
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Equal(t, filepath.Join(UploadDir(svc.workspace, run.ID), "app.apk"), run.InputPath)

	data, err := os.ReadFile(run.InputPath)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04", string(data))

	repo.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestRunService_CreateRun_InvalidName(t *testing.T) {
	svc, repo, _ := newTestService(t)

	_, err := svc.CreateRun(context.Background(), "app.zip", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidAPK)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestRunService_CreateRun_RepoError 测试入库失败时清理上传文件
func TestRunService_CreateRun_RepoError(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()

	repo.On("Create", ctx, mock.Anything).Return(errors.New("database error"))

	_, err := svc.CreateRun(ctx, "app.apk", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "创建运行失败")

	entries, _ := os.ReadDir(filepath.Join(svc.workspace, "uploads"))
	assert.Empty(t, entries)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestRunService_CreateRun_DispatchError(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()

	repo.On("Create", ctx, mock.Anything).Return(nil)
	dispatcher.On("Dispatch", ctx, mock.Anything).Return(worker.ErrQueueFull)

	run, err := svc.CreateRun(ctx, "app.apk", strings.NewReader("x"))
	assert.ErrorIs(t, err, worker.ErrQueueFull)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusQueued, run.Status)
}

func TestRunService_CreateRunFromFile(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "inbox.apk")
	require.NoError(t, os.WriteFile(src, []byte("apk"), 0644))

	repo.On("Create", ctx, mock.Anything).Return(nil)
	dispatcher.On("Dispatch", ctx, mock.Anything).Return(nil)

	run, err := svc.CreateRunFromFile(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "inbox.apk", run.APKName)
	assert.FileExists(t, run.InputPath)
	assert.FileExists(t, src)
}

// TestRunService_DeleteRun 测试删除记录与文件
func TestRunService_DeleteRun(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	dirs := []string{
		UploadDir(svc.workspace, "r1"),
		worker.RunDir(svc.workspace, "r1"),
		worker.ArtifactDir(svc.workspace, "r1"),
	}
	for _, dir := range dirs {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}

	repo.On("FindByID", ctx, "r1").Return(&domain.Run{ID: "r1", Status: domain.RunStatusCompleted}, nil)
	repo.On("Delete", ctx, "r1").Return(nil)

	require.NoError(t, svc.DeleteRun(ctx, "r1"))
	for _, dir := range dirs {
		assert.NoDirExists(t, dir)
	}
}

func TestRunService_DeleteRun_Running(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	repo.On("FindByID", ctx, "r1").Return(&domain.Run{ID: "r1", Status: domain.RunStatusRunning}, nil)

	assert.ErrorIs(t, svc.DeleteRun(ctx, "r1"), ErrRunInProgress)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestRunService_GetRun_NotFound(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	repo.On("FindByID", ctx, "missing").Return(nil, repository.ErrRunNotFound)

	_, err := svc.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
}

func TestRunService_RetryRun(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.RunStatus
		wantErr error
	}{
		{name: "failed run", status: domain.RunStatusFailed},
		{name: "completed run", status: domain.RunStatusCompleted, wantErr: ErrRunNotRetryable},
		{name: "running run", status: domain.RunStatusRunning, wantErr: ErrRunNotRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, dispatcher := newTestService(t)
			ctx := context.Background()

			repo.On("FindByID", ctx, "r1").Return(&domain.Run{ID: "r1", Status: tt.status}, nil)
			repo.On("ResetForRetry", ctx, "r1").Return(nil)
			dispatcher.On("Dispatch", ctx, mock.Anything).Return(nil)

			run, err := svc.RetryRun(ctx, "r1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusQueued, run.Status)
			repo.AssertCalled(t, "ResetForRetry", ctx, "r1")
		})
	}
}

func TestRunService_GetStatusCounts(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	repo.On("GetStatusCounts", ctx).Return(map[domain.RunStatus]int64{
		domain.RunStatusQueued:    2,
		domain.RunStatusCompleted: 5,
		domain.RunStatusFailed:    1,
	}, nil)

	counts, total, err := svc.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)
	assert.Equal(t, int64(5), counts[domain.RunStatusCompleted])
}

// TestRunService_RequeuePending 测试启动时恢复中断的运行
func TestRunService_RequeuePending(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()

	repo.On("ListByStatus", ctx, domain.RunStatusRunning).Return([]*domain.Run{{ID: "r1"}}, nil)
	repo.On("ResetForRetry", ctx, "r1").Return(nil)
	repo.On("ListByStatus", ctx, domain.RunStatusQueued).Return([]*domain.Run{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}}, nil)
	dispatcher.On("Dispatch", ctx, mock.MatchedBy(func(r *domain.Run) bool { return r.ID != "r3" })).Return(nil)
	dispatcher.On("Dispatch", ctx, mock.MatchedBy(func(r *domain.Run) bool { return r.ID == "r3" })).Return(worker.ErrQueueFull)

	n, err := svc.RequeuePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	dispatcher.AssertNumberOfCalls(t, "Dispatch", 3)
}
