package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/middleware"
	"github.com/droidgrity/droidgrity-go/internal/repository"
	"github.com/droidgrity/droidgrity-go/internal/worker"
	"github.com/google/uuid"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidAPK      = errors.New("只支持 .apk 文件")
	ErrRunInProgress   = errors.New("运行尚未结束")
	ErrRunNotRetryable = errors.New("只有失败的运行可以重试")
)

// RunService 保护运行服务接口
type RunService interface {
	// 保存上传的 APK 并排队
	CreateRun(ctx context.Context, apkName string, content io.Reader) (*domain.Run, error)

	// 复制本地 APK（收件箱）并排队
	CreateRunFromFile(ctx context.Context, path string) (*domain.Run, error)

	GetRun(ctx context.Context, runID string) (*domain.Run, error)

	ListRuns(ctx context.Context, page, pageSize int, status domain.RunStatus) ([]*domain.Run, int64, error)

	// 删除记录及上传文件、工作目录和产物
	DeleteRun(ctx context.Context, runID string) error

	// 重新排队失败的运行
	RetryRun(ctx context.Context, runID string) (*domain.Run, error)

	GetEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error)

	// 状态统计，返回各状态数量与总数
	GetStatusCounts(ctx context.Context) (map[domain.RunStatus]int64, int64, error)

	// 服务启动时把中断的运行重新排队
	RequeuePending(ctx context.Context) (int, error)
}

type runService struct {
	repo       repository.RunRepository
	dispatcher Dispatcher
	workspace  string
	metrics    *middleware.PrometheusMetrics
	logger     *logrus.Logger
}

// NewRunService 创建运行服务
func NewRunService(repo repository.RunRepository, dispatcher Dispatcher, workspace string, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) RunService {
	return &runService{
		repo:       repo,
		dispatcher: dispatcher,
		workspace:  workspace,
		metrics:    metrics,
		logger:     logger,
	}
}

// UploadDir 运行的上传目录
func UploadDir(workspace, runID string) string {
	return filepath.Join(workspace, "uploads", runID)
}

func sanitizeAPKName(name string) (string, error) {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || !strings.EqualFold(filepath.Ext(name), ".apk") {
		return "", ErrInvalidAPK
	}
	return name, nil
}

func (s *runService) CreateRun(ctx context.Context, apkName string, content io.Reader) (*domain.Run, error) {
	name, err := sanitizeAPKName(apkName)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	dir := UploadDir(s.workspace, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("保存文件失败: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("保存文件失败: %w", err)
	}
	if err := f.Close(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("保存文件失败: %w", err)
	}

	return s.enqueue(ctx, id, name, path)
}

func (s *runService) CreateRunFromFile(ctx context.Context, src string) (*domain.Run, error) {
	name, err := sanitizeAPKName(src)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	path := filepath.Join(UploadDir(s.workspace, id), name)
	if err := copy.Copy(src, path); err != nil {
		return nil, fmt.Errorf("复制文件失败: %w", err)
	}

	return s.enqueue(ctx, id, name, path)
}

func (s *runService) enqueue(ctx context.Context, id, name, path string) (*domain.Run, error) {
	run := &domain.Run{
		ID:        id,
		APKName:   name,
		InputPath: path,
		Status:    domain.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, run); err != nil {
		os.RemoveAll(UploadDir(s.workspace, id))
		s.logger.WithError(err).Error("Failed to create run")
		return nil, fmt.Errorf("创建运行失败: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordRunCreated()
	}

	// 分发失败时运行保持排队状态，下次启动时由 RequeuePending 重新分发
	if err := s.dispatcher.Dispatch(ctx, run); err != nil {
		s.logger.WithError(err).WithField("run_id", id).Error("Failed to dispatch run")
		return run, fmt.Errorf("运行排队失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":   id,
		"apk_name": name,
	}).Info("Run created")
	return run, nil
}

func (s *runService) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.repo.FindByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("获取运行失败: %w", err)
	}
	return run, nil
}

func (s *runService) ListRuns(ctx context.Context, page, pageSize int, status domain.RunStatus) ([]*domain.Run, int64, error) {
	runs, total, err := s.repo.List(ctx, page, pageSize, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list runs")
		return nil, 0, fmt.Errorf("获取运行列表失败: %w", err)
	}
	return runs, total, nil
}

func (s *runService) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.repo.FindByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("删除运行失败: %w", err)
	}
	if run.Status == domain.RunStatusRunning {
		return ErrRunInProgress
	}

	if err := s.repo.Delete(ctx, runID); err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Error("Failed to delete run")
		return fmt.Errorf("删除运行失败: %w", err)
	}

	for _, dir := range []string{
		UploadDir(s.workspace, runID),
		worker.RunDir(s.workspace, runID),
		worker.ArtifactDir(s.workspace, runID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.WithError(err).WithField("dir", dir).Warn("Failed to remove run files")
		}
	}

	s.logger.WithField("run_id", runID).Info("Run deleted")
	return nil
}

func (s *runService) RetryRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.repo.FindByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("重试运行失败: %w", err)
	}
	if run.Status != domain.RunStatusFailed {
		return nil, ErrRunNotRetryable
	}

	if err := s.repo.ResetForRetry(ctx, runID); err != nil {
		return nil, fmt.Errorf("重试运行失败: %w", err)
	}
	// 上一次的中间产物可能残留
	os.RemoveAll(worker.RunDir(s.workspace, runID))

	run.Status = domain.RunStatusQueued
	if err := s.dispatcher.Dispatch(ctx, run); err != nil {
		return run, fmt.Errorf("运行排队失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"attempts": run.Attempts,
	}).Info("Run requeued for retry")
	return run, nil
}

func (s *runService) GetEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	if _, err := s.repo.FindByID(ctx, runID); err != nil {
		return nil, fmt.Errorf("获取运行事件失败: %w", err)
	}
	events, err := s.repo.ListEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("获取运行事件失败: %w", err)
	}
	return events, nil
}

func (s *runService) GetStatusCounts(ctx context.Context) (map[domain.RunStatus]int64, int64, error) {
	counts, err := s.repo.GetStatusCounts(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("获取状态统计失败: %w", err)
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return counts, total, nil
}

func (s *runService) RequeuePending(ctx context.Context) (int, error) {
	running, err := s.repo.ListByStatus(ctx, domain.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	for _, run := range running {
		if err := s.repo.ResetForRetry(ctx, run.ID); err != nil {
			return 0, err
		}
		os.RemoveAll(worker.RunDir(s.workspace, run.ID))
	}

	queued, err := s.repo.ListByStatus(ctx, domain.RunStatusQueued)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, run := range queued {
		if err := s.dispatcher.Dispatch(ctx, run); err != nil {
			s.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to requeue run")
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		s.logger.WithFields(logrus.Fields{
			"interrupted": len(running),
			"requeued":    dispatched,
		}).Info("Pending runs requeued")
	}
	return dispatched, nil
}
