package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/keystore"
	"github.com/droidgrity/droidgrity-go/internal/middleware"
	"github.com/droidgrity/droidgrity-go/internal/protect"
	"github.com/droidgrity/droidgrity-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// PipelineRunner 执行一次保护流水线，由 *protect.Pipeline 实现
type PipelineRunner interface {
	Run(ctx context.Context, opts protect.Options) (*protect.Report, error)
}

// ExecutorConfig 服务模式下所有运行共用的参数
type ExecutorConfig struct {
	Workspace       string
	NativeSourceDir string
	SmaliTemplate   string
	Keystore        keystore.Options
	AllActivities   bool
	VerifySignature bool
	Install         bool
	KeepArtifacts   bool
}

// RunDir 运行的工作目录
func RunDir(workspace, runID string) string {
	return filepath.Join(workspace, "runs", runID)
}

// ArtifactDir 运行产物目录
func ArtifactDir(workspace, runID string) string {
	return filepath.Join(workspace, "artifacts", runID)
}

// ArtifactPath 受保护 APK 的保存路径
func ArtifactPath(workspace, runID, apkName string) string {
	name := strings.TrimSuffix(filepath.Base(apkName), filepath.Ext(apkName))
	return filepath.Join(ArtifactDir(workspace, runID), name+protect.ProtectedSuffix)
}

// Executor 从数据库加载运行并执行流水线，同时持久化阶段事件
type Executor struct {
	cfg         ExecutorConfig
	repo        repository.RunRepository
	runner      PipelineRunner
	metrics     *middleware.PrometheusMetrics // 可为 nil
	broadcaster protect.Observer              // 可为 nil
	logger      *logrus.Logger
}

// NewExecutor 创建执行器
func NewExecutor(cfg ExecutorConfig, repo repository.RunRepository, runner PipelineRunner, logger *logrus.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		repo:   repo,
		runner: runner,
		logger: logger,
	}
}

// SetMetrics 设置指标收集器
func (e *Executor) SetMetrics(metrics *middleware.PrometheusMetrics) {
	e.metrics = metrics
}

// SetBroadcaster 设置实时事件推送
func (e *Executor) SetBroadcaster(observer protect.Observer) {
	e.broadcaster = observer
}

// Execute 执行一次运行，已结束的运行直接跳过
func (e *Executor) Execute(ctx context.Context, runID string) error {
	run, err := e.repo.FindByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.IsFinished() {
		e.logger.WithFields(logrus.Fields{
			"run_id": runID,
			"status": run.Status,
		}).Warn("Run already finished, skipping")
		return nil
	}

	if err := e.repo.MarkStarted(ctx, runID); err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordRunStarted()
	}

	observer := e.newObserver(ctx)
	opts := protect.Options{
		RunID:           runID,
		InputAPK:        run.InputPath,
		OutputAPK:       ArtifactPath(e.cfg.Workspace, runID, run.APKName),
		Workspace:       RunDir(e.cfg.Workspace, runID),
		NativeSourceDir: e.cfg.NativeSourceDir,
		SmaliTemplate:   e.cfg.SmaliTemplate,
		Keystore:        e.cfg.Keystore,
		AllActivities:   e.cfg.AllActivities,
		VerifySignature: e.cfg.VerifySignature,
		Install:         e.cfg.Install,
		KeepArtifacts:   e.cfg.KeepArtifacts,
		Observer:        observer,
	}

	start := time.Now()
	report, runErr := e.runPipeline(ctx, opts)
	duration := time.Since(start)

	// 运行已被取消时仍需写入最终状态
	persistCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		stage := observer.lastStage()
		if stage == "" {
			stage = run.CurrentStage
		}
		var stageErr *protect.StageError
		if errors.As(runErr, &stageErr) {
			stage = stageErr.Stage
		}
		failureType := protect.FailureTypeOf(runErr)
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			failureType = domain.FailureTypeCancelled
		}

		if err := e.repo.UpdateFailure(persistCtx, runID, stage, failureType, runErr.Error()); err != nil {
			e.logger.WithError(err).WithField("run_id", runID).Error("Failed to record run failure")
		}
		if e.metrics != nil {
			e.metrics.RecordRunFailed(duration)
			e.metrics.RecordStageFailure(stage, failureType)
		}
		return runErr
	}

	update := completedRun(report, duration)
	if err := e.repo.MarkCompleted(persistCtx, runID, update); err != nil {
		return fmt.Errorf("failed to record run result: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordRunCompleted(duration)
		e.metrics.RecordNativeLibraries(report.Binaries.ABIs())
		if report.InstallOutput != "" || report.InstallError != nil {
			e.metrics.RecordInstall(report.InstallError == nil)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"output":   report.OutputAPK,
		"duration": duration.Seconds(),
	}).Info("Run completed")

	return nil
}

// runPipeline 执行流水线，panic 转为错误，运行按失败记录
func (e *Executor) runPipeline(ctx context.Context, opts protect.Options) (report *protect.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"run_id": opts.RunID,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("PANIC in protection pipeline (recovered)")
			report = nil
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return e.runner.Run(ctx, opts)
}

// completedRun 从报告提取需要持久化的结果
func completedRun(report *protect.Report, duration time.Duration) *domain.Run {
	update := &domain.Run{
		OutputPath:    report.OutputAPK,
		Fingerprint:   report.Fingerprint,
		Architectures: strings.Join(report.Binaries.ABIs(), ","),
		InstallResult: strings.TrimSpace(report.InstallOutput),
		DurationMs:    duration.Milliseconds(),
	}
	if report.Metadata != nil {
		update.PackageName = report.Metadata.PackageName
		update.MainActivity = report.Metadata.MainActivity
	}
	// 安装失败不影响运行结果，只记录原因
	if report.InstallError != nil {
		update.FailureType = domain.FailureTypeInstall
		update.ErrorMessage = report.InstallError.Error()
	}
	return update
}

// runObserver 将阶段事件写入数据库、指标与实时推送
type runObserver struct {
	ctx      context.Context
	executor *Executor

	mu      sync.Mutex
	started map[domain.Stage]time.Time
	last    domain.Stage
}

func (e *Executor) newObserver(ctx context.Context) *runObserver {
	return &runObserver{
		ctx:      context.WithoutCancel(ctx),
		executor: e,
		started:  make(map[domain.Stage]time.Time),
	}
}

// lastStage 最近开始的阶段
func (o *runObserver) lastStage() domain.Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *runObserver) OnEvent(event protect.Event) {
	e := o.executor
	log := e.logger.WithFields(logrus.Fields{
		"run_id": event.RunID,
		"stage":  event.Stage,
	})

	switch event.Status {
	case protect.EventStarted:
		o.mu.Lock()
		o.started[event.Stage] = event.Time
		o.last = event.Stage
		o.mu.Unlock()
		if err := e.repo.UpdateStage(o.ctx, event.RunID, event.Stage); err != nil {
			log.WithError(err).Warn("Failed to update run stage")
		}
	case protect.EventCompleted, protect.EventFailed:
		o.mu.Lock()
		began, ok := o.started[event.Stage]
		o.mu.Unlock()
		if ok && e.metrics != nil {
			e.metrics.RecordStage(event.Stage, event.Time.Sub(began))
		}
	}

	if err := e.repo.AppendEvent(o.ctx, &domain.RunEvent{
		RunID:     event.RunID,
		Stage:     event.Stage,
		Status:    string(event.Status),
		Message:   event.Message,
		Error:     event.Error,
		CreatedAt: event.Time,
	}); err != nil {
		log.WithError(err).Warn("Failed to persist run event")
	}

	if e.broadcaster != nil {
		e.broadcaster.OnEvent(event)
	}
}
