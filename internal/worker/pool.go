package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/droidgrity/droidgrity-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("run queue is full")

// ErrPoolStopped Worker 池已停止
var ErrPoolStopped = errors.New("worker pool is stopped")

// RunExecutor 执行单个运行
type RunExecutor interface {
	Execute(ctx context.Context, runID string) error
}

// Task 任务
type Task struct {
	RunID    string
	resultCh chan error // 用于同步等待任务完成
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	executor RunExecutor
	metrics  *middleware.PrometheusMetrics
	logger   *logrus.Logger
	wg       sync.WaitGroup
	active   int32

	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, executor RunExecutor, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		executor: executor,
		logger:   logger,
	}
}

// SetMetrics 设置指标收集器
func (p *Pool) SetMetrics(metrics *middleware.PrometheusMetrics) {
	p.metrics = metrics
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.execute(ctx, id, task)
		}
	}
}

func (p *Pool) execute(ctx context.Context, id int, task *Task) {
	atomic.AddInt32(&p.active, 1)
	p.reportStats()
	defer func() {
		atomic.AddInt32(&p.active, -1)
		p.reportStats()
	}()

	log := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"run_id":    task.RunID,
	})
	log.Info("Processing run")

	err := p.executor.Execute(ctx, task.RunID)
	if err != nil {
		log.WithError(err).Error("Run execution failed")
	} else {
		log.Info("Run execution finished")
	}

	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(runID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- &Task{RunID: runID}:
		p.logger.WithField("run_id", runID).Debug("Run submitted to pool")
		p.reportStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, runID string) error {
	task := &Task{RunID: runID, resultCh: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务并等待已排队任务执行完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 队列中等待的任务数
func (p *Pool) QueueSize() int {
	return len(p.taskChan)
}

// ActiveWorkers 正在执行任务的 worker 数
func (p *Pool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.active))
}

func (p *Pool) reportStats() {
	if p.metrics != nil {
		p.metrics.UpdateWorkerPoolStats(p.workers, p.ActiveWorkers(), p.QueueSize())
	}
}
