package service

import (
	"context"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/queue"
)

// Dispatcher 将排队中的运行交给执行方
type Dispatcher interface {
	Dispatch(ctx context.Context, run *domain.Run) error
}

// Submitter 进程内 worker 池
type Submitter interface {
	Submit(runID string) error
}

// PoolDispatcher 直接提交到进程内 worker 池
type PoolDispatcher struct {
	pool Submitter
}

// NewPoolDispatcher 创建进程内分发器
func NewPoolDispatcher(pool Submitter) *PoolDispatcher {
	return &PoolDispatcher{pool: pool}
}

func (d *PoolDispatcher) Dispatch(ctx context.Context, run *domain.Run) error {
	return d.pool.Submit(run.ID)
}

// QueueDispatcher 发布到 RabbitMQ，由消费者执行
type QueueDispatcher struct {
	producer *queue.Producer
}

// NewQueueDispatcher 创建队列分发器
func NewQueueDispatcher(producer *queue.Producer) *QueueDispatcher {
	return &QueueDispatcher{producer: producer}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, run *domain.Run) error {
	return d.producer.PublishRun(ctx, &queue.RunMessage{
		RunID:      run.ID,
		APKName:    run.APKName,
		InputPath:  run.InputPath,
		EnqueuedAt: time.Now().UTC(),
	})
}
