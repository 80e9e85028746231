package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RunHandler 运行消息处理函数
type RunHandler func(ctx context.Context, msg *RunMessage) error

// Consumer 消息消费者
type Consumer struct {
	mq            *RabbitMQ
	logger        *logrus.Logger
	handler       RunHandler
	workers       int
	workerWg      sync.WaitGroup
	activeWorkers int32
	mu            sync.Mutex
	running       bool
	cancelFunc    context.CancelFunc
}

// NewConsumer 创建消费者，workers 应与 prefetch 数量一致
func NewConsumer(mq *RabbitMQ, handler RunHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}

	return &Consumer{
		mq:      mq,
		logger:  logger,
		handler: handler,
		workers: workers,
	}
}

// Start 启动消费者并监听重连信号
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}

	c.mq.WatchConnection(ctx)
	go c.handleReconnect(ctx)

	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Message channel closed")
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息
// 解析失败与处理失败都不重新入队（失败已记录在运行状态中），仅在关闭期间被取消时重新入队
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	msg, err := DecodeRunMessage(delivery.Body)
	if err != nil {
		c.logger.WithError(err).Error("Failed to decode message")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"run_id":    msg.RunID,
	})
	log.WithField("apk_name", msg.APKName).Info("Processing run")

	if err := c.handler(ctx, msg); err != nil {
		requeue := errors.Is(err, context.Canceled) && ctx.Err() != nil
		log.WithError(err).WithField("requeue", requeue).Error("Run processing failed")
		delivery.Nack(false, requeue)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}

	log.WithField("duration", time.Since(startTime).Seconds()).Info("Run processed")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.ReconnectSignal():
			c.logger.Warn("Connection lost, attempting to reconnect")

			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect to RabbitMQ")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消 worker 并等待退出，最多 30 秒
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All consumer workers stopped")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for consumer workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
}

// ActiveWorkers 活跃 worker 数量
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
