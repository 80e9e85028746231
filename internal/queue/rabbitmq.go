package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 通道尚未建立
var ErrNotConnected = errors.New("rabbitmq channel is not open")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// URL amqp 连接地址
func (c *RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + url.PathEscape(c.VHost),
	}
	if c.VHost == "/" || c.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	config        *RabbitMQConfig
	conn          *amqp.Connection
	channel       *amqp.Channel
	logger        *logrus.Logger
	queueName     string
	reconnect     chan bool
	retryConfig   *retry.Config
	prefetchCount int // 应与 worker 数量一致

	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 连接 RabbitMQ，连接失败按 retryCfg 重试
func NewRabbitMQ(ctx context.Context, config *RabbitMQConfig, queueName string, prefetchCount int, retryCfg *retry.Config, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig("rabbitmq_connect")
		retryCfg.MaxAttempts = 10
		retryCfg.Logger = logger
	}

	mq := &RabbitMQ{
		config:        config,
		logger:        logger,
		queueName:     queueName,
		reconnect:     make(chan bool, 1),
		retryConfig:   retryCfg,
		prefetchCount: prefetchCount,
	}

	if err := retry.Do(ctx, retryCfg, func(ctx context.Context) error { return mq.connect() }); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// connect 建立连接、通道并声明持久化队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// WatchConnection 监听连接/通道关闭，意外关闭时发出重连信号
func (mq *RabbitMQ) WatchConnection(ctx context.Context) {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify, channelNotify := mq.connNotify, mq.channelNotify
			mq.mu.RUnlock()

			var amqpErr *amqp.Error
			select {
			case <-ctx.Done():
				return
			case amqpErr = <-connNotify:
			case amqpErr = <-channelNotify:
			}

			if mq.isClosed() {
				return
			}
			if amqpErr != nil {
				mq.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}

			select {
			case mq.reconnect <- true:
			default:
			}

			// 等待重连完成后再监听新的通知通道
			select {
			case <-ctx.Done():
				return
			case <-mq.waitReconnected(ctx):
			}
		}
	}()
}

func (mq *RabbitMQ) waitReconnected(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			if mq.IsConnected() || mq.isClosed() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

// Reconnect 关闭旧连接后按重试策略重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()
	return retry.Do(ctx, mq.retryConfig, func(ctx context.Context) error {
		if mq.isClosed() {
			return retry.Permanent(errors.New("rabbitmq client closed"))
		}
		return mq.connect()
	})
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}

	q, err := ch.QueueDeclarePassive(mq.queueName, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// PurgeQueue 清空队列，返回丢弃的消息数
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}
	return ch.QueuePurge(mq.queueName, false)
}

// ReconnectSignal 重连信号
func (mq *RabbitMQ) ReconnectSignal() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
