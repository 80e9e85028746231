package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RunMessage 待执行的保护运行
type RunMessage struct {
	RunID      string    `json:"run_id"`
	APKName    string    `json:"apk_name"`
	InputPath  string    `json:"input_path"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DecodeRunMessage 解析消息体
func DecodeRunMessage(body []byte) (*RunMessage, error) {
	var msg RunMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid run message: %w", err)
	}
	if msg.RunID == "" {
		return nil, fmt.Errorf("invalid run message: missing run_id")
	}
	return &msg, nil
}

// Publisher 发布原始消息
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq     Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// PublishRun 发布运行消息
func (p *Producer) PublishRun(ctx context.Context, msg *RunMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("run_id", msg.RunID).Error("Failed to publish run")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"run_id":   msg.RunID,
		"apk_name": msg.APKName,
	}).Info("Run published to queue")

	return nil
}
