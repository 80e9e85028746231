package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeAcknowledger 记录 Ack/Nack 调用
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakePublisher struct {
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func delivery(ack amqp.Acknowledger, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: body, DeliveryTag: 1}
}

func TestDecodeRunMessage(t *testing.T) {
	msg, err := DecodeRunMessage([]byte(`{"run_id":"r1","apk_name":"app.apk","input_path":"/in/app.apk"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.RunID)
	assert.Equal(t, "/in/app.apk", msg.InputPath)

	_, err = DecodeRunMessage([]byte(`{"apk_name":"app.apk"}`))
	assert.Error(t, err)

	_, err = DecodeRunMessage([]byte(`not json`))
	assert.Error(t, err)
}

// TestProducer_PublishRun 测试发布的消息体
func TestProducer_PublishRun(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProducer(pub, newTestLogger())

	require.NoError(t, p.PublishRun(context.Background(), &RunMessage{RunID: "r1", APKName: "app.apk"}))
	require.Len(t, pub.bodies, 1)

	var got RunMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &got))
	assert.Equal(t, "r1", got.RunID)
	assert.False(t, got.EnqueuedAt.IsZero())

	pub.err = ErrNotConnected
	assert.ErrorIs(t, p.PublishRun(context.Background(), &RunMessage{RunID: "r2"}), ErrNotConnected)
}

// TestConsumer_ProcessMessage 测试确认策略
func TestConsumer_ProcessMessage(t *testing.T) {
	valid := []byte(`{"run_id":"r1","apk_name":"app.apk"}`)

	tests := []struct {
		name        string
		body        []byte
		handlerErr  error
		cancelled   bool
		wantAck     bool
		wantRequeue bool
	}{
		{name: "success", body: valid, wantAck: true},
		{name: "invalid body", body: []byte("{"), wantAck: false},
		{name: "handler failure", body: valid, handlerErr: errors.New("build failed")},
		{name: "shutdown", body: valid, handlerErr: context.Canceled, cancelled: true, wantRequeue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handled *RunMessage
			c := NewConsumer(nil, func(ctx context.Context, msg *RunMessage) error {
				handled = msg
				return tt.handlerErr
			}, 1, newTestLogger())

			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancelled {
				cancel()
			} else {
				defer cancel()
			}

			ack := &fakeAcknowledger{}
			c.processMessage(ctx, 0, delivery(ack, tt.body))

			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, !tt.wantAck, ack.nacked)
			assert.Equal(t, tt.wantRequeue, ack.requeue)
			if ack.acked {
				require.NotNil(t, handled)
				assert.Equal(t, "r1", handled.RunID)
			}
		})
	}
}

// TestConsumer_Worker 测试 worker 消费到通道关闭
func TestConsumer_Worker(t *testing.T) {
	var count int32
	var mu sync.Mutex
	c := NewConsumer(nil, func(ctx context.Context, msg *RunMessage) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, 2, newTestLogger())

	msgs := make(chan amqp.Delivery, 3)
	for i := 0; i < 3; i++ {
		msgs <- delivery(&fakeAcknowledger{}, []byte(`{"run_id":"r"}`))
	}
	close(msgs)

	c.workerWg.Add(1)
	go c.worker(context.Background(), 0, msgs)

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, int32(3), count)
	assert.Equal(t, 0, c.ActiveWorkers())
}

func TestRabbitMQConfig_URL(t *testing.T) {
	cfg := &RabbitMQConfig{Host: "mq", Port: 5672, User: "guest", Password: "p@ss", VHost: "/"}
	assert.Equal(t, "amqp://guest:p%40ss@mq:5672/", cfg.URL())

	cfg.VHost = "droidgrity"
	assert.Equal(t, "amqp://guest:p%40ss@mq:5672/droidgrity", cfg.URL())
}
