package protect

import (
	"time"

	"github.com/droidgrity/droidgrity-go/internal/domain"
)

// EventStatus 阶段事件状态
type EventStatus string

const (
	EventStarted   EventStatus = "started"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventSkipped   EventStatus = "skipped"
)

// Event 阶段进度事件
type Event struct {
	RunID   string       `json:"run_id"`
	Stage   domain.Stage `json:"stage"`
	Status  EventStatus  `json:"status"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
	Time    time.Time    `json:"time"`
}

// Observer 接收阶段事件，实现需要自行处理并发
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc 函数适配 Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
