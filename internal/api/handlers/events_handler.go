package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/droidgrity/droidgrity-go/internal/protect"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// allRuns 订阅所有运行的事件
const allRuns = "all"

// EventsHandler 通过 WebSocket 推送运行阶段事件
type EventsHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // 连接 -> 订阅的运行 ID
	clientMutex sync.RWMutex
	broadcast   chan protect.Event
}

// NewEventsHandler 创建事件处理器
func NewEventsHandler(logger *logrus.Logger) *EventsHandler {
	return &EventsHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan protect.Event, 100),
	}
}

// Start 启动广播协程，ctx 结束时关闭所有连接
func (h *EventsHandler) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

func (h *EventsHandler) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.broadcast:
			h.send(event)
		}
	}
}

func (h *EventsHandler) send(event protect.Event) {
	var failed []*websocket.Conn

	h.clientMutex.RLock()
	for conn, runID := range h.clients {
		if runID != allRuns && runID != event.RunID {
			continue
		}
		if err := conn.WriteJSON(event); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, conn)
		}
	}
	h.clientMutex.RUnlock()

	if len(failed) > 0 {
		h.clientMutex.Lock()
		for _, conn := range failed {
			conn.Close()
			delete(h.clients, conn)
		}
		h.clientMutex.Unlock()
	}
}

func (h *EventsHandler) closeAll() {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// OnEvent 接收流水线事件，广播通道满时丢弃
func (h *EventsHandler) OnEvent(event protect.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("run_id", event.RunID).Warn("Broadcast channel is full, dropping event")
	}
}

// ClientCount 当前连接数
func (h *EventsHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/runs/:id  (id 为 all 时订阅全部运行)
func (h *EventsHandler) HandleWebSocket(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		runID = allRuns
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.clientMutex.Lock()
	h.clients[conn] = runID
	h.clientMutex.Unlock()

	h.logger.WithField("run_id", runID).Info("WebSocket client connected")

	// 只读取以感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("run_id", runID).Info("WebSocket client disconnected")
}
