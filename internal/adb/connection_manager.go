package adb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// ConnectionManager 网络设备连接管理
// 服务模式下多个 worker 可能同时安装到同一台设备，connect 只执行一次
type ConnectionManager struct {
	bin    string
	runner toolexec.Runner
	logger *logrus.Logger

	mu          sync.Mutex
	connections map[string]bool
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(bin string, runner toolexec.Runner, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		bin:         bin,
		runner:      runner,
		logger:      logger,
		connections: make(map[string]bool),
	}
}

// Connect 连接网络设备（已连接时直接返回）
func (m *ConnectionManager) Connect(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connections[target] {
		m.logger.WithField("target", target).Debug("Already connected (cached)")
		return nil
	}

	output, err := m.runner.Run(ctx, m.bin, "connect", target)
	if err != nil {
		return fmt.Errorf("adb connect failed: %w", err)
	}
	out := string(output)
	// adb connect 失败时同样返回 0
	if !strings.Contains(out, "connected to") {
		return fmt.Errorf("adb connect %s: %s", target, strings.TrimSpace(out))
	}

	m.connections[target] = true
	m.logger.WithField("target", target).Info("Device connected")
	return nil
}

// Disconnect 断开网络设备
func (m *ConnectionManager) Disconnect(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runner.Run(ctx, m.bin, "disconnect", target); err != nil {
		return fmt.Errorf("adb disconnect failed: %w", err)
	}
	delete(m.connections, target)
	return nil
}

// IsConnected 是否已记录为已连接
func (m *ConnectionManager) IsConnected(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[target]
}
