package middleware

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配的内存
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// MemoryMonitor 定期采集内存统计，可选同步到 Prometheus
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	stats    MemoryStats
	mutex    sync.RWMutex
	interval time.Duration
}

// NewMemoryMonitor 创建内存监控器，metrics 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration) *MemoryMonitor {
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

// Run 采集循环，ctx 取消后返回
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.update()
		}
	}
}

func (m *MemoryMonitor) update() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")
}

// GetStats 获取当前统计信息
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MetricsEndpoint 以 JSON 返回内存统计
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"memory": m.GetStats(),
		})
	}
}
