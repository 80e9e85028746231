package middleware

import (
	"strconv"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal          *prometheus.CounterVec
	runsInProgress     prometheus.Gauge
	runDuration        *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec
	stageFailuresTotal *prometheus.CounterVec
	nativeLibraries    *prometheus.CounterVec
	installsTotal      *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "droidgrity"
	}

	gauge := func(name, help string) prometheus.Gauge {
		return promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of protection runs by status",
			},
			[]string{"status"}, // queued, running, completed, failed
		),
		runsInProgress: gauge("runs_in_progress", "Number of protection runs currently executing"),
		runDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Protection run duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"status"},
		),
		stageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
			},
			[]string{"stage"},
		),
		stageFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of failed stages by failure type",
			},
			[]string{"stage", "failure_type"},
		),
		nativeLibraries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "native_libraries_total",
				Help:      "Total number of native libraries merged by architecture",
			},
			[]string{"abi"},
		),
		installsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_total",
				Help:      "Total number of device installs by result",
			},
			[]string{"result"},
		),

		memoryUsage:     gauge("memory_usage_bytes", "Current memory usage in bytes"),
		goroutinesCount: gauge("goroutines_count", "Current number of goroutines"),
		gcCount:         gauge("gc_count", "Number of completed GC cycles"),

		workerPoolSize:      gauge("worker_pool_size", "Number of workers"),
		workerPoolActive:    gauge("worker_pool_active", "Number of busy workers"),
		workerPoolQueueSize: gauge("worker_pool_queue_size", "Number of runs waiting in the pool queue"),

		dbConnectionsOpen:  gauge("db_connections_open", "Open database connections"),
		dbConnectionsIdle:  gauge("db_connections_idle", "Idle database connections"),
		dbConnectionsInUse: gauge("db_connections_in_use", "In-use database connections"),

		retryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
		retrySuccessTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_success_total",
				Help:      "Total number of operations that succeeded after retrying",
			},
			[]string{"operation"},
		),
	}
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRunCreated 记录运行入队
func (pm *PrometheusMetrics) RecordRunCreated() {
	pm.runsTotal.WithLabelValues(string(domain.RunStatusQueued)).Inc()
}

// RecordRunStarted 记录运行开始
func (pm *PrometheusMetrics) RecordRunStarted() {
	pm.runsTotal.WithLabelValues(string(domain.RunStatusRunning)).Inc()
	pm.runsInProgress.Inc()
}

// RecordRunCompleted 记录运行成功
func (pm *PrometheusMetrics) RecordRunCompleted(duration time.Duration) {
	pm.runsTotal.WithLabelValues(string(domain.RunStatusCompleted)).Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues(string(domain.RunStatusCompleted)).Observe(duration.Seconds())
}

// RecordRunFailed 记录运行失败
func (pm *PrometheusMetrics) RecordRunFailed(duration time.Duration) {
	pm.runsTotal.WithLabelValues(string(domain.RunStatusFailed)).Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues(string(domain.RunStatusFailed)).Observe(duration.Seconds())
}

// RecordStage 记录阶段耗时
func (pm *PrometheusMetrics) RecordStage(stage domain.Stage, duration time.Duration) {
	pm.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

// RecordStageFailure 记录阶段失败
func (pm *PrometheusMetrics) RecordStageFailure(stage domain.Stage, failureType domain.FailureType) {
	pm.stageFailuresTotal.WithLabelValues(string(stage), string(failureType)).Inc()
}

// RecordNativeLibraries 记录合并的 native 库
func (pm *PrometheusMetrics) RecordNativeLibraries(abis []string) {
	for _, abi := range abis {
		pm.nativeLibraries.WithLabelValues(abi).Inc()
	}
}

// RecordInstall 记录安装结果
func (pm *PrometheusMetrics) RecordInstall(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	pm.installsTotal.WithLabelValues(result).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试成功
func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	pm.retrySuccessTotal.WithLabelValues(operation).Inc()
}
