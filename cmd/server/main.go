package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/api"
	"github.com/droidgrity/droidgrity-go/internal/api/handlers"
	"github.com/droidgrity/droidgrity-go/internal/app"
	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/keystore"
	"github.com/droidgrity/droidgrity-go/internal/middleware"
	"github.com/droidgrity/droidgrity-go/internal/queue"
	"github.com/droidgrity/droidgrity-go/internal/repository"
	"github.com/droidgrity/droidgrity-go/internal/retry"
	"github.com/droidgrity/droidgrity-go/internal/service"
	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/droidgrity/droidgrity-go/internal/watcher"
	"github.com/droidgrity/droidgrity-go/internal/worker"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("DroidGrity Server\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := flag.String("config", "./configs/config.yaml", "config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting DroidGrity server %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	// 服务模式无法交互输入，签名参数必须完整
	fingerprint, err := keystore.Fingerprint(app.KeystoreOptions(cfg))
	if err != nil {
		logger.Fatalf("Signing keystore is not usable: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"keystore":    cfg.Signing.Keystore,
		"alias":       cfg.Signing.Alias,
		"fingerprint": fingerprint,
	}).Info("Release certificate loaded")

	if err := os.MkdirAll(cfg.Workspace.Dir, 0755); err != nil {
		logger.Fatalf("Failed to create workspace: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")
	runRepo := repository.NewRunRepository(db, logger)

	// 5. 指标与内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "droidgrity")
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	go memMonitor.Run(ctx)
	go reportDBStats(ctx, db, promMetrics, 10*time.Second)
	logger.Info("Prometheus metrics initialized")

	// 6. 实时事件推送
	eventsHandler := handlers.NewEventsHandler(logger)
	eventsHandler.Start(ctx)

	// 7. 流水线与执行器
	pipeline, err := app.NewPipeline(cfg, toolexec.NewExecRunner(logger), logger)
	if err != nil {
		logger.Fatalf("Failed to build pipeline: %v", err)
	}
	executor := worker.NewExecutor(app.ExecutorConfig(cfg), runRepo, pipeline, logger)
	executor.SetMetrics(promMetrics)
	executor.SetBroadcaster(eventsHandler)

	// 8. 分发方式：RabbitMQ 或进程内 Worker Pool
	var (
		dispatcher service.Dispatcher
		shutdownFn func()
		mq         *queue.RabbitMQ
	)
	if cfg.RabbitMQ.Enabled {
		mq, err = connectRabbitMQ(ctx, cfg, promMetrics, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}

		// 以数据库为准重建队列，避免重复消息
		if purged, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}

		dispatcher = service.NewQueueDispatcher(queue.NewProducer(mq, logger))

		consumer := queue.NewConsumer(mq, func(ctx context.Context, msg *queue.RunMessage) error {
			return executor.Execute(ctx, msg.RunID)
		}, cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		shutdownFn = func() {
			consumer.Stop()
			mq.Close()
		}
		logger.Infof("Run consumer started with %d workers", cfg.Worker.Concurrency)
	} else {
		pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, executor, logger)
		pool.SetMetrics(promMetrics)
		pool.Start(ctx)
		dispatcher = service.NewPoolDispatcher(pool)
		shutdownFn = pool.Stop
		logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)
	}

	// 9. 运行服务，恢复上次中断的运行
	runService := service.NewRunService(runRepo, dispatcher, cfg.Workspace.Dir, promMetrics, logger)
	if n, err := runService.RequeuePending(ctx); err != nil {
		logger.WithError(err).Warn("Failed to requeue pending runs")
	} else if n > 0 {
		logger.WithField("count", n).Info("Pending runs requeued")
	}

	// 10. 收件箱监控
	var fileWatcher *watcher.FileWatcher
	if cfg.Watcher.Enabled {
		inbox := cfg.Watcher.InboxDir
		if !filepath.IsAbs(inbox) {
			inbox = filepath.Join(cfg.Workspace.Dir, inbox)
		}
		if err := os.MkdirAll(inbox, 0755); err != nil {
			logger.Fatalf("Failed to create inbox: %v", err)
		}

		fileWatcher, err = watcher.NewFileWatcher(inbox, watcher.Options{
			Pattern:      "*.apk",
			Debounce:     cfg.Watcher.DebounceDuration(),
			ScanExisting: true,
		}, createFileHandler(runService, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", inbox)
	}

	// 11. HTTP Server
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		RunService:    runService,
		EventsHandler: eventsHandler,
		MemMonitor:    memMonitor,
		Metrics:       promMetrics,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 12. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if fileWatcher != nil {
		fileWatcher.Stop()
	}

	// 取消进行中的运行，它们会被记录为已取消
	stop()
	shutdownFn()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// connectRabbitMQ 带重试地连接 RabbitMQ，重试次数计入指标
func connectRabbitMQ(ctx context.Context, cfg *config.Config, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) (*queue.RabbitMQ, error) {
	retryCfg := retry.DefaultConfig("rabbitmq_connect")
	retryCfg.MaxAttempts = 10
	retryCfg.Logger = logger
	retryCfg.OnRetry = func(operation string, attempt int, err error) {
		metrics.RecordRetryAttempt(operation, attempt)
	}
	retryCfg.OnRecovered = func(operation string, attempts int) {
		metrics.RecordRetrySuccess(operation)
	}

	workers := cfg.Worker.Concurrency
	if workers <= 0 {
		workers = 1
	}

	return queue.NewRabbitMQ(ctx, &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}, cfg.RabbitMQ.Queue, workers, retryCfg, logger)
}

// createFileHandler 收件箱中出现的 APK 直接创建运行
func createFileHandler(runService service.RunService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		run, err := runService.CreateRunFromFile(ctx, filePath)
		if err != nil {
			// 运行已创建但未能分发时，启动时会重新分发，文件照常归档
			if run != nil {
				logger.WithError(err).WithField("run_id", run.ID).Warn("Run created but not dispatched")
				return nil
			}
			return fmt.Errorf("failed to create run: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"run_id":   run.ID,
			"apk_name": run.APKName,
		}).Info("Run created from inbox")
		return nil
	}
}

// reportDBStats 定期上报数据库连接池状态
func reportDBStats(ctx context.Context, db *gorm.DB, metrics *middleware.PrometheusMetrics, interval time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sqlDB.Stats()
			metrics.UpdateDBStats(stats.OpenConnections, stats.Idle, stats.InUse)
		}
	}
}
