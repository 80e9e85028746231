package api

import (
	"net/http"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/api/handlers"
	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/middleware"
	"github.com/droidgrity/droidgrity-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// Dependencies 路由依赖
type Dependencies struct {
	RunService    service.RunService
	EventsHandler *handlers.EventsHandler
	MemMonitor    *middleware.MemoryMonitor     // 可为 nil
	Metrics       *middleware.PrometheusMetrics // 可为 nil
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}
	if deps.MemMonitor != nil {
		r.GET("/debug/memory", deps.MemMonitor.MetricsEndpoint())
	}

	runHandler := handlers.NewRunHandler(deps.RunService, cfg.Server.UploadLimitMB, logger)

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		authed := v1.Group("")
		authed.Use(middleware.AuthMiddleware(cfg.Server.APIToken))
		{
			authed.GET("/stats", runHandler.GetStats)

			authed.POST("/runs", runHandler.CreateRun)
			authed.GET("/runs", runHandler.ListRuns)
			authed.GET("/runs/:id", runHandler.GetRun)
			authed.DELETE("/runs/:id", runHandler.DeleteRun)
			authed.POST("/runs/:id/retry", runHandler.RetryRun)
			authed.GET("/runs/:id/events", runHandler.GetEvents)
			authed.GET("/runs/:id/artifact", runHandler.DownloadArtifact)
		}
	}

	if deps.EventsHandler != nil {
		ws := r.Group("/ws")
		ws.Use(middleware.AuthMiddleware(cfg.Server.APIToken))
		ws.GET("/runs/:id", deps.EventsHandler.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
