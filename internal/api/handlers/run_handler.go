package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/repository"
	"github.com/droidgrity/droidgrity-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RunHandler 保护运行处理器
type RunHandler struct {
	runService  service.RunService
	logger      *logrus.Logger
	uploadLimit int64 // 字节
}

// NewRunHandler 创建运行处理器，uploadLimitMB <= 0 时使用 500MB
func NewRunHandler(runService service.RunService, uploadLimitMB int, logger *logrus.Logger) *RunHandler {
	if uploadLimitMB <= 0 {
		uploadLimitMB = 500
	}
	return &RunHandler{
		runService:  runService,
		logger:      logger,
		uploadLimit: int64(uploadLimitMB) * 1024 * 1024,
	}
}

// CreateRun 上传 APK 并创建运行
// POST /api/runs  multipart: apk=<文件>
func (h *RunHandler) CreateRun(c *gin.Context) {
	file, err := c.FormFile("apk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "获取上传文件失败",
		})
		return
	}

	if !strings.HasSuffix(strings.ToLower(file.Filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "只支持 APK 文件格式",
		})
		return
	}

	if file.Size > h.uploadLimit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.uploadLimit/(1024*1024)),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "打开上传文件失败",
		})
		return
	}
	defer src.Close()

	run, err := h.runService.CreateRun(c.Request.Context(), file.Filename, src)
	if err != nil {
		if run != nil {
			// 已入库但未能分发
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "运行已创建但排队失败，稍后将自动重试",
				"run":   run,
			})
			return
		}
		h.respondError(c, err, "创建运行失败")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"filename": run.APKName,
		"size":     file.Size,
	}).Info("APK uploaded")

	c.JSON(http.StatusAccepted, gin.H{
		"message": "运行已创建",
		"run":     run,
	})
}

// ListRuns 获取运行列表
// GET /api/runs?page=1&page_size=20&status=failed
func (h *RunHandler) ListRuns(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	status := domain.RunStatus(c.Query("status"))
	switch status {
	case "", domain.RunStatusQueued, domain.RunStatusRunning, domain.RunStatusCompleted, domain.RunStatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "无效的状态过滤",
		})
		return
	}

	runs, total, err := h.runService.ListRuns(c.Request.Context(), page, pageSize, status)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取运行列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRun 获取运行详情
// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runService.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取运行失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":                  run,
		"failure_display_name": run.FailureType.GetDisplayName(),
		"failure_severity":     run.FailureType.GetSeverity(),
	})
}

// GetEvents 获取运行的阶段事件
// GET /api/runs/:id/events
func (h *RunHandler) GetEvents(c *gin.Context) {
	events, err := h.runService.GetEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取运行事件失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
	})
}

// DownloadArtifact 下载受保护的 APK
// GET /api/runs/:id/artifact
func (h *RunHandler) DownloadArtifact(c *gin.Context) {
	run, err := h.runService.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取运行失败")
		return
	}

	if run.Status != domain.RunStatusCompleted || run.OutputPath == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "运行尚未完成",
			"status": run.Status,
		})
		return
	}

	if _, err := os.Stat(run.OutputPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "产物文件不存在",
		})
		return
	}

	c.FileAttachment(run.OutputPath, filepath.Base(run.OutputPath))
}

// RetryRun 重试失败的运行
// POST /api/runs/:id/retry
func (h *RunHandler) RetryRun(c *gin.Context) {
	run, err := h.runService.RetryRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "重试运行失败")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "运行已重新排队",
		"run":     run,
	})
}

// DeleteRun 删除运行
// DELETE /api/runs/:id
func (h *RunHandler) DeleteRun(c *gin.Context) {
	if err := h.runService.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "删除运行失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "运行已删除",
	})
}

// GetStats 运行状态统计
// GET /api/stats
func (h *RunHandler) GetStats(c *gin.Context) {
	counts, total, err := h.runService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取统计信息失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"queued":    counts[domain.RunStatusQueued],
		"running":   counts[domain.RunStatusRunning],
		"completed": counts[domain.RunStatusCompleted],
		"failed":    counts[domain.RunStatusFailed],
	})
}

// respondError 按错误类型返回状态码
func (h *RunHandler) respondError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, repository.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
	case errors.Is(err, service.ErrInvalidAPK):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRunInProgress), errors.Is(err, service.ErrRunNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error(message)
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
