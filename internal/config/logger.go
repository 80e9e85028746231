package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// InitLogger 根据配置创建日志实例
func InitLogger(cfg *LogConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// debug 级别才输出调用位置
	logger.SetReportCaller(level >= logrus.DebugLevel)

	prettyCaller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  "2006-01-02 15:04:05",
			CallerPrettyfier: prettyCaller,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006/01/02 15:04:05",
			CallerPrettyfier: prettyCaller,
		})
	}

	logger.SetOutput(os.Stdout)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.WithError(err).WithField("file", cfg.File).Warn("Failed to open log file, logging to stdout only")
		} else {
			logger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	return logger
}
