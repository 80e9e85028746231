package adb

import (
	"context"
	"fmt"
	"strings"

	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// Client ADB 客户端
type Client struct {
	bin    string // adb 可执行文件
	serial string // 设备序列号或网络地址（host:port），空表示唯一连接的设备
	runner toolexec.Runner
	logger *logrus.Logger
	conns  *ConnectionManager
}

// NewClient 创建 ADB 客户端
func NewClient(bin, serial string, runner toolexec.Runner, logger *logrus.Logger) *Client {
	if bin == "" {
		bin = "adb"
	}
	return &Client{
		bin:    bin,
		serial: serial,
		runner: runner,
		logger: logger,
		conns:  NewConnectionManager(bin, runner, logger),
	}
}

func (c *Client) args(args ...string) []string {
	if c.serial == "" {
		return args
	}
	return append([]string{"-s", c.serial}, args...)
}

// Install 安装 APK（-r 覆盖安装）
func (c *Client) Install(ctx context.Context, apkPath string) (string, error) {
	c.logger.WithFields(logrus.Fields{
		"apk_path": apkPath,
		"serial":   c.serial,
	}).Info("Installing APK")

	if isNetworkTarget(c.serial) {
		if err := c.conns.Connect(ctx, c.serial); err != nil {
			return "", err
		}
	}

	output, err := c.runner.Run(ctx, c.bin, c.args("install", "-r", apkPath)...)
	if err != nil {
		return string(output), fmt.Errorf("adb install failed: %w", err)
	}

	// 旧版本 adb 失败时退出码仍为 0
	if !strings.Contains(string(output), "Success") {
		return string(output), fmt.Errorf("install failed: %s", strings.TrimSpace(string(output)))
	}

	c.logger.WithField("apk_path", apkPath).Info("APK installed successfully")
	return strings.TrimSpace(string(output)), nil
}

func isNetworkTarget(serial string) bool {
	return strings.Contains(serial, ":")
}
