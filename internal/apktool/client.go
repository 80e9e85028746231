package apktool

import (
	"context"
	"fmt"

	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// Client apktool 命令行封装
type Client struct {
	bin    string // apktool 可执行文件
	runner toolexec.Runner
	logger *logrus.Logger
}

// NewClient 创建 apktool 客户端，bin 为空时从 PATH 查找
func NewClient(bin string, runner toolexec.Runner, logger *logrus.Logger) *Client {
	if bin == "" {
		bin = "apktool"
	}
	return &Client{bin: bin, runner: runner, logger: logger}
}

// Decode 反编译 APK 到 outDir（-f 覆盖已有目录）
func (c *Client) Decode(ctx context.Context, apkPath, outDir string) error {
	c.logger.WithFields(logrus.Fields{
		"apk":    apkPath,
		"output": outDir,
	}).Info("Decompiling APK")

	if _, err := c.runner.Run(ctx, c.bin, "d", apkPath, "-o", outDir, "-f"); err != nil {
		return fmt.Errorf("apktool decode failed: %w", err)
	}
	return nil
}

// Build 将反编译目录重新打包为 APK
func (c *Client) Build(ctx context.Context, treeDir, outAPK string) error {
	c.logger.WithFields(logrus.Fields{
		"tree":   treeDir,
		"output": outAPK,
	}).Info("Rebuilding APK")

	if _, err := c.runner.Run(ctx, c.bin, "b", treeDir, "-o", outAPK); err != nil {
		return fmt.Errorf("apktool build failed: %w", err)
	}
	return nil
}
