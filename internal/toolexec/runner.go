package toolexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner 外部命令执行器，测试中可替换为假实现
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner 基于 os/exec 的执行器
type ExecRunner struct {
	logger *logrus.Logger
	dir    string // 工作目录，空表示当前目录
}

// NewExecRunner 创建执行器
func NewExecRunner(logger *logrus.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// WithDir 返回在指定目录执行命令的执行器
func (r *ExecRunner) WithDir(dir string) *ExecRunner {
	return &ExecRunner{logger: r.logger, dir: dir}
}

// Run 执行命令并返回合并输出；非零退出码作为错误返回，错误中附带输出
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	start := time.Now()
	r.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    strings.Join(args, " "),
	}).Debug("Running external tool")

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.dir
	output, err := cmd.CombinedOutput()

	fields := logrus.Fields{
		"command":  name,
		"duration": time.Since(start),
	}
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Debug("External tool failed")
		return output, &ExitError{Command: name, Args: args, Output: string(output), Err: err}
	}
	r.logger.WithFields(fields).Debug("External tool finished")
	return output, nil
}

// ExitError 外部命令失败
type ExitError struct {
	Command string
	Args    []string
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 2000 {
		out = "..." + out[len(out)-2000:]
	}
	return fmt.Sprintf("%s failed: %v, output: %s", e.Command, e.Err, out)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// LookPath 检查工具是否在 PATH 中
func LookPath(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found: %w", name, err)
	}
	return nil
}
