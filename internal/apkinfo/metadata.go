package apkinfo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrIncomplete 提取的信息缺少必需字段
var ErrIncomplete = errors.New("incomplete package metadata")

// Metadata 保护流程需要的包信息，类名均为点分形式
type Metadata struct {
	PackageName  string
	MinSDK       int
	MainActivity string
	Activities   []string
}

// Source 包信息来源
type Source interface {
	Inspect(ctx context.Context, apkPath string) (*Metadata, error)
}

// Validate 检查必需字段
func (m *Metadata) Validate() error {
	var missing []string
	if m.PackageName == "" {
		missing = append(missing, "package name")
	}
	if m.MinSDK <= 0 {
		missing = append(missing, "min sdk")
	}
	if m.MainActivity == "" {
		missing = append(missing, "main activity")
	}
	if len(m.Activities) == 0 {
		missing = append(missing, "activities")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// normalize 补全相对类名并去重，主 Activity 保证出现在列表中
func (m *Metadata) normalize() {
	m.MainActivity = QualifyClassName(m.PackageName, m.MainActivity)

	seen := make(map[string]bool)
	activities := make([]string, 0, len(m.Activities)+1)
	for _, a := range m.Activities {
		a = QualifyClassName(m.PackageName, a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		activities = append(activities, a)
	}
	if m.MainActivity != "" && !seen[m.MainActivity] {
		activities = append(activities, m.MainActivity)
	}
	m.Activities = activities
}

// QualifyClassName 清单中的相对类名（.Main 或 Main）补全为完整类名
func QualifyClassName(packageName, name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return ""
	case strings.HasPrefix(name, "."):
		return packageName + name
	case !strings.Contains(name, ".") && packageName != "":
		return packageName + "." + name
	default:
		return name
	}
}

// ToPath 点分类名转为路径形式
func ToPath(dotted string) string {
	return strings.ReplaceAll(dotted, ".", "/")
}

// FallbackSource 主来源失败或信息不全时使用备用来源
type FallbackSource struct {
	Primary  Source
	Fallback Source
	logger   *logrus.Logger
}

// NewFallbackSource 创建带回退的来源
func NewFallbackSource(primary, fallback Source, logger *logrus.Logger) *FallbackSource {
	return &FallbackSource{Primary: primary, Fallback: fallback, logger: logger}
}

func (s *FallbackSource) Inspect(ctx context.Context, apkPath string) (*Metadata, error) {
	meta, err := s.Primary.Inspect(ctx, apkPath)
	if err == nil {
		if err = meta.Validate(); err == nil {
			return meta, nil
		}
	}
	if s.Fallback == nil {
		return nil, err
	}

	s.logger.WithError(err).Warn("Primary metadata source failed, trying fallback")
	fallback, ferr := s.Fallback.Inspect(ctx, apkPath)
	if ferr != nil {
		return nil, fmt.Errorf("metadata extraction failed: %v; fallback: %w", err, ferr)
	}
	if ferr = fallback.Validate(); ferr != nil {
		return nil, ferr
	}
	return fallback, nil
}
