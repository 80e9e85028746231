package filler

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// TemplateSuffix 模板文件名后缀，填充后从输出文件名中去掉
const TemplateSuffix = ".template"

// ErrNotTemplate 路径不是模板文件
var ErrNotTemplate = errors.New("path is not a template")

// 占位符格式: @droidgrity.filler.KEY@
var placeholderRe = regexp.MustCompile(`@droidgrity\.filler\.(\w+)@`)

// Bindings 占位符 KEY -> 替换值
type Bindings map[string]string

// Filler 模板填充器
type Filler struct {
	logger *logrus.Logger
}

// NewFiller 创建模板填充器
func NewFiller(logger *logrus.Logger) *Filler {
	return &Filler{logger: logger}
}

// OutputPath 返回模板对应的输出路径（去掉 .template 后缀）
func OutputPath(templatePath string) (string, error) {
	if !strings.HasSuffix(templatePath, TemplateSuffix) || len(templatePath) == len(TemplateSuffix) {
		return "", fmt.Errorf("%w: %s", ErrNotTemplate, templatePath)
	}
	return strings.TrimSuffix(templatePath, TemplateSuffix), nil
}

// Fill 读取模板，替换已绑定的占位符，写入同目录下去掉后缀的文件
// 未绑定的占位符原样保留，不视为错误
func (f *Filler) Fill(templatePath string, bindings Bindings) (string, error) {
	output, err := OutputPath(templatePath)
	if err != nil {
		return "", err
	}

	f.logger.WithField("template", templatePath).Info("Reading template")

	content, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}

	filled := f.FillString(string(content), bindings)

	info, err := os.Stat(templatePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat template: %w", err)
	}
	if err := os.WriteFile(output, []byte(filled), info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("failed to write filled template: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"template": templatePath,
		"output":   output,
	}).Info("Template filled")

	return output, nil
}

// FillString 对内存中的文本做占位符替换
func (f *Filler) FillString(content string, bindings Bindings) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := bindings[key]
		if !ok {
			f.logger.WithField("key", key).Debug("Placeholder left unbound")
			return match
		}
		f.logger.WithFields(logrus.Fields{
			"key":   key,
			"value": value,
		}).Debug("Placeholder filled")
		return value
	})
}

// Placeholders 按出现顺序列出模板中的占位符 KEY（去重）
func Placeholders(content string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
