package apktool

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DescriptorFile 反编译目录中的 apktool 描述文件
const DescriptorFile = "apktool.yml"

const doNotCompressKey = "doNotCompress"

// doNotCompress: 段头，允许行尾注释；以及空的行内写法 [] / null / ~
var (
	sectionHeaderRe = regexp.MustCompile(`^(\s*)doNotCompress:\s*(#.*)?$`)
	emptyInlineRe   = regexp.MustCompile(`^(\s*)doNotCompress:\s*(\[\s*\]|null|~)\s*(#.*)?$`)
	listItemRe      = regexp.MustCompile(`^(\s*)-\s`)
)

// Descriptor apktool.yml 中用到的字段
type Descriptor struct {
	Version       string         `yaml:"version"`
	APKFileName   string         `yaml:"apkFileName"`
	DoNotCompress []string       `yaml:"doNotCompress"`
	SdkInfo       map[string]any `yaml:"sdkInfo"`
	VersionInfo   struct {
		VersionCode any `yaml:"versionCode"`
		VersionName any `yaml:"versionName"`
	} `yaml:"versionInfo"`
}

// ReadDescriptor 解析 apktool.yml
// 旧版本 apktool 在首行写 !!brut.androlib.meta.MetaInfo 标签，解析前去掉
func ReadDescriptor(path string) (*Descriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", DescriptorFile, err)
	}

	lines := strings.Split(string(content), "\n")
	kept := lines[:0:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "!!") {
			continue
		}
		kept = append(kept, line)
	}

	var d Descriptor
	if err := yaml.Unmarshal([]byte(strings.Join(kept, "\n")), &d); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", DescriptorFile, err)
	}
	return &d, nil
}

// AppendDoNotCompress 把 entries 按顺序插入 doNotCompress: 段头的正下方
// 其它行保持原样。段头不存在时在文件末尾新建该段，created 为 true。
// 不做去重。
func AppendDoNotCompress(path string, entries []string) (created bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", DescriptorFile, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", DescriptorFile, err)
	}

	eol := lineEnding(string(content))
	out, created := insertEntries(strings.Split(string(content), eol), entries)
	if err := os.WriteFile(path, []byte(strings.Join(out, eol)), info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", DescriptorFile, err)
	}
	return created, nil
}

// lineEnding 文件使用 CRLF 时插入的行也用 CRLF
func lineEnding(content string) string {
	if strings.Contains(content, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

func insertEntries(lines, entries []string) ([]string, bool) {
	for i, line := range lines {
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil {
			indent := itemIndent(lines[i+1:], m[1])
			return splice(lines, i+1, items(indent, entries)), false
		}
		if m := emptyInlineRe.FindStringSubmatch(line); m != nil {
			header := m[1] + doNotCompressKey + ":"
			block := append([]string{header}, items(m[1], entries)...)
			out := append([]string{}, lines[:i]...)
			out = append(out, block...)
			return append(out, lines[i+1:]...), false
		}
	}

	// 末尾新建段，保留文件末尾的换行
	block := append([]string{doNotCompressKey + ":"}, items("", entries)...)
	end := len(lines)
	if end > 0 && lines[end-1] == "" {
		end--
	}
	return splice(lines, end, block), true
}

// itemIndent 沿用段内已有列表项的缩进；段为空时与段头对齐
func itemIndent(after []string, headerIndent string) string {
	for _, line := range after {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := listItemRe.FindStringSubmatch(line); m != nil && len(m[1]) >= len(headerIndent) {
			return m[1]
		}
		break
	}
	return headerIndent
}

func items(indent string, entries []string) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = indent + "- " + e
	}
	return out
}

func splice(lines []string, at int, block []string) []string {
	out := make([]string, 0, len(lines)+len(block))
	out = append(out, lines[:at]...)
	out = append(out, block...)
	return append(out, lines[at:]...)
}
