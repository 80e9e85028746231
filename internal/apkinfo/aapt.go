package apkinfo

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/sirupsen/logrus"
)

var (
	badgingPackageRe  = regexp.MustCompile(`(?m)^package: name='([^']+)'`)
	badgingMinSdkRe   = regexp.MustCompile(`(?m)^(?:sdkVersion|minSdkVersion):'(\d+)'`)
	badgingLauncherRe = regexp.MustCompile(`(?m)^launchable-activity: name='([^']+)'`)
	xmltreeActivityRe = regexp.MustCompile(`E: activity[^E]*?A: android:name\([^)]*\)="([^"]+)"`)
)

// AaptSource 通过 aapt2 dump 提取包信息，二进制清单解析失败时使用
type AaptSource struct {
	bin    string
	runner toolexec.Runner
	logger *logrus.Logger
}

// NewAaptSource 创建 aapt2 来源，bin 为空时从 PATH 查找
func NewAaptSource(bin string, runner toolexec.Runner, logger *logrus.Logger) *AaptSource {
	if bin == "" {
		bin = "aapt2"
	}
	return &AaptSource{bin: bin, runner: runner, logger: logger}
}

func (s *AaptSource) Inspect(ctx context.Context, apkPath string) (*Metadata, error) {
	s.logger.WithField("apk_path", apkPath).Info("Extracting metadata with aapt2")

	badging, err := s.runner.Run(ctx, s.bin, "dump", "badging", apkPath)
	if err != nil {
		return nil, fmt.Errorf("aapt2 dump badging failed: %w", err)
	}
	meta, err := parseBadging(string(badging))
	if err != nil {
		return nil, err
	}

	xmltree, err := s.runner.Run(ctx, s.bin, "dump", "xmltree", apkPath, "--file", "AndroidManifest.xml")
	if err != nil {
		return nil, fmt.Errorf("aapt2 dump xmltree failed: %w", err)
	}
	meta.Activities = parseActivities(string(xmltree))

	meta.normalize()
	return meta, nil
}

func parseBadging(output string) (*Metadata, error) {
	meta := &Metadata{}

	if m := badgingPackageRe.FindStringSubmatch(output); len(m) > 1 {
		meta.PackageName = m[1]
	}
	if m := badgingMinSdkRe.FindStringSubmatch(output); len(m) > 1 {
		sdk, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid sdk version %q: %w", m[1], err)
		}
		meta.MinSDK = sdk
	}
	if m := badgingLauncherRe.FindStringSubmatch(output); len(m) > 1 {
		meta.MainActivity = m[1]
	}
	return meta, nil
}

func parseActivities(output string) []string {
	var names []string
	for _, m := range xmltreeActivityRe.FindAllStringSubmatch(output, -1) {
		if len(m) > 1 {
			names = append(names, m[1])
		}
	}
	return names
}
