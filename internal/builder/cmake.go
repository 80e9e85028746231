package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/droidgrity/droidgrity-go/internal/libmerge"
	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// SupportedABIs 支持的目标架构
var SupportedABIs = []string{"armeabi-v7a", "arm64-v8a", "x86", "x86_64"}

const (
	BuildTypeDebug   = "Debug"
	BuildTypeRelease = "Release"
)

// toolchainFile NDK 内的 cmake 工具链文件
var toolchainFile = filepath.Join("build", "cmake", "android.toolchain.cmake")

// ErrNoArtifacts 所有架构都编译失败
var ErrNoArtifacts = errors.New("native build produced no libraries")

// Options 编译参数
type Options struct {
	CMake     string   // cmake 可执行文件，空表示 PATH 中的 cmake
	NDKPath   string   // NDK 根目录
	ABIs      []string // 目标架构，空表示全部
	BuildType string   // Debug / Release
}

// Validate 检查参数
func (o *Options) Validate() error {
	if o.NDKPath == "" {
		return errors.New("ndk path is not set (use --ndk or ANDROID_NDK_ROOT)")
	}
	if _, err := os.Stat(filepath.Join(o.NDKPath, toolchainFile)); err != nil {
		return fmt.Errorf("invalid ndk path %s: %w", o.NDKPath, err)
	}
	if o.BuildType != BuildTypeDebug && o.BuildType != BuildTypeRelease {
		return fmt.Errorf("invalid build type: %q", o.BuildType)
	}
	for _, abi := range o.ABIs {
		if !IsSupportedABI(abi) {
			return fmt.Errorf("unsupported abi: %q", abi)
		}
	}
	return nil
}

// IsSupportedABI 架构是否受支持
func IsSupportedABI(abi string) bool {
	for _, a := range SupportedABIs {
		if a == abi {
			return true
		}
	}
	return false
}

// CMakeBuilder 使用 cmake + NDK 工具链按架构编译 native 库
type CMakeBuilder struct {
	opts   Options
	runner toolexec.Runner
	logger *logrus.Logger
}

// NewCMakeBuilder 创建编译器
func NewCMakeBuilder(opts Options, runner toolexec.Runner, logger *logrus.Logger) *CMakeBuilder {
	if opts.CMake == "" {
		opts.CMake = "cmake"
	}
	if opts.BuildType == "" {
		opts.BuildType = BuildTypeDebug
	}
	if len(opts.ABIs) == 0 {
		opts.ABIs = SupportedABIs
	}
	return &CMakeBuilder{opts: opts, runner: runner, logger: logger}
}

// Build 依次为每个架构配置并编译 srcDir，产物位于 <buildRoot>/<abi>/
// 单个架构失败只记录警告；全部失败时返回 ErrNoArtifacts
func (b *CMakeBuilder) Build(ctx context.Context, srcDir, buildRoot string, minSDK int) (libmerge.BinarySet, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}
	if minSDK <= 0 {
		return nil, fmt.Errorf("invalid min sdk: %d", minSDK)
	}

	set := make(libmerge.BinarySet)
	for _, abi := range b.opts.ABIs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		libs, err := b.buildABI(ctx, srcDir, filepath.Join(buildRoot, abi), abi, minSDK)
		if err != nil {
			b.logger.WithFields(logrus.Fields{
				"abi": abi,
			}).WithError(err).Warn("Native build failed for architecture")
			continue
		}
		set[abi] = libs
	}

	if len(set) == 0 {
		return nil, ErrNoArtifacts
	}

	b.logger.WithFields(logrus.Fields{
		"architectures": strings.Join(set.ABIs(), ","),
		"build_type":    b.opts.BuildType,
	}).Info("Native libraries built")

	return set, nil
}

func (b *CMakeBuilder) buildABI(ctx context.Context, srcDir, outDir, abi string, minSDK int) ([]string, error) {
	b.logger.WithFields(logrus.Fields{
		"abi":     abi,
		"min_sdk": minSDK,
	}).Info("Building native library")

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create build dir: %w", err)
	}

	configure := []string{
		"-S", srcDir,
		"-B", outDir,
		"-DCMAKE_TOOLCHAIN_FILE=" + filepath.Join(b.opts.NDKPath, toolchainFile),
		"-DANDROID_ABI=" + abi,
		"-DANDROID_PLATFORM=android-" + strconv.Itoa(minSDK),
		"-DCMAKE_BUILD_TYPE=" + b.opts.BuildType,
	}
	if _, err := b.runner.Run(ctx, b.opts.CMake, configure...); err != nil {
		return nil, fmt.Errorf("cmake configure failed: %w", err)
	}
	if _, err := b.runner.Run(ctx, b.opts.CMake, "--build", outDir, "--parallel"); err != nil {
		return nil, fmt.Errorf("cmake build failed: %w", err)
	}

	libs, err := filepath.Glob(filepath.Join(outDir, "*.so"))
	if err != nil {
		return nil, err
	}
	if len(libs) == 0 {
		return nil, fmt.Errorf("no shared library in %s", outDir)
	}
	sort.Strings(libs)
	return libs, nil
}
