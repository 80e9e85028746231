package injector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/droidgrity/droidgrity-go/internal/libmerge"
	"github.com/droidgrity/droidgrity-go/internal/smali"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClassNotFound 反编译目录中找不到类
	ErrClassNotFound = errors.New("class not found in decompiled tree")
	// ErrTargetMethodMissing 主 Activity 中没有目标方法
	ErrTargetMethodMissing = errors.New("target method not found")
	// ErrNotInjected 找到目标方法但没有注入任何检查
	ErrNotInjected = errors.New("no check injected into target method")
)

var smaliRootRe = regexp.MustCompile(`^smali(?:_classes(\d+))?$`)

// Decompiler 反编译 / 回编译工具
type Decompiler interface {
	Decode(ctx context.Context, apkPath, outDir string) error
	Build(ctx context.Context, treeDir, outAPK string) error
}

// Result 注入结果
type Result struct {
	OutputAPK    string
	Libraries    *libmerge.Result
	HelperFile   string       // 复制到反编译目录中的 helper smali
	MainPatch    smali.Result // 主 Activity 的补丁结果
	ExtraPatched []string     // 额外注入成功的 Activity（点分形式）
	ExtraSkipped []string     // 额外 Activity 中找不到类或目标方法的
}

// Injector 反编译 -> 合并库 -> 放置 helper -> 补丁 -> 回编译
type Injector struct {
	decompiler Decompiler
	merger     *libmerge.Merger
	policy     smali.ReturnPolicy
	logger     *logrus.Logger
}

// NewInjector 创建注入器
func NewInjector(decompiler Decompiler, merger *libmerge.Merger, policy smali.ReturnPolicy, logger *logrus.Logger) *Injector {
	return &Injector{
		decompiler: decompiler,
		merger:     merger,
		policy:     policy,
		logger:     logger,
	}
}

// Inject 执行一次完整注入，任一步骤失败即终止
func (i *Injector) Inject(ctx context.Context, rc RunContext) (*Result, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	log := i.logger.WithFields(logrus.Fields{
		"apk":           rc.InputAPK,
		"main_activity": rc.MainActivity,
	})

	// 1. 清空上次运行残留
	for _, dir := range []string{rc.WorkDir, rc.OutputDir} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to clean %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(rc.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	// 2. 反编译
	if err := i.decompiler.Decode(ctx, rc.InputAPK, rc.WorkDir); err != nil {
		return nil, err
	}

	result := &Result{}

	// 3. 合并 native 库
	libs, err := i.merger.Merge(rc.Binaries, rc.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to merge native libraries: %w", err)
	}
	result.Libraries = libs

	// 4. helper 放到主 Activity 所在的 smali 根目录和包目录
	main := rc.MainClass()
	root, mainFile, err := FindClass(rc.WorkDir, main)
	if err != nil {
		return nil, err
	}
	helper := rc.HelperClass()
	helperFile := filepath.Join(root, filepath.FromSlash(helper.File()))
	if err := copy.Copy(rc.HelperSmali, helperFile); err != nil {
		return nil, fmt.Errorf("failed to place helper class: %w", err)
	}
	result.HelperFile = helperFile
	log.WithField("helper", helperFile).Info("Helper class placed")

	// 5. 补丁主 Activity
	patcher := &smali.Patcher{Target: smali.OnCreate, Helper: helper, Policy: i.policy}
	res, err := patcher.PatchFile(mainFile)
	if err != nil {
		return nil, err
	}
	result.MainPatch = *res
	switch {
	case !res.Found:
		return nil, fmt.Errorf("%w: %s in %s", ErrTargetMethodMissing, smali.OnCreate, main)
	case res.Injected == 0:
		return nil, fmt.Errorf("%w: %s", ErrNotInjected, main)
	}
	log.WithFields(logrus.Fields{
		"injected":         res.Injected,
		"registers_raised": res.RegistersRaised,
		"returns_skipped":  res.ReturnsSkipped,
	}).Info("Main activity patched")

	// 6. 其它 Activity，找不到类或方法时跳过
	for _, activity := range rc.ExtraActivities {
		if activity == rc.MainActivity {
			continue
		}
		patched, err := i.patchExtra(rc.WorkDir, patcher, activity)
		if err != nil {
			return nil, err
		}
		if patched {
			result.ExtraPatched = append(result.ExtraPatched, activity)
		} else {
			result.ExtraSkipped = append(result.ExtraSkipped, activity)
		}
	}

	// 7. 回编译
	result.OutputAPK = rc.OutputAPK()
	if err := i.decompiler.Build(ctx, rc.WorkDir, result.OutputAPK); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"output":        result.OutputAPK,
		"libraries":     len(libs.Inserted),
		"extra_patched": len(result.ExtraPatched),
	}).Info("APK injected")

	return result, nil
}

func (i *Injector) patchExtra(tree string, patcher *smali.Patcher, activity string) (bool, error) {
	_, file, err := FindClass(tree, smali.ClassFromDotted(activity))
	if errors.Is(err, ErrClassNotFound) {
		i.logger.WithField("activity", activity).Debug("Activity class not in tree, skipping")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res, err := patcher.PatchFile(file)
	if err != nil {
		return false, err
	}
	if res.Injected == 0 {
		i.logger.WithField("activity", activity).Debug("Activity has no patchable onCreate, skipping")
		return false, nil
	}
	return true, nil
}

// SmaliRoots 反编译目录下的 smali 根目录，按 dex 序号排序（smali, smali_classes2, ...）
func SmaliRoots(tree string) ([]string, error) {
	entries, err := os.ReadDir(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompiled tree: %w", err)
	}

	type root struct {
		name  string
		index int
	}
	var roots []root
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := smaliRootRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		index := 1
		if m[1] != "" {
			index, _ = strconv.Atoi(m[1])
		}
		roots = append(roots, root{name: e.Name(), index: index})
	}
	sort.Slice(roots, func(a, b int) bool { return roots[a].index < roots[b].index })

	paths := make([]string, len(roots))
	for i, r := range roots {
		paths[i] = filepath.Join(tree, r.name)
	}
	return paths, nil
}

// FindClass 在所有 smali 根目录中查找类文件，返回所在根目录与文件路径
func FindClass(tree string, class smali.ClassRef) (root, file string, err error) {
	roots, err := SmaliRoots(tree)
	if err != nil {
		return "", "", err
	}
	for _, r := range roots {
		candidate := filepath.Join(r, filepath.FromSlash(class.File()))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return r, candidate, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrClassNotFound, class)
}
