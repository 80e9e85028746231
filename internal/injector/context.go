package injector

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/droidgrity/droidgrity-go/internal/libmerge"
	"github.com/droidgrity/droidgrity-go/internal/smali"
)

// HelperClassName 注入的 helper 类名，与 smali 模板中的类声明一致
const HelperClassName = "DroidGrity"

// InjectedSuffix 回编译产物的文件名后缀
const InjectedSuffix = "_injected.apk"

// RunContext 一次注入所需的全部路径
// 并发运行时每次运行必须使用不同的 WorkDir 和 OutputDir
type RunContext struct {
	InputAPK        string
	WorkDir         string // 反编译目录，每次运行前清空
	OutputDir       string // 回编译输出目录，每次运行前清空
	Binaries        libmerge.BinarySet
	HelperSmali     string   // 已填充的 helper smali 文件
	MainActivity    string   // 点分形式
	ExtraActivities []string // 点分形式，尽力注入
}

// Validate 检查必需字段
func (rc *RunContext) Validate() error {
	var missing []string
	if rc.InputAPK == "" {
		missing = append(missing, "input apk")
	}
	if rc.WorkDir == "" {
		missing = append(missing, "work dir")
	}
	if rc.OutputDir == "" {
		missing = append(missing, "output dir")
	}
	if rc.HelperSmali == "" {
		missing = append(missing, "helper smali")
	}
	if rc.MainActivity == "" {
		missing = append(missing, "main activity")
	}
	if len(missing) > 0 {
		return errors.New("run context missing: " + strings.Join(missing, ", "))
	}
	if filepath.Clean(rc.WorkDir) == filepath.Clean(rc.OutputDir) {
		return errors.New("work dir and output dir must differ")
	}
	return nil
}

// APKName 输入 APK 去掉扩展名的文件名
func (rc *RunContext) APKName() string {
	base := filepath.Base(rc.InputAPK)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// OutputAPK 回编译产物路径 <OutputDir>/<name>_injected.apk
func (rc *RunContext) OutputAPK() string {
	return filepath.Join(rc.OutputDir, rc.APKName()+InjectedSuffix)
}

// MainClass 主 Activity 的路径形式类名
func (rc *RunContext) MainClass() smali.ClassRef {
	return smali.ClassFromDotted(rc.MainActivity)
}

// HelperClass helper 类与主 Activity 同包
func (rc *RunContext) HelperClass() smali.ClassRef {
	return HelperFor(rc.MainActivity)
}

// HelperFor 给定主 Activity（点分形式）对应的 helper 类
func HelperFor(mainActivity string) smali.ClassRef {
	return smali.ClassFromDotted(mainActivity).Sibling(HelperClassName)
}
