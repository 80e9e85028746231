// Package protect 串联各阶段完成一次 APK 完整性保护
package protect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droidgrity/droidgrity-go/assets"
	"github.com/droidgrity/droidgrity-go/internal/apkinfo"
	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/filler"
	"github.com/droidgrity/droidgrity-go/internal/injector"
	"github.com/droidgrity/droidgrity-go/internal/keystore"
	"github.com/droidgrity/droidgrity-go/internal/libmerge"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// ProtectedSuffix 最终产物的文件名后缀
const ProtectedSuffix = "_protected.apk"

// FingerprintFunc 从 keystore 读取签名证书指纹
type FingerprintFunc func(keystore.Options) (string, error)

// NativeBuilder 按架构编译 native 库
type NativeBuilder interface {
	Build(ctx context.Context, srcDir, buildRoot string, minSDK int) (libmerge.BinarySet, error)
}

// APKInjector 反编译、合并、补丁、回编译
type APKInjector interface {
	Inject(ctx context.Context, rc injector.RunContext) (*injector.Result, error)
}

// APKSigner 对齐签名与指纹校验
type APKSigner interface {
	Sign(ctx context.Context, apkPath string) (string, error)
	Verify(apkPath, fingerprint string) error
}

// Installer 安装到设备
type Installer interface {
	Install(ctx context.Context, apkPath string) (string, error)
}

// Dependencies 流水线协作者
type Dependencies struct {
	Metadata    apkinfo.Source
	Fingerprint FingerprintFunc
	Filler      *filler.Filler
	Builder     NativeBuilder
	Injector    APKInjector
	Signer      APKSigner
	Installer   Installer // 可为 nil，此时忽略 Options.Install
}

// Options 单次运行参数
type Options struct {
	RunID           string
	InputAPK        string
	OutputAPK       string // 空表示 <输入目录>/<name>_protected.apk
	Workspace       string // 本次运行的工作根目录，并发运行必须互不相同
	NativeSourceDir string // 空表示使用内置 native 源码
	SmaliTemplate   string // 空表示使用内置 helper 模板
	Keystore        keystore.Options
	AllActivities   bool
	VerifySignature bool
	Install         bool
	KeepArtifacts   bool // 成功后保留中间产物
	Observer        Observer
}

// Validate 检查必需参数
func (o *Options) Validate() error {
	if o.InputAPK == "" {
		return errors.New("input apk is required")
	}
	if _, err := os.Stat(o.InputAPK); err != nil {
		return fmt.Errorf("input apk: %w", err)
	}
	if o.Workspace == "" {
		return errors.New("workspace is required")
	}
	if o.Keystore.Path == "" {
		return errors.New("keystore is required")
	}
	return nil
}

// DefaultOutputPath <输入目录>/<name>_protected.apk
func DefaultOutputPath(inputAPK string) string {
	base := filepath.Base(inputAPK)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(inputAPK), name+ProtectedSuffix)
}

// Layout 工作目录布局
type Layout struct {
	Root     string
	Native   string // native 源码副本与填充结果
	Smali    string // helper 模板副本与填充结果
	Build    string // cmake 输出，<abi>/ 子目录
	Temp     string // 反编译目录
	Injected string // 回编译、对齐与签名产物
}

// NewLayout 在 root 下划分各阶段目录
func NewLayout(root string) Layout {
	return Layout{
		Root:     root,
		Native:   filepath.Join(root, "native"),
		Smali:    filepath.Join(root, "smali"),
		Build:    filepath.Join(root, "build"),
		Temp:     filepath.Join(root, "temp"),
		Injected: filepath.Join(root, "injected"),
	}
}

// Dirs 所有生成目录
func (l Layout) Dirs() []string {
	return []string{l.Native, l.Smali, l.Build, l.Temp, l.Injected}
}

// Report 运行结果，失败时包含已完成阶段的信息
type Report struct {
	Metadata      *apkinfo.Metadata
	Fingerprint   string
	HelperClass   string
	Binaries      libmerge.BinarySet
	Injection     *injector.Result
	SignedAPK     string
	OutputAPK     string
	InstallOutput string
	InstallError  error
	Cleaned       bool
	Duration      time.Duration
}

// Pipeline 保护流水线
type Pipeline struct {
	deps   Dependencies
	logger *logrus.Logger
}

// NewPipeline 创建流水线
func NewPipeline(deps Dependencies, logger *logrus.Logger) *Pipeline {
	if deps.Fingerprint == nil {
		deps.Fingerprint = keystore.Fingerprint
	}
	if deps.Filler == nil {
		deps.Filler = filler.NewFiller(logger)
	}
	return &Pipeline{deps: deps, logger: logger}
}

// run 单次运行的状态
type run struct {
	*Pipeline
	opts     Options
	layout   Layout
	report   *Report
	observer Observer
	log      *logrus.Entry

	nativeSource string
	helperSmali  string
}

// Run 顺序执行全部阶段，任一致命阶段失败即返回 *StageError
// 安装失败只记录在 Report.InstallError 中
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.OutputAPK == "" {
		opts.OutputAPK = DefaultOutputPath(opts.InputAPK)
	}

	r := &run{
		Pipeline: p,
		opts:     opts,
		layout:   NewLayout(opts.Workspace),
		report:   &Report{},
		observer: opts.Observer,
		log: p.logger.WithFields(logrus.Fields{
			"run_id": opts.RunID,
			"apk":    opts.InputAPK,
		}),
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}

	started := time.Now()
	err := r.execute(ctx)
	r.report.Duration = time.Since(started)

	if err != nil {
		r.log.WithError(err).WithField("failure_type", FailureTypeOf(err)).Error("Protection failed")
		return r.report, err
	}

	r.log.WithFields(logrus.Fields{
		"output":   r.report.OutputAPK,
		"duration": r.report.Duration.String(),
	}).Info("Protection completed")
	return r.report, nil
}

func (r *run) execute(ctx context.Context) error {
	steps := []struct {
		stage domain.Stage
		ft    domain.FailureType
		fn    func(context.Context) error
	}{
		{domain.StageMetadata, domain.FailureTypeMetadataExtraction, r.extractMetadata},
		{domain.StageFingerprint, domain.FailureTypeMetadataExtraction, r.extractFingerprint},
		{domain.StageFill, domain.FailureTypeTemplateFill, r.fillTemplates},
		{domain.StageBuild, domain.FailureTypeBuild, r.buildNative},
		{domain.StageInject, domain.FailureTypeInjection, r.inject},
		{domain.StageSign, domain.FailureTypeSigning, r.sign},
		{domain.StageCopy, domain.FailureTypeCopy, r.copyOutput},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return stageErr(step.stage, step.ft, err)
		}
		r.emit(step.stage, EventStarted, "", nil)
		if err := step.fn(ctx); err != nil {
			r.emit(step.stage, EventFailed, "", err)
			return stageErr(step.stage, step.ft, err)
		}
		r.emit(step.stage, EventCompleted, "", nil)
	}

	r.install(ctx)
	r.cleanup()
	return nil
}

func (r *run) emit(stage domain.Stage, status EventStatus, msg string, err error) {
	e := Event{
		RunID:   r.opts.RunID,
		Stage:   stage,
		Status:  status,
		Message: msg,
		Time:    time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	r.observer.OnEvent(e)
}

func (r *run) extractMetadata(ctx context.Context) error {
	meta, err := r.deps.Metadata.Inspect(ctx, r.opts.InputAPK)
	if err != nil {
		return err
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	r.report.Metadata = meta

	r.log.WithFields(logrus.Fields{
		"package":       meta.PackageName,
		"min_sdk":       meta.MinSDK,
		"main_activity": meta.MainActivity,
		"activities":    len(meta.Activities),
	}).Info("Package metadata extracted")
	return nil
}

func (r *run) extractFingerprint(ctx context.Context) error {
	fp, err := r.deps.Fingerprint(r.opts.Keystore)
	if err != nil {
		return fmt.Errorf("failed to read signing certificate: %w", err)
	}
	r.report.Fingerprint = fp
	r.log.WithField("fingerprint", fp).Info("Signing certificate fingerprint")
	return nil
}

// fillTemplates 复制模板到工作目录后填充，不修改原始模板
func (r *run) fillTemplates(ctx context.Context) error {
	meta := r.report.Metadata
	helper := injector.HelperFor(meta.MainActivity)
	r.report.HelperClass = string(helper)

	certHash, err := keystore.FormatCertHash(r.report.Fingerprint)
	if err != nil {
		return err
	}

	for _, dir := range []string{r.layout.Native, r.layout.Smali} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clean %s: %w", dir, err)
		}
	}

	nativeTemplate, err := r.stageNativeSource()
	if err != nil {
		return err
	}
	smaliTemplate, err := r.stageSmaliTemplate()
	if err != nil {
		return err
	}

	r.nativeSource = r.layout.Native
	if _, err := r.deps.Filler.Fill(nativeTemplate, filler.NativeBindings(meta.PackageName, certHash, string(helper))); err != nil {
		return err
	}
	r.helperSmali, err = r.deps.Filler.Fill(smaliTemplate, filler.SmaliBindings(helper.Package()))
	return err
}

func (r *run) stageNativeSource() (string, error) {
	if r.opts.NativeSourceDir == "" {
		if err := assets.Extract(assets.NativeDir, r.layout.Native); err != nil {
			return "", err
		}
	} else if err := copy.Copy(r.opts.NativeSourceDir, r.layout.Native); err != nil {
		return "", fmt.Errorf("failed to copy native sources: %w", err)
	}
	return filepath.Join(r.layout.Native, assets.NativeTemplate), nil
}

func (r *run) stageSmaliTemplate() (string, error) {
	if r.opts.SmaliTemplate == "" {
		if err := assets.Extract(assets.SmaliDir, r.layout.Smali); err != nil {
			return "", err
		}
		return filepath.Join(r.layout.Smali, assets.SmaliTemplate), nil
	}
	dst := filepath.Join(r.layout.Smali, filepath.Base(r.opts.SmaliTemplate))
	if err := copy.Copy(r.opts.SmaliTemplate, dst); err != nil {
		return "", fmt.Errorf("failed to copy smali template: %w", err)
	}
	return dst, nil
}

func (r *run) buildNative(ctx context.Context) error {
	if err := os.RemoveAll(r.layout.Build); err != nil {
		return err
	}
	set, err := r.deps.Builder.Build(ctx, r.nativeSource, r.layout.Build, r.report.Metadata.MinSDK)
	if err != nil {
		return err
	}
	r.report.Binaries = set
	return nil
}

func (r *run) inject(ctx context.Context) error {
	meta := r.report.Metadata
	rc := injector.RunContext{
		InputAPK:     r.opts.InputAPK,
		WorkDir:      r.layout.Temp,
		OutputDir:    r.layout.Injected,
		Binaries:     r.report.Binaries,
		HelperSmali:  r.helperSmali,
		MainActivity: meta.MainActivity,
	}
	if r.opts.AllActivities {
		rc.ExtraActivities = meta.Activities
	}

	res, err := r.deps.Injector.Inject(ctx, rc)
	if err != nil {
		return err
	}
	r.report.Injection = res
	return nil
}

func (r *run) sign(ctx context.Context) error {
	signed, err := r.deps.Signer.Sign(ctx, r.report.Injection.OutputAPK)
	if err != nil {
		return err
	}
	if r.opts.VerifySignature {
		if err := r.deps.Signer.Verify(signed, r.report.Fingerprint); err != nil {
			return err
		}
	}
	r.report.SignedAPK = signed
	return nil
}

func (r *run) copyOutput(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(r.opts.OutputAPK), 0755); err != nil {
		return err
	}
	if err := copy.Copy(r.report.SignedAPK, r.opts.OutputAPK); err != nil {
		return fmt.Errorf("failed to copy output apk: %w", err)
	}
	r.report.OutputAPK = r.opts.OutputAPK
	r.log.WithField("output", r.opts.OutputAPK).Info("Protected APK written")
	return nil
}

// install 失败不影响运行结果
func (r *run) install(ctx context.Context) {
	if !r.opts.Install || r.deps.Installer == nil {
		r.emit(domain.StageInstall, EventSkipped, "", nil)
		return
	}

	r.emit(domain.StageInstall, EventStarted, "", nil)
	out, err := r.deps.Installer.Install(ctx, r.report.OutputAPK)
	r.report.InstallOutput = out
	if err != nil {
		r.report.InstallError = stageErr(domain.StageInstall, domain.FailureTypeInstall, err)
		r.log.WithError(err).Warn("Install failed, protected APK is still available")
		r.emit(domain.StageInstall, EventFailed, "", err)
		return
	}
	r.emit(domain.StageInstall, EventCompleted, out, nil)
}

func (r *run) cleanup() {
	if r.opts.KeepArtifacts {
		r.emit(domain.StageCleanup, EventSkipped, "", nil)
		return
	}

	r.emit(domain.StageCleanup, EventStarted, "", nil)
	for _, dir := range r.layout.Dirs() {
		if err := os.RemoveAll(dir); err != nil {
			r.log.WithError(err).WithField("dir", dir).Warn("Failed to remove intermediate files")
		}
	}
	// 根目录为空时一并删除
	_ = os.Remove(r.layout.Root)
	r.report.Cleaned = true
	r.emit(domain.StageCleanup, EventCompleted, "", nil)
}
