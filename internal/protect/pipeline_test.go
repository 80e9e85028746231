package protect

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/droidgrity/droidgrity-go/internal/apkinfo"
	"github.com/droidgrity/droidgrity-go/internal/apktool"
	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/injector"
	"github.com/droidgrity/droidgrity-go/internal/keystore"
	"github.com/droidgrity/droidgrity-go/internal/libmerge"
	"github.com/droidgrity/droidgrity-go/internal/smali"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainActivitySmali = `.class public Lcom/example/app/MainActivity;
.super Landroid/app/Activity;

.method protected onCreate(Landroid/os/Bundle;)V
    .locals 0

    invoke-super {p0, p1}, Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V

    return-void
.end method
`

const descriptor = `version: 2.9.3
apkFileName: app.apk
doNotCompress:
- resources.arsc
`

var testFingerprint = strings.Repeat("0f", 32)

type fakeSource struct {
	meta *apkinfo.Metadata
	err  error
}

func (f *fakeSource) Inspect(ctx context.Context, apkPath string) (*apkinfo.Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := *f.meta
	return &m, nil
}

// fakeBuilder 为每个架构写出一个 .so
type fakeBuilder struct {
	abis   []string
	srcDir string
	err    error
}

func (f *fakeBuilder) Build(ctx context.Context, srcDir, buildRoot string, minSDK int) (libmerge.BinarySet, error) {
	f.srcDir = srcDir
	if f.err != nil {
		return nil, f.err
	}
	for _, abi := range f.abis {
		dir := filepath.Join(buildRoot, abi)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "libdroidgrity.so"), []byte("ELF "+abi), 0644); err != nil {
			return nil, err
		}
	}
	return libmerge.ScanBuildDir(buildRoot)
}

// zipDecompiler Decode 写出固定目录，Build 把目录打成 zip
type zipDecompiler struct{}

func (zipDecompiler) Decode(ctx context.Context, apkPath, outDir string) error {
	files := map[string]string{
		apktool.DescriptorFile:                     descriptor,
		"smali/com/example/app/MainActivity.smali": mainActivitySmali,
		"AndroidManifest.xml":                      "<manifest/>",
	}
	for rel, content := range files {
		path := filepath.Join(outDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (zipDecompiler) Build(ctx context.Context, treeDir, outAPK string) error {
	f, err := os.Create(outAPK)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.Walk(treeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(treeDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

type fakeSigner struct {
	signErr   error
	verifyErr error
	verified  string
}

func (f *fakeSigner) Sign(ctx context.Context, apkPath string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	signed := strings.TrimSuffix(apkPath, ".apk") + "_signed.apk"
	data, err := os.ReadFile(apkPath)
	if err != nil {
		return "", err
	}
	return signed, os.WriteFile(signed, data, 0644)
}

func (f *fakeSigner) Verify(apkPath, fingerprint string) error {
	f.verified = fingerprint
	return f.verifyErr
}

type fakeInstaller struct {
	installed string
	err       error
}

func (f *fakeInstaller) Install(ctx context.Context, apkPath string) (string, error) {
	f.installed = apkPath
	if f.err != nil {
		return "Failure [INSTALL_FAILED_UPDATE_INCOMPATIBLE]", f.err
	}
	return "Success", nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) trail() []string {
	var out []string
	for _, e := range r.events {
		out = append(out, string(e.Stage)+":"+string(e.Status))
	}
	return out
}

type fixture struct {
	root      string
	opts      Options
	source    *fakeSource
	builder   *fakeBuilder
	signer    *fakeSigner
	installer *fakeInstaller
	events    *recorder
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	input := filepath.Join(root, "in", "app.apk")
	require.NoError(t, os.MkdirAll(filepath.Dir(input), 0755))
	require.NoError(t, os.WriteFile(input, []byte("PK"), 0644))

	f := &fixture{
		root: root,
		source: &fakeSource{meta: &apkinfo.Metadata{
			PackageName:  "com.example.app",
			MinSDK:       21,
			MainActivity: "com.example.app.MainActivity",
			Activities:   []string{"com.example.app.MainActivity"},
		}},
		builder:   &fakeBuilder{abis: []string{"arch1", "arch2"}},
		signer:    &fakeSigner{},
		installer: &fakeInstaller{},
		events:    &recorder{},
	}
	f.opts = Options{
		RunID:           "run-1",
		InputAPK:        input,
		Workspace:       filepath.Join(root, "ws"),
		Keystore:        keystore.Options{Path: "release.p12", StorePass: "pw"},
		VerifySignature: true,
		Observer:        f.events,
	}
	f.pipeline = NewPipeline(Dependencies{
		Metadata:    f.source,
		Fingerprint: func(keystore.Options) (string, error) { return testFingerprint, nil },
		Builder:     f.builder,
		Injector:    injector.NewInjector(zipDecompiler{}, libmerge.NewMerger(logger), smali.ReturnPolicyFirst, logger),
		Signer:      f.signer,
		Installer:   f.installer,
	}, logger)
	return f
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

// TestRun_EndToEnd 完整保护流程：库、doNotCompress、单次注入、helper 与填充结果
func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.opts.KeepArtifacts = true

	report, err := f.pipeline.Run(context.Background(), f.opts)
	require.NoError(t, err)

	expectedOutput := filepath.Join(f.root, "in", "app_protected.apk")
	assert.Equal(t, expectedOutput, report.OutputAPK)
	assert.Equal(t, []string{"arch1", "arch2"}, report.Binaries.ABIs())
	assert.Equal(t, "com/example/app/DroidGrity", report.HelperClass)
	assert.Equal(t, testFingerprint, f.signer.verified)

	entries := readZip(t, expectedOutput)
	assert.Equal(t, "ELF arch1", entries["lib/arch1/libdroidgrity.so"])
	assert.Equal(t, "ELF arch2", entries["lib/arch2/libdroidgrity.so"])

	descPath := filepath.Join(t.TempDir(), apktool.DescriptorFile)
	require.NoError(t, os.WriteFile(descPath, []byte(entries[apktool.DescriptorFile]), 0644))
	d, err := apktool.ReadDescriptor(descPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"lib/arch1/libdroidgrity.so",
		"lib/arch2/libdroidgrity.so",
		"resources.arsc",
	}, d.DoNotCompress)

	main := entries["smali/com/example/app/MainActivity.smali"]
	assert.Equal(t, 1, strings.Count(main, "invoke-virtual {v0}, Lcom/example/app/DroidGrity;->isApkTampered()Z"))
	assert.Equal(t, 1, strings.Count(main, "sget-object v0, Lcom/example/app/DroidGrity;->INSTANCE:Lcom/example/app/DroidGrity;"))
	assert.Contains(t, main, ".locals 1")

	helper := entries["smali/com/example/app/DroidGrity.smali"]
	assert.Contains(t, helper, ".class public final Lcom/example/app/DroidGrity;")
	assert.NotContains(t, helper, "@droidgrity.filler.")

	// 填充后的 native 源码交给了编译器
	layout := NewLayout(f.opts.Workspace)
	assert.Equal(t, layout.Native, f.builder.srcDir)
	native, err := os.ReadFile(filepath.Join(layout.Native, "droidgrity.cpp"))
	require.NoError(t, err)
	assert.Contains(t, string(native), `kPackageName[] = "com.example.app"`)
	assert.Contains(t, string(native), "{"+strings.TrimSuffix(strings.Repeat("0x0f, ", 32), ", ")+"}")
	assert.Contains(t, string(native), "Java_com_example_app_DroidGrity_isApkTampered(")
	assert.NotContains(t, string(native), "@droidgrity.filler.")

	assert.False(t, report.Cleaned)
	assert.DirExists(t, layout.Temp)
}

// TestRun_Cleanup 默认成功后删除中间产物
func TestRun_Cleanup(t *testing.T) {
	f := newFixture(t)

	report, err := f.pipeline.Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.True(t, report.Cleaned)
	assert.FileExists(t, report.OutputAPK)
	assert.NoDirExists(t, f.opts.Workspace)
}

// TestRun_CustomOutput 指定输出路径
func TestRun_CustomOutput(t *testing.T) {
	f := newFixture(t)
	f.opts.OutputAPK = filepath.Join(f.root, "dist", "nested", "out.apk")

	report, err := f.pipeline.Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, f.opts.OutputAPK, report.OutputAPK)
	assert.FileExists(t, f.opts.OutputAPK)
	assert.NoFileExists(t, DefaultOutputPath(f.opts.InputAPK))
}

// TestRun_Events 阶段事件顺序
func TestRun_Events(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"metadata:started", "metadata:completed",
		"fingerprint:started", "fingerprint:completed",
		"fill:started", "fill:completed",
		"build:started", "build:completed",
		"inject:started", "inject:completed",
		"sign:started", "sign:completed",
		"copy:started", "copy:completed",
		"install:skipped",
		"cleanup:started", "cleanup:completed",
	}, f.events.trail())
	for _, e := range f.events.events {
		assert.Equal(t, "run-1", e.RunID)
	}
}

// TestRun_StageFailures 各阶段失败映射到对应的失败类型
func TestRun_StageFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(f *fixture)
		stage domain.Stage
		ft    domain.FailureType
	}{
		{"metadata", func(f *fixture) { f.source.err = boom }, domain.StageMetadata, domain.FailureTypeMetadataExtraction},
		{"incomplete metadata", func(f *fixture) { f.source.meta.MainActivity = "" }, domain.StageMetadata, domain.FailureTypeMetadataExtraction},
		{"build", func(f *fixture) { f.builder.err = boom }, domain.StageBuild, domain.FailureTypeBuild},
		{"main activity missing", func(f *fixture) {
			f.source.meta.MainActivity = "com.example.app.Missing"
		}, domain.StageInject, domain.FailureTypeInjection},
		{"sign", func(f *fixture) { f.signer.signErr = boom }, domain.StageSign, domain.FailureTypeSigning},
		{"verify", func(f *fixture) { f.signer.verifyErr = boom }, domain.StageSign, domain.FailureTypeSigning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			report, err := f.pipeline.Run(context.Background(), f.opts)
			require.Error(t, err)
			require.NotNil(t, report)

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, tt.ft, FailureTypeOf(err))
			assert.NoFileExists(t, DefaultOutputPath(f.opts.InputAPK))
		})
	}
}

// TestRun_FingerprintFailure 指纹读取失败
func TestRun_FingerprintFailure(t *testing.T) {
	f := newFixture(t)
	f.pipeline.deps.Fingerprint = func(keystore.Options) (string, error) {
		return "", keystore.ErrAliasNotFound
	}

	_, err := f.pipeline.Run(context.Background(), f.opts)
	assert.ErrorIs(t, err, keystore.ErrAliasNotFound)
	assert.Equal(t, domain.FailureTypeMetadataExtraction, FailureTypeOf(err))
}

// TestRun_InstallFailureIsNotFatal 安装失败不影响结果
func TestRun_InstallFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.opts.Install = true
	f.installer.err = errors.New("adb install failed")

	report, err := f.pipeline.Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, report.OutputAPK, f.installer.installed)
	assert.Equal(t, domain.FailureTypeInstall, FailureTypeOf(report.InstallError))
	assert.Contains(t, report.InstallOutput, "INSTALL_FAILED")
	assert.FileExists(t, report.OutputAPK)
	assert.Contains(t, f.events.trail(), "install:failed")
}

// TestRun_AllActivities 额外 Activity 缺失时跳过
func TestRun_AllActivities(t *testing.T) {
	f := newFixture(t)
	f.opts.AllActivities = true
	f.source.meta.Activities = []string{"com.example.app.MainActivity", "com.example.app.Gone"}

	report, err := f.pipeline.Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.app.Gone"}, report.Injection.ExtraSkipped)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Run(ctx, f.opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptions_Validate(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.opts.Validate())

	o := f.opts
	o.InputAPK = filepath.Join(f.root, "missing.apk")
	assert.Error(t, o.Validate())

	o = f.opts
	o.Workspace = ""
	assert.Error(t, o.Validate())

	o = f.opts
	o.Keystore.Path = ""
	assert.Error(t, o.Validate())
}

func TestDefaultOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/apks", "My App_protected.apk"), DefaultOutputPath("/apks/My App.apk"))
}

func TestFailureTypeOf(t *testing.T) {
	assert.Equal(t, domain.FailureTypeNone, FailureTypeOf(nil))
	assert.Equal(t, domain.FailureTypeUnknown, FailureTypeOf(errors.New("x")))
}
