// Package app 根据配置组装保护流水线，供命令行与服务共用
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/adb"
	"github.com/droidgrity/droidgrity-go/internal/apkinfo"
	"github.com/droidgrity/droidgrity-go/internal/apktool"
	"github.com/droidgrity/droidgrity-go/internal/builder"
	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/filler"
	"github.com/droidgrity/droidgrity-go/internal/injector"
	"github.com/droidgrity/droidgrity-go/internal/keystore"
	"github.com/droidgrity/droidgrity-go/internal/libmerge"
	"github.com/droidgrity/droidgrity-go/internal/protect"
	"github.com/droidgrity/droidgrity-go/internal/signer"
	"github.com/droidgrity/droidgrity-go/internal/smali"
	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/droidgrity/droidgrity-go/internal/worker"
	"github.com/sirupsen/logrus"
)

// MetadataSource 按 tools.metadata 选择包信息来源
func MetadataSource(cfg *config.Config, runner toolexec.Runner, logger *logrus.Logger) (apkinfo.Source, error) {
	binary := apkinfo.NewBinarySource(logger)
	aapt := apkinfo.NewAaptSource(cfg.Tools.Aapt2, runner, logger)

	switch cfg.Tools.Metadata {
	case "binary":
		return binary, nil
	case "aapt":
		return aapt, nil
	case "auto", "":
		return apkinfo.NewFallbackSource(binary, aapt, logger), nil
	default:
		return nil, fmt.Errorf("unsupported tools.metadata: %q", cfg.Tools.Metadata)
	}
}

// KeystoreOptions 签名密钥参数
func KeystoreOptions(cfg *config.Config) keystore.Options {
	return keystore.Options{
		Path:      cfg.Signing.Keystore,
		StorePass: cfg.Signing.StorePass,
		Alias:     cfg.Signing.Alias,
		KeyPass:   cfg.Signing.KeyPass,
	}
}

// timedInstaller 为每次安装设置超时
type timedInstaller struct {
	client  *adb.Client
	timeout time.Duration
}

func (i *timedInstaller) Install(ctx context.Context, apkPath string) (string, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	return i.client.Install(ctx, apkPath)
}

// NewPipeline 使用外部工具组装流水线
func NewPipeline(cfg *config.Config, runner toolexec.Runner, logger *logrus.Logger) (*protect.Pipeline, error) {
	metadata, err := MetadataSource(cfg, runner, logger)
	if err != nil {
		return nil, err
	}

	policy, err := smali.ParseReturnPolicy(cfg.Inject.ReturnPolicy)
	if err != nil {
		return nil, err
	}

	decompiler := apktool.NewClient(cfg.Tools.Apktool, runner, logger)
	inj := injector.NewInjector(decompiler, libmerge.NewMerger(logger), policy, logger)

	nativeBuilder := builder.NewCMakeBuilder(builder.Options{
		CMake:     cfg.Build.CMake,
		NDKPath:   cfg.Build.NDKPath,
		ABIs:      cfg.Build.ABIs,
		BuildType: cfg.Build.BuildType,
	}, runner, logger)

	apkSigner := signer.NewSigner(signer.Options{
		Zipalign:  cfg.Tools.Zipalign,
		Apksigner: cfg.Tools.Apksigner,
		Keystore:  cfg.Signing.Keystore,
		StorePass: cfg.Signing.StorePass,
		Alias:     cfg.Signing.Alias,
		KeyPass:   cfg.Signing.KeyPass,
		Schemes:   cfg.Signing.Schemes,
	}, runner, logger)

	installer := &timedInstaller{
		client:  adb.NewClient(cfg.ADB.Path, cfg.ADB.Serial, runner, logger),
		timeout: time.Duration(cfg.ADB.Timeout) * time.Second,
	}

	return protect.NewPipeline(protect.Dependencies{
		Metadata:  metadata,
		Filler:    filler.NewFiller(logger),
		Builder:   nativeBuilder,
		Injector:  inj,
		Signer:    apkSigner,
		Installer: installer,
	}, logger), nil
}

// ExecutorConfig 服务模式的运行参数
func ExecutorConfig(cfg *config.Config) worker.ExecutorConfig {
	return worker.ExecutorConfig{
		Workspace:       cfg.Workspace.Dir,
		NativeSourceDir: cfg.Templates.NativeDir,
		SmaliTemplate:   cfg.Templates.Smali,
		Keystore:        KeystoreOptions(cfg),
		AllActivities:   cfg.Inject.AllActivities,
		VerifySignature: cfg.Signing.Verify,
		Install:         cfg.ADB.Install,
		KeepArtifacts:   cfg.Output.DoNotClean,
	}
}
