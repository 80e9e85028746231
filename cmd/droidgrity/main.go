package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/droidgrity/droidgrity-go/internal/app"
	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/protect"
	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	colorTitle = color.New(color.Bold, color.FgHiGreen).SprintFunc()
	colorFaint = color.New(color.Faint).SprintFunc()
	colorOK    = color.New(color.FgHiGreen).SprintfFunc()
	colorFail  = color.New(color.Bold, color.FgHiRed).SprintfFunc()
	colorWarn  = color.New(color.FgYellow).SprintfFunc()
)

// flagKeys 命令行参数 -> 配置键
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"output":         "output.path",
	"workspace":      "workspace.dir",
	"keystore":       "signing.keystore",
	"keystore-pass":  "signing.store_pass",
	"key-alias":      "signing.alias",
	"key-pass":       "signing.key_pass",
	"schemes":        "signing.schemes",
	"no-verify":      "",
	"ndk":            "build.ndk_path",
	"abis":           "build.abis",
	"build-type":     "build.build_type",
	"install":        "adb.install",
	"serial":         "adb.serial",
	"do-not-clean":   "output.do_not_clean",
	"all-activities": "inject.all_activities",
	"return-policy":  "inject.return_policy",
	"native-dir":     "templates.native_dir",
	"smali-template": "templates.smali",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorFail("error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var (
		configPath string
		apkPath    string
		noVerify   bool
	)

	cmd := &cobra.Command{
		Use:   "droidgrity",
		Short: "Inject a native signature-integrity check into an Android APK",
		Long: `droidgrity rebuilds an APK with a native library that compares the
running APK's signing certificate against the release certificate and a
call to that check in the main activity's onCreate.

The result is aligned, signed and written next to the input as
<name>_protected.apk unless --output is given.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, key := range flagKeys {
				if key == "" {
					continue
				}
				if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}

			cfg, err := config.LoadWith(v, configPath)
			if err != nil {
				return err
			}
			if noVerify {
				cfg.Signing.Verify = false
			}

			printBanner()

			if err := completeSigning(cfg, newTerminalPrompter()); err != nil {
				return err
			}

			logger := config.InitLogger(&cfg.Log)
			return runProtect(cmd.Context(), cfg, apkPath, logger)
		},
	}

	cmd.SetContext(signalContext())

	f := cmd.Flags()
	f.StringVarP(&apkPath, "apk", "a", "", "APK to protect (required)")
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringP("log-level", "v", "info", "log level: debug, info, warn, error")
	f.StringP("output", "o", "", "output APK (default <input dir>/<name>_protected.apk)")
	f.StringP("workspace", "w", "", "directory for intermediate files (default .droidgrity)")
	f.StringP("keystore", "k", "", "release keystore (PKCS#12 or JKS)")
	f.String("keystore-pass", "", "keystore password (or DROIDGRITY_KEYSTORE_PASS)")
	f.String("key-alias", "", "key alias inside the keystore")
	f.String("key-pass", "", "key password (or DROIDGRITY_KEY_PASS)")
	f.StringSlice("schemes", nil, "signing schemes to enable: v1,v2,v3,v4 (default apksigner's)")
	f.BoolVar(&noVerify, "no-verify", false, "skip post-sign certificate fingerprint check")
	f.StringP("ndk", "n", "", "Android NDK root (or ANDROID_NDK_ROOT)")
	f.StringSlice("abis", nil, "target ABIs (default armeabi-v7a,arm64-v8a,x86,x86_64)")
	f.String("build-type", "", "native build type: Debug or Release")
	f.BoolP("install", "i", false, "install the protected APK with adb")
	f.String("serial", "", "adb device serial or host:port")
	f.Bool("do-not-clean", false, "keep intermediate files after success")
	f.Bool("all-activities", false, "inject the check into every activity, not only the main one")
	f.String("return-policy", "", "which return-void to guard: first or all")
	f.String("native-dir", "", "custom native template directory")
	f.String("smali-template", "", "custom helper smali template")
	_ = cmd.MarkFlagRequired("apk")

	return cmd
}

func signalContext() context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ctx
}

func printBanner() {
	fmt.Fprintf(os.Stderr, "%s %s\n\n", colorTitle("DroidGrity"), colorFaint(Version))
}

func runProtect(ctx context.Context, cfg *config.Config, apkPath string, logger *logrus.Logger) error {
	pipeline, err := app.NewPipeline(cfg, toolexec.NewExecRunner(logger), logger)
	if err != nil {
		return err
	}

	opts := protect.Options{
		InputAPK:        apkPath,
		OutputAPK:       cfg.Output.Path,
		Workspace:       cfg.Workspace.Dir,
		NativeSourceDir: cfg.Templates.NativeDir,
		SmaliTemplate:   cfg.Templates.Smali,
		Keystore:        app.KeystoreOptions(cfg),
		AllActivities:   cfg.Inject.AllActivities,
		VerifySignature: cfg.Signing.Verify,
		Install:         cfg.ADB.Install,
		KeepArtifacts:   cfg.Output.DoNotClean,
		Observer:        protect.ObserverFunc(printEvent),
	}

	report, err := pipeline.Run(ctx, opts)
	if err != nil {
		var stageErr *protect.StageError
		if errors.As(err, &stageErr) {
			return fmt.Errorf("%s: %w", stageErr.Type.GetDisplayName(), err)
		}
		return err
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, colorOK("Protected APK: %s", report.OutputAPK))
	fmt.Fprintf(os.Stderr, "  package      %s\n", report.Metadata.PackageName)
	fmt.Fprintf(os.Stderr, "  fingerprint  %s\n", report.Fingerprint)
	fmt.Fprintf(os.Stderr, "  abis         %s\n", strings.Join(report.Binaries.ABIs(), ", "))
	if report.InstallError != nil {
		fmt.Fprintln(os.Stderr, colorWarn("  install      failed: %v", report.InstallError))
	} else if report.InstallOutput != "" {
		fmt.Fprintf(os.Stderr, "  install      %s\n", strings.TrimSpace(report.InstallOutput))
	}
	return nil
}

func printEvent(e protect.Event) {
	switch e.Status {
	case protect.EventStarted:
		fmt.Fprintf(os.Stderr, "%s %s\n", colorFaint("=>"), e.Stage)
	case protect.EventFailed:
		fmt.Fprintln(os.Stderr, colorFail("   %s failed: %s", e.Stage, e.Error))
	case protect.EventSkipped:
		fmt.Fprintln(os.Stderr, colorFaint("   "+string(e.Stage)+" skipped"))
	}
}
