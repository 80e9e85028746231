package signer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// SupportedSchemes apksigner 支持的签名方案
var SupportedSchemes = []string{"v1", "v2", "v3", "v4"}

// Options 对齐与签名参数
type Options struct {
	Zipalign  string
	Apksigner string
	Keystore  string
	StorePass string
	Alias     string
	KeyPass   string
	Schemes   []string // 为空时使用 apksigner 默认方案
}

// Validate 检查必需参数
func (o *Options) Validate() error {
	var missing []string
	if o.Keystore == "" {
		missing = append(missing, "keystore")
	}
	if o.StorePass == "" {
		missing = append(missing, "keystore password")
	}
	if o.Alias == "" {
		missing = append(missing, "key alias")
	}
	if o.KeyPass == "" {
		missing = append(missing, "key password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("signing options missing: %s", strings.Join(missing, ", "))
	}
	for _, s := range o.Schemes {
		if !isSupportedScheme(s) {
			return fmt.Errorf("unsupported signing scheme: %q", s)
		}
	}
	return nil
}

func isSupportedScheme(s string) bool {
	for _, v := range SupportedSchemes {
		if v == s {
			return true
		}
	}
	return false
}

// Signer zipalign + apksigner
type Signer struct {
	opts     Options
	runner   toolexec.Runner
	logger   *logrus.Logger
	verifier func(apkPath, fingerprint string) error
}

// NewSigner 创建签名器
func NewSigner(opts Options, runner toolexec.Runner, logger *logrus.Logger) *Signer {
	if opts.Zipalign == "" {
		opts.Zipalign = "zipalign"
	}
	if opts.Apksigner == "" {
		opts.Apksigner = "apksigner"
	}
	return &Signer{opts: opts, runner: runner, logger: logger, verifier: VerifyFingerprint}
}

// Sign 对齐并签名，返回签名后的 APK 路径（与输入同目录）
func (s *Signer) Sign(ctx context.Context, apkPath string) (string, error) {
	if err := s.opts.Validate(); err != nil {
		return "", err
	}

	base := strings.TrimSuffix(apkPath, filepath.Ext(apkPath))
	aligned := base + "_aligned.apk"
	signed := base + "_signed.apk"

	s.logger.WithField("apk", apkPath).Info("Aligning APK")
	if _, err := s.runner.Run(ctx, s.opts.Zipalign, "-p", "-f", "4", apkPath, aligned); err != nil {
		return "", fmt.Errorf("zipalign failed: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"apk":     aligned,
		"alias":   s.opts.Alias,
		"schemes": strings.Join(s.opts.Schemes, ","),
	}).Info("Signing APK")
	if _, err := s.runner.Run(ctx, s.opts.Apksigner, s.signArgs(aligned, signed)...); err != nil {
		return "", fmt.Errorf("apksigner failed: %w", redact(err, s.opts.StorePass, s.opts.KeyPass))
	}

	return signed, nil
}

// Verify 校验签名后的 APK 证书指纹
func (s *Signer) Verify(apkPath, fingerprint string) error {
	if err := s.verifier(apkPath, fingerprint); err != nil {
		return err
	}
	s.logger.WithField("apk", apkPath).Info("Signature fingerprint verified")
	return nil
}

func (s *Signer) signArgs(in, out string) []string {
	args := []string{
		"sign",
		"--ks", s.opts.Keystore,
		"--ks-pass", "pass:" + s.opts.StorePass,
		"--ks-key-alias", s.opts.Alias,
		"--key-pass", "pass:" + s.opts.KeyPass,
	}
	if len(s.opts.Schemes) > 0 {
		enabled := make(map[string]bool)
		for _, scheme := range s.opts.Schemes {
			enabled[scheme] = true
		}
		for _, scheme := range SupportedSchemes {
			args = append(args, fmt.Sprintf("--%s-signing-enabled", scheme), fmt.Sprintf("%t", enabled[scheme]))
		}
	}
	return append(args, "--out", out, in)
}

// redact 去掉错误信息中的密码
func redact(err error, secrets ...string) error {
	msg := err.Error()
	changed := false
	for _, secret := range secrets {
		if secret != "" && strings.Contains(msg, secret) {
			msg = strings.ReplaceAll(msg, secret, "***")
			changed = true
		}
	}
	if !changed {
		return err
	}
	return errors.New(msg)
}
