package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/avast/apkverifier"
)

// ErrFingerprintMismatch 签名证书与嵌入 native 库的指纹不一致
var ErrFingerprintMismatch = errors.New("signer fingerprint mismatch")

// SignerFingerprint 校验 APK 签名并返回最佳签名证书的 SHA-256 指纹
func SignerFingerprint(apkPath string) (string, error) {
	res, err := apkverifier.Verify(apkPath, nil)
	if err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	_, cert := apkverifier.PickBestApkCert(res.SignerCerts)
	if cert == nil {
		return "", fmt.Errorf("no signer certificate in %s", apkPath)
	}

	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFingerprint 签名后的 APK 证书指纹必须等于 expected
func VerifyFingerprint(apkPath, expected string) error {
	got, err := SignerFingerprint(apkPath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrFingerprintMismatch, expected, got)
	}
	return nil
}
