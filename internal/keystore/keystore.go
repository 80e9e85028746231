package keystore

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// jksMagic JKS 文件头
const jksMagic = 0xFEEDFEED

// ErrAliasNotFound 指定的别名不存在
var ErrAliasNotFound = errors.New("alias not found in keystore")

// Options 读取签名证书所需的参数
type Options struct {
	Path      string
	StorePass string
	Alias     string // JKS 使用；为空时取第一个私钥条目
	KeyPass   string
}

// LoadCertificate 读取签名证书，支持 PKCS#12 与 JKS
func LoadCertificate(opts Options) (*x509.Certificate, error) {
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	if len(data) >= 4 && binary.BigEndian.Uint32(data[:4]) == jksMagic {
		return loadJKS(data, opts)
	}
	return loadPKCS12(data, opts)
}

func loadPKCS12(data []byte, opts Options) (*x509.Certificate, error) {
	_, cert, _, err := pkcs12.DecodeChain(data, opts.StorePass)
	if err != nil && opts.KeyPass != "" && opts.KeyPass != opts.StorePass {
		_, cert, _, err = pkcs12.DecodeChain(data, opts.KeyPass)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode pkcs12 keystore: %w", err)
	}
	return cert, nil
}

func loadJKS(data []byte, opts Options) (*x509.Certificate, error) {
	ks := jks.New()
	if err := ks.Load(bytes.NewReader(data), []byte(opts.StorePass)); err != nil {
		return nil, fmt.Errorf("failed to load jks keystore: %w", err)
	}

	alias := strings.ToLower(opts.Alias)
	if alias == "" {
		for _, a := range ks.Aliases() {
			if ks.IsPrivateKeyEntry(a) {
				alias = a
				break
			}
		}
	}
	if alias == "" || !ks.IsPrivateKeyEntry(alias) {
		return nil, fmt.Errorf("%w: %q", ErrAliasNotFound, opts.Alias)
	}

	chain, err := ks.GetPrivateKeyEntryCertificateChain(alias)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty certificate chain for alias %q", alias)
	}

	cert, err := x509.ParseCertificate(chain[0].Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Fingerprint 签名证书 DER 编码的 SHA-256，小写十六进制
func Fingerprint(opts Options) (string, error) {
	cert, err := LoadCertificate(opts)
	if err != nil {
		return "", err
	}
	return CertFingerprint(cert), nil
}

// CertFingerprint 证书指纹
func CertFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FormatCertHash 指纹拆为两位一组的 0x 字面量，用于嵌入 native 模板
// "a1b2" -> "0xa1, 0xb2"
func FormatCertHash(fingerprint string) (string, error) {
	fp := strings.ToLower(strings.TrimSpace(fingerprint))
	if fp == "" || len(fp)%2 != 0 {
		return "", fmt.Errorf("invalid fingerprint length: %d", len(fp))
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", fmt.Errorf("invalid fingerprint: %w", err)
	}

	parts := make([]string, 0, len(fp)/2)
	for i := 0; i < len(fp); i += 2 {
		parts = append(parts, "0x"+fp[i:i+2])
	}
	return strings.Join(parts, ", "), nil
}
