// Package assets 内置的 native 源码与 helper smali 模板
package assets

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// NativeDir native 源码目录（含 CMakeLists.txt）
	NativeDir = "cpp"
	// NativeTemplate native 源码模板，相对 NativeDir
	NativeTemplate = "droidgrity.cpp.template"
	// SmaliDir helper smali 模板目录
	SmaliDir = "smali"
	// SmaliTemplate helper smali 模板，相对 SmaliDir
	SmaliTemplate = "DroidGrity.smali.template"
)

//go:embed cpp smali
var files embed.FS

// FS 返回内置文件系统
func FS() fs.FS {
	return files
}

// Extract 把内置目录 dir（NativeDir 或 SmaliDir）写到 dst 下
func Extract(dir, dst string) error {
	return fs.WalkDir(files, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := files.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return fmt.Errorf("failed to extract %s: %w", path, err)
		}
		return nil
	})
}
