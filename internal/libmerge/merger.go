package libmerge

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/droidgrity/droidgrity-go/internal/apktool"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// LibDir 反编译目录中 native 库的根目录
const LibDir = "lib"

// ErrNoBinaries 没有任何架构的库被合并
var ErrNoBinaries = errors.New("no native libraries merged")

// BinarySet 架构 -> 编译产物路径
type BinarySet map[string][]string

// ABIs 按字典序返回架构列表
func (s BinarySet) ABIs() []string {
	abis := make([]string, 0, len(s))
	for abi := range s {
		abis = append(abis, abi)
	}
	sort.Strings(abis)
	return abis
}

// Count 产物总数
func (s BinarySet) Count() int {
	n := 0
	for _, files := range s {
		n += len(files)
	}
	return n
}

// Result 合并结果
type Result struct {
	Inserted       []string         // 插入的相对路径 lib/<abi>/<file>，按插入顺序
	Skipped        map[string]error // 架构 -> 复制失败原因
	SectionCreated bool             // apktool.yml 原本没有 doNotCompress 段
}

// Merger 把编译好的 .so 合并进反编译目录
type Merger struct {
	logger *logrus.Logger
}

// NewMerger 创建合并器
func NewMerger(logger *logrus.Logger) *Merger {
	return &Merger{logger: logger}
}

// ScanBuildDir 收集 <root>/<abi>/*.so
func ScanBuildDir(root string) (BinarySet, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read build dir: %w", err)
	}

	set := make(BinarySet)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(root, entry.Name(), "*.so"))
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", entry.Name(), err)
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			set[entry.Name()] = matches
		}
	}
	return set, nil
}

// Merge 复制每个库到 <tree>/lib/<abi>/<file>，并登记到 apktool.yml 的 doNotCompress 段
// 某个架构的任一文件复制失败时整个架构跳过，已复制的文件会删除；一个都没有插入时返回 ErrNoBinaries
func (m *Merger) Merge(set BinarySet, treeDir string) (*Result, error) {
	result := &Result{Skipped: make(map[string]error)}

	for _, abi := range set.ABIs() {
		inserted, err := m.mergeABI(abi, set[abi], treeDir)
		if err != nil {
			m.logger.WithField("abi", abi).WithError(err).Warn("Skipping architecture")
			result.Skipped[abi] = err
			continue
		}
		result.Inserted = append(result.Inserted, inserted...)
	}

	if len(result.Inserted) == 0 {
		return result, ErrNoBinaries
	}

	created, err := apktool.AppendDoNotCompress(filepath.Join(treeDir, apktool.DescriptorFile), result.Inserted)
	if err != nil {
		return result, err
	}
	result.SectionCreated = created
	if created {
		m.logger.Warn("apktool.yml had no doNotCompress section, created one")
	}

	m.logger.WithFields(logrus.Fields{
		"inserted": len(result.Inserted),
		"skipped":  len(result.Skipped),
	}).Info("Native libraries merged")

	return result, nil
}

func copyLibrary(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", src)
	}
	if !strings.HasSuffix(src, ".so") {
		return fmt.Errorf("not a shared library: %s", src)
	}
	return copy.Copy(src, dst)
}

// mergeABI 复制一个架构的全部库，失败时回滚该架构已复制的文件
func (m *Merger) mergeABI(abi string, sources []string, treeDir string) ([]string, error) {
	var inserted, copied []string
	for _, src := range sources {
		name := filepath.Base(src)
		rel := path.Join(LibDir, abi, name)
		dst := filepath.Join(treeDir, filepath.FromSlash(rel))
		_, statErr := os.Stat(dst)
		existed := statErr == nil

		if err := copyLibrary(src, dst); err != nil {
			for _, f := range copied {
				if rmErr := os.Remove(f); rmErr != nil && !os.IsNotExist(rmErr) {
					m.logger.WithError(rmErr).WithField("path", f).Warn("Failed to remove partially merged library")
				}
			}
			// 目录为空时一并删除，非空说明原 APK 已有该架构
			os.Remove(filepath.Join(treeDir, LibDir, abi))
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		m.logger.WithFields(logrus.Fields{
			"abi":  abi,
			"path": rel,
		}).Debug("Native library copied")
		if !existed {
			copied = append(copied, dst)
		}
		inserted = append(inserted, rel)
	}
	return inserted, nil
}
