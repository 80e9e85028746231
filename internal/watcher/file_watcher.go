package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ProcessedDir 处理成功的文件移动到收件箱下的该子目录
const ProcessedDir = "processed"

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数
type Options struct {
	Pattern      string        // 文件匹配模式，默认 *.apk
	Debounce     time.Duration // 防抖时间，默认 2 秒
	PollInterval time.Duration // 检查写入是否完成的间隔，默认 500ms
	ScanExisting bool          // 启动时处理目录中已有的文件
}

// FileWatcher 收件箱监控器
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	opts     Options
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewFileWatcher 创建文件监控器，目录不存在时自动创建
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.apk"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
	}

	if err := os.MkdirAll(filepath.Join(watchDir, ProcessedDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   opts.Pattern,
	}).Info("File watcher created")

	return &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

// Stop 停止监控并等待正在处理的文件完成
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.stopChan)
		fw.watcher.Close()

		fw.mu.Lock()
		for name, timer := range fw.timers {
			if timer.Stop() {
				// 已取消的定时器不会再执行 handleFile
				fw.wg.Done()
			}
			delete(fw.timers, name)
		}
		fw.mu.Unlock()
	})
	fw.wg.Wait()
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在防抖时间内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	select {
	case <-fw.stopChan:
		return
	default:
	}

	if timer, exists := fw.timers[path]; exists {
		if timer.Stop() {
			fw.wg.Done()
		}
	}

	fw.wg.Add(1)
	fw.timers[path] = time.AfterFunc(fw.opts.Debounce, func() {
		defer fw.wg.Done()
		fw.mu.Lock()
		delete(fw.timers, path)
		fw.mu.Unlock()
		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	fw.mu.Lock()
	if fw.processing[path] {
		fw.mu.Unlock()
		fw.logger.WithField("file", path).Debug("File is already being processed")
		return
	}
	fw.processing[path] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, path)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Warn("File not ready")
		return
	}

	fw.logger.WithField("file", path).Info("Processing file")
	if err := fw.handler(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Error("Failed to process file")
		return
	}

	dst := filepath.Join(fw.watchDir, ProcessedDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		fw.logger.WithError(err).WithField("file", path).Warn("Failed to move processed file")
		return
	}
	fw.logger.WithField("file", path).Info("File processed")
}

// waitForFileReady 文件大小连续两次相同且非空时认为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, path string) error {
	const maxAttempts = 10

	var lastSize int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if info.Size() > 0 && info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.opts.PollInterval):
		}
	}

	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

func (fw *FileWatcher) matchPattern(fileName string) bool {
	ok, _ := filepath.Match(strings.ToLower(fw.opts.Pattern), strings.ToLower(fileName))
	return ok
}
