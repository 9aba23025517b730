package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounceInterval = 100 * time.Millisecond

// Watcher reloads a rate sheet on file changes and hands each parsed snapshot
// to a callback. Rapid write bursts are debounced so a single editor save does
// not trigger a reload storm.
type Watcher struct {
	path     string
	onReload func(Config)
	logger   *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	running bool
}

// NewWatcher wires a watcher for the rate sheet at path.
func NewWatcher(path string, onReload func(Config), logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty rate sheet path", ErrInvalidRateConfig)
	}
	if onReload == nil {
		return nil, fmt.Errorf("%w: nil reload callback", ErrInvalidRateConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, onReload: onReload, logger: logger}, nil
}

// Watch blocks processing file events until the context is cancelled.
func (watcher *Watcher) Watch(ctx context.Context) error {
	watcher.mu.Lock()
	if watcher.running {
		watcher.mu.Unlock()
		return fmt.Errorf("rate watcher already running")
	}
	watcher.running = true
	watcher.mu.Unlock()
	defer func() {
		watcher.mu.Lock()
		watcher.running = false
		if watcher.timer != nil {
			watcher.timer.Stop()
		}
		watcher.mu.Unlock()
	}()

	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fileWatcher.Close() }()

	if err := fileWatcher.Add(watcher.path); err != nil {
		return fmt.Errorf("watch rate sheet: %w", err)
	}
	watcher.logger.Info("rate sheet watcher started", zap.String("path", watcher.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fileWatcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			watcher.scheduleReload()
		case watchErr, ok := <-fileWatcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			watcher.logger.Error("rate sheet watcher error", zap.Error(watchErr))
		}
	}
}

func (watcher *Watcher) scheduleReload() {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if watcher.timer != nil {
		watcher.timer.Stop()
	}
	watcher.timer = time.AfterFunc(defaultDebounceInterval, watcher.reload)
}

func (watcher *Watcher) reload() {
	config, err := LoadFile(watcher.path)
	if err != nil {
		watcher.logger.Error("rate sheet reload failed", zap.String("path", watcher.path), zap.Error(err))
		return
	}
	watcher.logger.Info("rate sheet reloaded", zap.String("path", watcher.path), zap.Int64("version", config.Version()))
	watcher.onReload(config)
}
