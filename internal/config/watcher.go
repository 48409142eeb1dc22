package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback receives the new, validated config on every successful
// reload. It runs synchronously — keep it fast.
type WatcherCallback func(newCfg *Config)

// Watcher watches the config file and triggers a callback with the reloaded
// config. It combines fsnotify (low-latency on real filesystems) with
// periodic content-hash polling, because Kubernetes ConfigMap volumes swap
// symlinks at the VFS layer and may never generate inotify events.
type Watcher struct {
	path     string
	callback WatcherCallback
	logger   *slog.Logger
	debounce time.Duration
	poll     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching does not begin until
// Start is called.
func NewWatcher(path string, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		callback: callback,
		logger:   logger.With("component", "config-watcher"),
		debounce: 300 * time.Millisecond,
		poll:     2 * time.Second,
	}
}

// Start blocks until the context is canceled or Stop is called. The parent
// directory is watched (not just the file) so atomic save-and-rename and
// ConfigMap symlink swaps are both caught.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	lastHash := hashFile(w.path)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Atomic saves rename a temp file over the target, dropping the
			// watched inode; re-add so the next write is still seen.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			lastHash = hashFile(w.path)

		case <-ticker.C:
			if h := hashFile(w.path); h != lastHash {
				lastHash = h
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// reload loads, validates, and publishes the new config. On failure the old
// config stays in effect.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.callback(newCfg)
}

// Stop terminates the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// hashFile returns the SHA-256 digest of the file content (following
// symlinks), or empty when the file cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}
