// Package watch reports changes under a set of directories.
//
// devserve uses it to log when the watch jobs rewrite files in the served
// root, so the developer knows a reload will pick up new output.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

const defaultDebounce = 300 * time.Millisecond

// Option customizes a Watcher.
type Option func(*Watcher)

// WithClock replaces the clock used for debouncing.
func WithClock(c clockwork.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithDebounce sets how long the tree must be quiet before onChange runs.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher handles filesystem events and reports debounced batches.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	onChange func([]string)
	clock    clockwork.Clock
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
	flushes sync.WaitGroup

	timer clockwork.Timer
}

// New creates a watcher for dirs. onChange receives the sorted set of
// paths that changed since the previous call. It is never called after
// Run returns.
func New(dirs []string, onChange func([]string), opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		dirs:     dirs,
		onChange: onChange,
		clock:    clockwork.NewRealClock(),
		debounce: defaultDebounce,
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, dir := range dirs {
		if err := w.addRecursive(dir); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// skipDir reports whether a directory below a watched root is left out.
// node_modules alone can exhaust the inotify watch limit.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}

// addRecursive watches dir and every directory below it except the ones
// skipDir rejects.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && skipDir(info.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until ctx is done. It closes the underlying
// watcher before returning.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			slog.Warn("Failed to close file watcher", "error", err)
		}
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.flushes.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(info.Name()) {
					if err := w.addRecursive(event.Name); err != nil {
						slog.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			w.record(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		}
	}
}

// record adds name to the pending batch and restarts the quiet period.
// Only the Run goroutine touches timer.
func (w *Watcher) record(name string) {
	w.mu.Lock()
	w.pending[name] = struct{}{}
	w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	w.flushes.Add(1)
	defer w.flushes.Done()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	w.onChange(paths)
}
