// Package watcher reports new export files in drop directories once they
// have been quiet for a debounce delay.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDelay = 2 * time.Second

// Watcher watches a set of directories (not recursively). For every file
// whose base name passes Match, Handler is called with the full path after
// no further create or write event arrived for Delay.
type Watcher struct {
	dirs    []string
	match   func(name string) bool
	delay   time.Duration
	handler func(path string)
	logger  *zap.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	pending map[string]*time.Timer
	running bool
	done    chan struct{}
}

func New(dirs []string, match func(string) bool, delay time.Duration, handler func(string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Watcher{
		dirs:    dirs,
		match:   match,
		delay:   delay,
		handler: handler,
		logger:  logger.Named("watcher"),
		pending: make(map[string]*time.Timer),
	}
}

// Start begins watching, creating missing directories. It is a no-op when
// already running.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fsw.Close()
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.fsw = fsw
	w.running = true
	w.done = make(chan struct{})
	go w.loop(fsw, w.done)

	w.logger.Info("watching drop directories", zap.Strings("dirs", w.dirs), zap.Duration("debounce", w.delay))
	return nil
}

// Stop ends watching and drops pending notifications. It is a no-op when not
// running.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	fsw, done := w.fsw, w.done
	w.fsw = nil
	w.mu.Unlock()

	err := fsw.Close()
	<-done
	return err
}

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !w.match(filepath.Base(ev.Name)) {
				continue
			}
			w.touch(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch error", zap.Error(err))
				continue
			}
			w.logger.Warn("watch event overflow; relying on the next scan")
		}
	}
}

// touch (re)starts the quiet period for path.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		current, ok := w.pending[path]
		if !ok || current != t || !w.running {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()

		w.logger.Debug("file settled", zap.String("path", path))
		w.handler(path)
	})
	w.pending[path] = t
}
