// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch delivers debounced change notifications for definition
// files, backing the validate command's watch mode.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet window after the last write before a
// change is delivered.
const DefaultDebounce = 200 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Debounce is the quiet window before a change is delivered
	// (defaults to 200ms).
	Debounce time.Duration
}

// Watcher watches registered files and emits one notification per
// burst of writes.
//
// Parent directories are watched rather than the files themselves, so
// editors that replace a file on save (write a temp file, then rename
// it into place) do not silently kill the watch.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	logger    *slog.Logger
	debounce  time.Duration
	eventCh   chan string

	// mu protects watched, dirs, and pending
	mu      sync.Mutex
	watched map[string]bool
	dirs    map[string]bool
	pending map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher. Register files with Add and consume Events
// until Close.
func New(cfg Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher: fsWatcher,
		logger:    logger,
		debounce:  debounce,
		eventCh:   make(chan string, 16),
		watched:   make(map[string]bool),
		dirs:      make(map[string]bool),
		pending:   make(map[string]*time.Timer),
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Add registers a file for change notifications.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirs[dir] {
		if err := w.fsWatcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.watched[abs] = true

	w.logger.Debug("watching file", "path", abs)
	return nil
}

// Events returns the channel debounced change notifications arrive on.
// Each value is the absolute path of a changed file. The channel is
// never closed; stop consuming after Close.
func (w *Watcher) Events() <-chan string {
	return w.eventCh
}

// processEvents turns raw filesystem events into debounced notifications.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.handleChange(event.Name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// handleChange schedules a debounced notification when the changed
// path is one we watch. A change during the quiet window resets the
// timer, so a burst of writes delivers once.
func (w *Watcher) handleChange(changedPath string) {
	abs, err := filepath.Abs(changedPath)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.watched[abs] {
		return
	}

	if timer, exists := w.pending[abs]; exists {
		timer.Stop()
	}
	w.pending[abs] = time.AfterFunc(w.debounce, func() {
		w.deliver(abs)
	})
}

// deliver sends a change notification unless the watcher is closing.
func (w *Watcher) deliver(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}

	select {
	case w.eventCh <- path:
		w.logger.Debug("file changed", "path", path)
	default:
		w.logger.Warn("event channel full, dropping change", "path", path)
	}
}

// Close shuts down the watcher. Pending notifications are dropped.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
