// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches per-session transcript files for writes and invokes a
// callback with the owning session id, debounced per session so a burst of
// CLI appends becomes one tail pass.
type Watcher struct {
	mu            sync.Mutex
	watcher       *fsnotify.Watcher
	debouncer     *debouncer
	sessionToPath map[string]string
	pathToSession map[string]string
	onChange      func(sessionID string)
	closed        bool
	closeCh       chan struct{}
	wg            sync.WaitGroup
}

// NewWatcher creates a watcher. onChange is called from a background
// goroutine after each debounced change.
func NewWatcher(debounce time.Duration, onChange func(sessionID string)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		watcher:       fsWatcher,
		debouncer:     newDebouncer(debounce),
		sessionToPath: make(map[string]string),
		pathToSession: make(map[string]string),
		onChange:      onChange,
		closeCh:       make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Watch starts watching a session's transcript file, replacing any path
// previously watched for the session. The file must already exist; the CLI
// announces the path only after creating it.
func (w *Watcher) Watch(sessionID, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	if old, exists := w.sessionToPath[sessionID]; exists {
		if old == path {
			return nil
		}
		w.watcher.Remove(old)
		delete(w.pathToSession, old)
	}

	if err := w.watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	w.sessionToPath[sessionID] = path
	w.pathToSession[path] = sessionID
	return nil
}

// Unwatch stops watching a session's transcript. Safe to call if the session
// was never watched.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if path, exists := w.sessionToPath[sessionID]; exists {
		w.watcher.Remove(path)
		delete(w.pathToSession, path)
		delete(w.sessionToPath, sessionID)
	}
	w.debouncer.cancel(sessionID)
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.debouncer.stop()
	w.watcher.Close()
	w.wg.Wait()
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			_ = err
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Only writes and creates matter; chmod fires on unrelated activity
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	sessionID, exists := w.pathToSession[event.Name]
	w.mu.Unlock()

	if exists {
		w.debouncer.trigger(sessionID, func() {
			w.onChange(sessionID)
		})
	}
}
