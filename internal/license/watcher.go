package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EnvelopeWatcher calls onChange whenever the watched license file is
// created, written, replaced or removed. It watches the parent directory so
// editors and installers that replace the file by rename are seen.
type EnvelopeWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(fsnotify.Event)
	logger   *slog.Logger
	done     chan struct{}
	closeMu  sync.Once
	closeErr error
}

// NewEnvelopeWatcher starts watching path. The parent directory is created
// if missing.
func NewEnvelopeWatcher(path string, onChange func(fsnotify.Event), logger *slog.Logger) (*EnvelopeWatcher, error) {
	if path == "" {
		return nil, errors.New("license watch path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve license path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create license directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &EnvelopeWatcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "license_watcher")),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *EnvelopeWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.logger.Debug("License file changed",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()),
			)
			if w.onChange != nil {
				w.onChange(event)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("License file watcher error", slog.String("error", err.Error()))
		}
	}
}

// Path returns the absolute watched file path.
func (w *EnvelopeWatcher) Path() string {
	return w.path
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *EnvelopeWatcher) Close() error {
	w.closeMu.Do(func() {
		w.closeErr = w.watcher.Close()
		<-w.done
	})
	return w.closeErr
}

// Watch invalidates the verification cache whenever the envelope at path
// changes. An empty path uses the configured envelope location. Calling
// Watch again replaces the previous watcher.
func (m *Manager) Watch(path string) error {
	if path == "" {
		path = m.envelopePath
	}

	w, err := NewEnvelopeWatcher(path, func(ev fsnotify.Event) {
		m.Invalidate()
		m.logInfo(context.Background(), "envelope_changed", "License file changed, cache invalidated",
			slog.String("path", ev.Name),
			slog.String("op", ev.Op.String()),
		)
	}, m.logger)
	if err != nil {
		return err
	}

	m.watchMu.Lock()
	previous := m.watcher
	m.watcher = w
	m.watchMu.Unlock()

	if previous != nil {
		return previous.Close()
	}
	return nil
}

// Close releases the watcher, if any.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	w := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}
