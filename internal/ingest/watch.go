package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TriggerFunc asks for a sync of one target
type TriggerFunc func(ctx context.Context, t Target) (bool, error)

// ExportWatcher triggers a sync when an export file is written. Changes are
// collected for a debounce window and each changed target is triggered once.
type ExportWatcher struct {
	root     string
	services map[string]bool
	debounce time.Duration
	trigger  TriggerFunc
	logger   *slog.Logger
	ready    chan struct{}
}

// NewExportWatcher creates a watcher for the configured export directory
func NewExportWatcher(config ExportConfig, trigger TriggerFunc, logger *slog.Logger) *ExportWatcher {
	services := make(map[string]bool, len(config.Services))
	for _, s := range config.Services {
		services[s] = true
	}
	return &ExportWatcher{
		root:     filepath.Clean(config.Dir),
		services: services,
		debounce: config.Debounce,
		trigger:  trigger,
		logger:   logger.With("component", "export_watcher"),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the initial directories are watched
func (w *ExportWatcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches the export directory until ctx is cancelled
func (w *ExportWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fw.Add(filepath.Join(w.root, e.Name())); err != nil {
				return fmt.Errorf("failed to watch %s: %w", e.Name(), err)
			}
		}
	}
	close(w.ready)
	w.logger.Info("watching exports", "dir", w.root, "debounce", w.debounce)

	pending := make(map[Target]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.handle(fw, ev, pending) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("export watcher error", "error", err)

		case <-timer.C:
			w.flush(ctx, pending)
		}
	}
}

// handle records the target touched by ev and reports whether one was added
func (w *ExportWatcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event, pending map[Target]struct{}) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return false
	}
	parts := strings.Split(rel, string(filepath.Separator))

	switch len(parts) {
	case 1:
		// A new user directory; files may land before the watch is added
		info, err := os.Stat(ev.Name)
		if err != nil || !info.IsDir() {
			return false
		}
		if err := fw.Add(ev.Name); err != nil {
			w.logger.Warn("failed to watch user directory", "dir", ev.Name, "error", err)
			return false
		}
		entries, err := os.ReadDir(ev.Name)
		if err != nil {
			return false
		}
		added := false
		for _, e := range entries {
			if t, ok := w.target(parts[0], e.Name()); ok {
				pending[t] = struct{}{}
				added = true
			}
		}
		return added

	case 2:
		t, ok := w.target(parts[0], parts[1])
		if !ok {
			return false
		}
		pending[t] = struct{}{}
		return true
	}
	return false
}

func (w *ExportWatcher) target(userID, file string) (Target, bool) {
	service, ok := strings.CutSuffix(file, ExportExt)
	if !ok || !w.services[service] || !validPathElem(userID) {
		return Target{}, false
	}
	return Target{UserID: userID, Service: service}, true
}

func (w *ExportWatcher) flush(ctx context.Context, pending map[Target]struct{}) {
	for t := range pending {
		delete(pending, t)

		enqueued, err := w.trigger(ctx, t)
		if err != nil {
			w.logger.Error("failed to trigger sync", "user_id", t.UserID, "service", t.Service, "error", err)
			continue
		}
		w.logger.Debug("export changed", "user_id", t.UserID, "service", t.Service, "enqueued", enqueued)
	}
}
