// Package watcher subscribes to change notifications for every directory of a
// source tree and forwards the relevant ones.
//
// The tree is scanned exactly once, when the Watcher is created. Directories
// created afterwards are not subscribed, so changes inside them go unnoticed.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// qualifyingOps are the notifications that can mean a file has new content.
const qualifyingOps = fsnotify.Create | fsnotify.Write | fsnotify.Rename

// HandlerFunc receives the full path of a changed entry. It is called from the
// watcher loop and must not block.
type HandlerFunc func(path string)

// Watcher owns the fsnotify subscriptions for one source tree.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	dirs    *sharded.Set
	metrics metrics.Metrics
}

// New scans root recursively and subscribes to every directory found. A
// directory that cannot be read or subscribed is logged and skipped without
// affecting its siblings; only a failure on root itself is returned.
// Symbolic links are never followed.
func New(root string, m metrics.Metrics) (*Watcher, error) {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve source root %q: %w", root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create filesystem watcher: %w", err)
	}

	w := &Watcher{
		root:    absRoot,
		fsw:     fsw,
		dirs:    sharded.NewSet(sharded.DefaultShards),
		metrics: m,
	}
	if err := w.scan(); err != nil {
		fsw.Close()
		return nil, err
	}
	plog.Info("Watching source tree", "root", absRoot, "directories", w.dirs.Count())
	return w, nil
}

func (w *Watcher) scan() error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return fmt.Errorf("could not read source root %s: %w", w.root, err)
			}
			w.metrics.AddWatchErrors(1)
			plog.Warn("Skipping unreadable directory", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			if path == w.root {
				return fmt.Errorf("could not watch source root %s: %w", w.root, err)
			}
			w.metrics.AddWatchErrors(1)
			plog.Warn("Could not watch directory", "path", path, "error", err)
			return nil
		}
		w.dirs.Store(path)
		w.metrics.AddDirsWatched(1)
		plog.Debug("Watching directory", "path", path)
		return nil
	})
}

// Root returns the absolute source root.
func (w *Watcher) Root() string { return w.root }

// Dirs returns the subscribed directories in no particular order.
func (w *Watcher) Dirs() []string { return w.dirs.Keys() }

// Watching reports whether dir is subscribed.
func (w *Watcher) Watching(dir string) bool { return w.dirs.Has(filepath.Clean(dir)) }

// Run forwards qualifying notifications for non-hidden entries to handle until
// ctx is done or the watcher is closed. Watch errors are logged and counted but
// never end the loop.
func (w *Watcher) Run(ctx context.Context, handle HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.dispatch(ev, handle)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.metrics.AddWatchErrors(1)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				plog.Warn("Change notifications were dropped by the OS", "error", err)
				continue
			}
			plog.Warn("Watch error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event, handle HandlerFunc) {
	if ev.Op&qualifyingOps == 0 {
		return
	}
	w.metrics.AddEventsReceived(1)
	if util.IsHidden(ev.Name) {
		w.metrics.AddEventsHidden(1)
		return
	}
	plog.Debug("Change detected", "path", ev.Name, "op", ev.Op.String())
	handle(ev.Name)
}

// Close releases all subscriptions. It is safe to call more than once.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
