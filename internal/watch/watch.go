// Package watch re-runs classification when scripts change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Options controls which directories are watched
type Options struct {
	Include    []string
	SkipDirs   []string
	ArchiveDir string
	Debounce   time.Duration
}

// Trigger is invoked once per settled burst of changes
type Trigger func(ctx context.Context) error

// Watcher watches the include roots recursively. Hidden, skipped and archive
// directories are ignored, which also keeps the registry database out of view.
type Watcher struct {
	root    string
	opts    Options
	trigger Trigger
	log     *zap.Logger
	skip    map[string]bool
	ready   chan struct{}
}

// New creates a watcher that calls trigger after changes settle for opts.Debounce
func New(root string, opts Options, trigger Trigger, log *zap.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	skip := make(map[string]bool, len(opts.SkipDirs)+1)
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}
	if opts.ArchiveDir != "" {
		skip[opts.ArchiveDir] = true
	}
	return &Watcher{
		root:    root,
		opts:    opts,
		trigger: trigger,
		log:     log,
		skip:    skip,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the initial directories are watched
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

func (w *Watcher) ignored(name string) bool {
	return w.skip[name] || strings.HasPrefix(name, ".")
}

// addTree watches dir and every directory below it
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			w.log.Warn("watch failed", zap.String("dir", path), zap.Error(err))
			return nil
		}
		n++
		return nil
	})
	return n
}

// relevant reports whether an event path lies outside ignored directories
func (w *Watcher) relevant(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignored(part) {
			return false
		}
	}
	return true
}

// Run blocks until ctx is done, calling the trigger after each settled burst.
// Trigger errors are logged; only a failure to start the watcher is returned.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	includes := w.opts.Include
	if len(includes) == 0 {
		includes = []string{"."}
	}
	watched := 0
	for _, inc := range includes {
		dir := filepath.Join(w.root, filepath.FromSlash(inc))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		watched += w.addTree(fw, dir)
	}
	if watched == 0 {
		return errors.New("no directories to watch")
	}
	w.log.Info("watching for changes", zap.Int("dirs", watched), zap.Duration("debounce", w.opts.Debounce))
	close(w.ready)

	ticker := time.NewTicker(tick(w.opts.Debounce))
	defer ticker.Stop()

	var pending bool
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || !w.relevant(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(fw, event.Name)
				}
			}
			w.log.Debug("change", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			pending = true
			last = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			if !pending || time.Since(last) < w.opts.Debounce {
				continue
			}
			pending = false
			if err := w.trigger(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("triggered run failed", zap.Error(err))
			}
		}
	}
}

func tick(debounce time.Duration) time.Duration {
	t := debounce / 4
	if t < 10*time.Millisecond {
		t = 10 * time.Millisecond
	}
	if t > 250*time.Millisecond {
		t = 250 * time.Millisecond
	}
	return t
}
