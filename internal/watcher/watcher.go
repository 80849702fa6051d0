// Package watcher feeds filesystem changes into the file list.
//
// It watches the static base directory of every watched pattern
// recursively and translates fsnotify events into AddFile, ChangeFile and
// RemoveFile calls. The file list decides whether a path matters, so the
// watcher only filters editor noise and ignored directories.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/turtacn/Proctor/internal/filelist"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
)

// Target receives the translated events. *filelist.List satisfies it.
type Target interface {
	AddFile(ctx context.Context, path string) error
	ChangeFile(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
}

// Watcher monitors the directories behind the watched patterns.
type Watcher struct {
	fs     afero.Fs
	target Target
	log    logger.Logger
	ignore []string

	notify *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFs replaces the filesystem used to walk directories. The events
// themselves always come from the OS.
func WithFs(fs afero.Fs) Option {
	return func(w *Watcher) { w.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// WithIgnore replaces the directory names skipped while walking.
func WithIgnore(names ...string) Option {
	return func(w *Watcher) { w.ignore = names }
}

// New creates a watcher feeding target.
func New(target Target, opts ...Option) (*Watcher, error) {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:      afero.NewOsFs(),
		target:  target,
		log:     logger.Log,
		ignore:  defaultIgnoreDirs(),
		notify:  notify,
		watched: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "watcher")
	return w, nil
}

// Bases returns the directories to watch for patterns: the static base of
// every watched, non-URL pattern, minus those nested inside another.
func Bases(patterns []protocol.Pattern) []string {
	var dirs []string
	for _, p := range patterns {
		if !p.Watched || p.IsURL() {
			continue
		}
		base := filelist.StaticBase(filepath.ToSlash(p.Pattern))
		if base == filepath.ToSlash(p.Pattern) {
			// Literal file path.
			base = filepath.ToSlash(filepath.Dir(filepath.FromSlash(base)))
		}
		dirs = append(dirs, filepath.FromSlash(base))
	}
	sort.Strings(dirs)

	var out []string
next:
	for _, d := range dirs {
		for _, o := range out {
			if within(d, o) {
				continue next
			}
		}
		out = append(out, d)
	}
	return out
}

func within(path, dir string) bool {
	if path == dir {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Watch adds every directory under the given bases. Missing bases are
// skipped.
func (w *Watcher) Watch(bases []string) error {
	for _, base := range bases {
		if err := w.addTree(base); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	err := afero.Walk(w.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if p != root && w.ignoredDir(info.Name()) {
			return filepath.SkipDir
		}
		return w.addDir(p)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (w *Watcher) addDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.notify.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = struct{}{}
	w.log.Debug("Watching directory", "dir", dir)
	return nil
}

// Dirs returns the directories currently watched, sorted.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.watched))
	for d := range w.watched {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Start consumes events on a goroutine until ctx is cancelled or Close is
// called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.notify.Events:
				if !ok {
					return
				}
				w.handle(ctx, ev)
			case err, ok := <-w.notify.Errors:
				if !ok {
					return
				}
				w.log.Warn("Watcher error", "error", err)
			}
		}
	}()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	path := ev.Name
	if w.ignoredFile(path) {
		return
	}

	var err error
	switch {
	case ev.Has(fsnotify.Create):
		info, statErr := w.fs.Stat(path)
		if statErr == nil && info.IsDir() {
			if w.ignoredDir(info.Name()) {
				return
			}
			err = w.addTree(path)
			// Files may land before the directory watch does.
			w.addExisting(ctx, path)
			break
		}
		err = w.target.AddFile(ctx, filepath.ToSlash(path))
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		err = w.target.ChangeFile(ctx, filepath.ToSlash(path))
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.forget(path)
		err = w.target.RemoveFile(ctx, filepath.ToSlash(path))
	}
	if err != nil {
		w.log.Warn("Cannot apply change", "path", path, "op", ev.Op.String(), "error", err)
	}
}

func (w *Watcher) addExisting(ctx context.Context, dir string) {
	_ = afero.Walk(w.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if p != dir && w.ignoredDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.ignoredFile(p) {
			return nil
		}
		if err := w.target.AddFile(ctx, filepath.ToSlash(p)); err != nil {
			w.log.Warn("Cannot add file", "path", p, "error", err)
		}
		return nil
	})
}

// forget drops a removed directory and everything below it.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for d := range w.watched {
		if within(d, path) {
			delete(w.watched, d)
		}
	}
}

// Close stops the event loop and releases the OS watches.
func (w *Watcher) Close() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return w.notify.Close()
}

func (w *Watcher) ignoredDir(name string) bool {
	for _, ig := range w.ignore {
		if name == ig {
			return true
		}
	}
	return false
}

// ignoredFile filters editor swap and backup files.
func (w *Watcher) ignoredFile(path string) bool {
	base := filepath.Base(path)
	switch filepath.Ext(base) {
	case ".swp", ".swo", ".swx", ".tmp":
		return true
	}
	return strings.HasSuffix(base, "~") || strings.HasPrefix(base, ".#")
}

func defaultIgnoreDirs() []string {
	return []string{
		".git",
		".hg",
		".svn",
		"node_modules",
	}
}

// Personal.AI order the ending
