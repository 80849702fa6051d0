package filelist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/Proctor/internal/monitor"
	"github.com/turtacn/Proctor/pkg/consts"
	perrors "github.com/turtacn/Proctor/pkg/errors"
	"github.com/turtacn/Proctor/pkg/events"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
	"github.com/turtacn/Proctor/pkg/timer"
)

// Preprocessor transforms a freshly discovered or changed file in place.
// An error aborts the operation that triggered it.
type Preprocessor func(ctx context.Context, f *File) error

// Config wires a List. Only Patterns is required.
type Config struct {
	Patterns []protocol.Pattern
	Excludes []string

	Emitter    *events.Emitter
	Preprocess Preprocessor
	// BatchInterval debounces modified events from AddFile, ChangeFile and
	// RemoveFile. Zero emits after every mutation.
	BatchInterval time.Duration
	Timer         timer.Timer
	Fs            afero.Fs
	Globber       Globber
	Log           logger.Logger
}

// List is the file-list engine.
type List struct {
	emitter    *events.Emitter
	preprocess Preprocessor
	batch      time.Duration
	timer      timer.Timer
	fs         afero.Fs
	globber    Globber
	log        logger.Logger

	mu       sync.Mutex
	patterns []protocol.Pattern
	excludes []string
	matchers map[string]glob.Glob
	buckets  map[string][]*File

	gen  uint64
	wave *refreshWave

	batchGen     uint64
	batchHandle  timer.Handle
	inflight     int
	emitWhenIdle bool

	adds     singleflight.Group
	parallel int

	ppMu    sync.Mutex
	ppLocks map[string]*pathLock
}

// pathLock serializes preprocessing of one path. It is dropped once no
// run holds or waits for it.
type pathLock struct {
	mu   sync.Mutex
	refs int
}

type refreshWave struct {
	done  chan struct{}
	files Files
	err   error
}

// New creates an empty list. Call Refresh to resolve the patterns.
func New(cfg Config) *List {
	if cfg.Emitter == nil {
		cfg.Emitter = events.NewEmitter()
	}
	if cfg.Timer == nil {
		cfg.Timer = timer.Real{}
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Globber == nil {
		cfg.Globber = FSGlobber{Fs: cfg.Fs, Root: "/"}
	}
	if cfg.Log == nil {
		cfg.Log = logger.Log
	}
	return &List{
		emitter:    cfg.Emitter,
		preprocess: cfg.Preprocess,
		batch:      cfg.BatchInterval,
		timer:      cfg.Timer,
		fs:         cfg.Fs,
		globber:    cfg.Globber,
		log:        cfg.Log.With("component", "filelist"),
		patterns:   append([]protocol.Pattern(nil), cfg.Patterns...),
		excludes:   append([]string(nil), cfg.Excludes...),
		matchers:   make(map[string]glob.Glob),
		buckets:    make(map[string][]*File),
		parallel:   runtime.GOMAXPROCS(0) * 2,
		ppLocks:    make(map[string]*pathLock),
	}
}

// Files returns the current snapshot.
func (l *List) Files() Files {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *List) snapshotLocked() Files {
	var out Files
	seen := make(map[string]bool)
	for _, p := range l.patterns {
		for _, f := range l.buckets[p.Pattern] {
			if seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			if f.Served {
				out.Served = append(out.Served, f)
			}
			if f.Included {
				out.Included = append(out.Included, f)
			}
		}
	}
	return out
}

// Bucket returns the files attributed to pattern, sorted by path.
func (l *List) Bucket(pattern string) []*File {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*File(nil), l.buckets[pattern]...)
}

// Refresh re-resolves every pattern and replaces the file set. Overlapping
// calls all return the result of the latest one.
func (l *List) Refresh(ctx context.Context) (Files, error) {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	if l.wave == nil {
		l.wave = &refreshWave{done: make(chan struct{})}
	}
	wave := l.wave
	patterns := append([]protocol.Pattern(nil), l.patterns...)
	excludes := append([]string(nil), l.excludes...)
	l.mu.Unlock()

	buckets, err := l.resolve(ctx, patterns, excludes)

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		select {
		case <-wave.done:
			return wave.files, wave.err
		case <-ctx.Done():
			return Files{}, ctx.Err()
		}
	}
	l.wave = nil
	if err == nil {
		l.buckets = buckets
	}
	files := l.snapshotLocked()
	l.mu.Unlock()

	wave.files, wave.err = files, err
	close(wave.done)
	if err != nil {
		return files, err
	}
	l.emit(files)
	return files, nil
}

// Reload swaps the pattern configuration and refreshes.
func (l *List) Reload(ctx context.Context, patterns []protocol.Pattern, excludes []string) (Files, error) {
	l.mu.Lock()
	l.patterns = append([]protocol.Pattern(nil), patterns...)
	l.excludes = append([]string(nil), excludes...)
	l.mu.Unlock()
	return l.Refresh(ctx)
}

func (l *List) resolve(ctx context.Context, patterns []protocol.Pattern, excludes []string) (map[string][]*File, error) {
	buckets := make(map[string][]*File, len(patterns))
	seen := make(map[string]bool)
	var pending []*File

	for _, p := range patterns {
		if p.IsURL() {
			buckets[p.Pattern] = []*File{newURL(p)}
			continue
		}

		res, err := l.globber.Glob(p.Pattern)
		if err != nil {
			return nil, perrors.New(perrors.ErrCodeGlobFailed, "Refresh", fmt.Sprintf("cannot resolve %q", p.Pattern), err)
		}
		if len(res.Paths) == 0 {
			l.log.Warn("Pattern does not match any file", "pattern", p.Pattern)
		}

		var files []*File
		for _, path := range res.Paths {
			if ex := l.firstExclude(path, excludes); ex != "" {
				l.log.Debug("Excluded file", "path", path, "exclude", ex)
				continue
			}
			if seen[path] {
				continue
			}
			mtime, ok := res.Mtimes[path]
			if !ok {
				info, err := l.fs.Stat(filepath.FromSlash(path))
				if err != nil {
					return nil, perrors.New(perrors.ErrCodeStatFailed, "Refresh", fmt.Sprintf("cannot stat %s", path), err)
				}
				if info.IsDir() {
					continue
				}
				mtime = info.ModTime()
			}
			seen[path] = true
			f := newFile(path, mtime, p)
			files = append(files, f)
			if !f.DoNotCache {
				pending = append(pending, f)
			}
		}
		sortByPath(files)
		buckets[p.Pattern] = files
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallel)
	for _, f := range pending {
		f := f
		g.Go(func() error { return l.runPreprocess(gctx, f) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return buckets, nil
}

func sortByPath(files []*File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// runPreprocess runs the preprocessor with at most one run per path.
func (l *List) runPreprocess(ctx context.Context, f *File) error {
	if l.preprocess == nil {
		return nil
	}
	unlock := l.lockPath(f.Path)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return l.preprocess(ctx, f)
}

func (l *List) lockPath(path string) (unlock func()) {
	l.ppMu.Lock()
	pl, ok := l.ppLocks[path]
	if !ok {
		pl = &pathLock{}
		l.ppLocks[path] = pl
	}
	pl.refs++
	l.ppMu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.ppMu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.ppLocks, path)
		}
		l.ppMu.Unlock()
	}
}

func (l *List) matcher(pattern string) glob.Glob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.matcherLocked(pattern)
}

func (l *List) matcherLocked(pattern string) glob.Glob {
	if m, ok := l.matchers[pattern]; ok {
		return m
	}
	m, err := CompileGlob(pattern)
	if err != nil {
		l.log.Warn("Invalid pattern", "pattern", pattern, "err", err)
		m = nil
	}
	l.matchers[pattern] = m
	return m
}

func (l *List) firstExclude(path string, excludes []string) string {
	for _, ex := range excludes {
		if m := l.matcher(ex); m != nil && m.Match(path) {
			return ex
		}
	}
	return ""
}

// IsExcluded returns the first exclude matching path, or "".
func (l *List) IsExcluded(path string) string {
	l.mu.Lock()
	excludes := append([]string(nil), l.excludes...)
	l.mu.Unlock()
	return l.firstExclude(path, excludes)
}

// IsIncluded returns the first pattern matching path, or nil.
func (l *List) IsIncluded(path string) *protocol.Pattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.patterns {
		p := l.patterns[i]
		if p.IsURL() {
			continue
		}
		if m := l.matcherLocked(p.Pattern); m != nil && m.Match(path) {
			return &p
		}
	}
	return nil
}

// Exists reports whether path is in the resolved set.
func (l *List) Exists(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _, ok := l.findLocked(path)
	return ok
}

func (l *List) findLocked(path string) (string, int, bool) {
	for _, p := range l.patterns {
		for i, f := range l.buckets[p.Pattern] {
			if f.Path == path {
				return p.Pattern, i, true
			}
		}
	}
	return "", 0, false
}

// AddFile adds a newly created file if a pattern claims it. Concurrent adds
// of the same path share one stat and preprocessing run.
func (l *List) AddFile(ctx context.Context, path string) error {
	if ex := l.IsExcluded(path); ex != "" {
		l.log.Debug("Add ignored, excluded", "path", path, "exclude", ex)
		return nil
	}
	p := l.IsIncluded(path)
	if p == nil {
		l.log.Debug("Add ignored, no matching pattern", "path", path)
		return nil
	}
	if l.Exists(path) {
		l.log.Debug("Add ignored, already in the list", "path", path)
		return nil
	}

	_, err, _ := l.adds.Do(path, func() (any, error) {
		l.begin()
		defer l.end()

		info, err := l.fs.Stat(filepath.FromSlash(path))
		if err != nil {
			return nil, perrors.New(perrors.ErrCodeStatFailed, "AddFile", fmt.Sprintf("cannot stat %s", path), err)
		}
		f := newFile(path, info.ModTime(), *p)
		if !f.DoNotCache {
			if err := l.runPreprocess(ctx, f); err != nil {
				return nil, err
			}
		}

		l.mu.Lock()
		if _, _, ok := l.findLocked(path); ok {
			l.mu.Unlock()
			return nil, nil
		}
		bucket := append(l.buckets[p.Pattern], f)
		sortByPath(bucket)
		l.buckets[p.Pattern] = bucket
		l.mu.Unlock()

		l.log.Info("Added file", "path", path)
		l.scheduleModified()
		return nil, nil
	})
	return err
}

// ChangeFile refreshes a tracked file whose mtime moved.
func (l *List) ChangeFile(ctx context.Context, path string) error {
	l.mu.Lock()
	pattern, idx, ok := l.findLocked(path)
	var current *File
	if ok {
		current = l.buckets[pattern][idx]
	}
	l.mu.Unlock()
	if !ok {
		l.log.Debug("Change ignored, not in the list", "path", path)
		return nil
	}

	l.begin()
	defer l.end()

	info, err := l.fs.Stat(filepath.FromSlash(path))
	if errors.Is(err, fs.ErrNotExist) {
		return l.RemoveFile(ctx, path)
	}
	if err != nil {
		return perrors.New(perrors.ErrCodeStatFailed, "ChangeFile", fmt.Sprintf("cannot stat %s", path), err)
	}
	if info.ModTime().Equal(current.Mtime) {
		l.log.Debug("Change ignored, mtime unchanged", "path", path)
		return nil
	}

	f := current.clone()
	f.Mtime = info.ModTime()
	f.Content = nil
	f.SHA = ""
	f.ContentType = ""
	if !f.DoNotCache {
		if err := l.runPreprocess(ctx, f); err != nil {
			return err
		}
	}

	l.mu.Lock()
	pattern, idx, ok = l.findLocked(path)
	if ok {
		l.buckets[pattern][idx] = f
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	l.log.Info("Changed file", "path", path)
	l.scheduleModified()
	return nil
}

// RemoveFile drops a tracked file.
func (l *List) RemoveFile(_ context.Context, path string) error {
	l.mu.Lock()
	pattern, idx, ok := l.findLocked(path)
	if ok {
		bucket := l.buckets[pattern]
		l.buckets[pattern] = append(bucket[:idx:idx], bucket[idx+1:]...)
	}
	l.mu.Unlock()
	if !ok {
		l.log.Debug("Remove ignored, not in the list", "path", path)
		return nil
	}

	l.log.Info("Removed file", "path", path)
	l.scheduleModified()
	return nil
}

func (l *List) begin() {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
}

func (l *List) end() {
	l.mu.Lock()
	l.inflight--
	flush := l.inflight == 0 && l.emitWhenIdle
	if flush {
		l.emitWhenIdle = false
	}
	l.mu.Unlock()
	if flush {
		l.scheduleModified()
	}
}

// scheduleModified (re)arms the batch timer, or emits right away without a
// batch interval.
func (l *List) scheduleModified() {
	if l.batch <= 0 {
		l.emit(l.Files())
		return
	}

	l.mu.Lock()
	l.batchGen++
	gen := l.batchGen
	l.timer.ClearTimeout(l.batchHandle)
	l.batchHandle = l.timer.SetTimeout(func() { l.fireBatch(gen) }, l.batch)
	l.mu.Unlock()
}

func (l *List) fireBatch(gen uint64) {
	l.mu.Lock()
	if gen != l.batchGen {
		l.mu.Unlock()
		return
	}
	l.batchHandle = nil
	if l.inflight > 0 {
		l.emitWhenIdle = true
		l.mu.Unlock()
		return
	}
	files := l.snapshotLocked()
	l.mu.Unlock()
	l.emit(files)
}

func (l *List) emit(files Files) {
	monitor.FileListModified.Inc()
	monitor.FileListFiles.Set(float64(len(files.Served)))
	l.emitter.Emit(consts.EventFileListModified, files)
}

// Personal.AI order the ending
