// Package walker traverses directory trees in parallel. Workers pull
// directories from an explicit queue, resolve hierarchical ignore rules and
// stream the surviving files; unreadable directories are skipped and
// reported in the summary instead of failing the walk.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/resilience"
)

// Kind is the type of a filesystem entry.
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// KindFromMode derives the Kind from an os.FileMode.
func KindFromMode(mode os.FileMode) Kind {
	switch {
	case mode.IsRegular():
		return KindFile
	case mode.IsDir():
		return KindDir
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	default:
		return KindOther
	}
}

// FileEntry describes one discovered file.
type FileEntry struct {
	Path    string
	Root    string
	Size    int64
	ModTime time.Time
	Kind    Kind
	Inode   uint64
}

// Diagnostic records a non-fatal problem met during the walk.
type Diagnostic struct {
	Path string
	Op   string
	Kind apperrors.Kind
	Err  error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s: %v", d.Op, d.Path, d.Err)
}

// Summary aggregates a finished walk.
type Summary struct {
	Roots        []string
	ValidRoots   []string
	DirsScanned  int
	FilesEmitted int
	SkippedDirs  int
	SkippedPaths []string
	TotalBytes   int64
	Elapsed      time.Duration
	Diagnostics  []Diagnostic
}

// IgnoreConfig adjusts ignore handling for a single walk on top of the
// walker configuration.
type IgnoreConfig struct {
	Excludes      []string
	IncludeHidden bool
	// Base is the directory ignore rules are anchored at when the walk
	// starts below it (a subtree rescan). Ignore files between Base and the
	// walked root apply as if the walk had started at Base.
	Base string
	// Dirs also emits an entry for every traversed directory below a root.
	Dirs bool
}

type Walker struct {
	cfg     config.WalkerConfig
	metrics *metrics.Metrics
	readDir func(name string) ([]os.DirEntry, error)
}

// New creates a Walker. m may be nil.
func New(cfg config.WalkerConfig, m *metrics.Metrics) *Walker {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Walker{cfg: cfg, metrics: m, readDir: os.ReadDir}
}

type dirTask struct {
	path      string
	root      string
	rel       []string
	rules     *Rules
	links     int
	ancestors []os.FileInfo
}

// Stream is one running walk.
type Stream struct {
	entries chan FileEntry
	done    chan struct{}
	started time.Time
	summary Summary
}

// Started is when the walk began. Files indexed after this instant may be
// missing from the walk without having been deleted.
func (s *Stream) Started() time.Time {
	return s.started
}

// Entries yields discovered files. It is closed when the walk ends. The
// consumer must drain it or cancel the walk's context.
func (s *Stream) Entries() <-chan FileEntry {
	return s.entries
}

// Wait blocks until the walk has finished and returns its summary.
func (s *Stream) Wait() Summary {
	<-s.done
	return s.summary
}

type walk struct {
	w       *Walker
	ctx     context.Context
	logger  *slog.Logger
	queue   *dirQueue
	out     chan FileEntry
	ignore  IgnoreConfig
	global  *Rules
	scanned atomic.Int64
	files   atomic.Int64
	bytes   atomic.Int64

	mu      sync.Mutex
	skipped []string
	diags   []Diagnostic
}

// Walk starts a fresh traversal of roots. Nothing beyond the pending
// directory queue is held in memory.
func (w *Walker) Walk(ctx context.Context, roots []string, ignore IgnoreConfig) *Stream {
	s := &Stream{
		entries: make(chan FileEntry, w.cfg.BufferSize),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	excludes := slices.Concat(w.cfg.Excludes, ignore.Excludes)
	ignore.IncludeHidden = ignore.IncludeHidden || w.cfg.IncludeHidden
	if ignore.Base != "" {
		if abs, err := filepath.Abs(ignore.Base); err == nil {
			ignore.Base = abs
		}
	}
	wk := &walk{
		w:      w,
		ctx:    ctx,
		logger: logger.FromContext(ctx).With("component", "walker"),
		queue:  newDirQueue(),
		out:    s.entries,
		ignore: ignore,
		global: NewRules(excludes),
	}
	go wk.run(roots, s)
	return s
}

func (wk *walk) run(roots []string, s *Stream) {
	start := time.Now()
	defer close(s.done)
	defer close(wk.out)

	var valid []string
	for _, root := range roots {
		if task, ok := wk.rootTask(root); ok {
			valid = append(valid, task.path)
			wk.queue.push(task)
		}
	}
	stop := context.AfterFunc(wk.ctx, wk.queue.close)
	defer stop()

	g := new(errgroup.Group)
	for i := 0; i < wk.w.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				task, ok := wk.queue.pop()
				if !ok {
					return nil
				}
				wk.visit(task)
				wk.queue.done()
			}
		})
	}
	g.Wait()

	wk.mu.Lock()
	defer wk.mu.Unlock()
	s.summary = Summary{
		Roots:        roots,
		ValidRoots:   valid,
		DirsScanned:  int(wk.scanned.Load()),
		FilesEmitted: int(wk.files.Load()),
		SkippedDirs:  len(wk.skipped),
		SkippedPaths: wk.skipped,
		TotalBytes:   wk.bytes.Load(),
		Elapsed:      time.Since(start),
		Diagnostics:  wk.diags,
	}
	wk.logger.Debug("walk finished",
		"dirs", s.summary.DirsScanned,
		"files", s.summary.FilesEmitted,
		"skipped", s.summary.SkippedDirs,
		"elapsed", s.summary.Elapsed,
	)
}

func (wk *walk) rootTask(root string) (dirTask, bool) {
	abs, err := filepath.Abs(root)
	if err != nil {
		wk.diagnose(root, "resolve root", apperrors.KindTransient, fmt.Errorf("%w: %v", apperrors.ErrInvalidRoot, err))
		return dirTask{}, false
	}
	info, err := os.Stat(abs)
	if err != nil {
		wk.diagnose(abs, "stat root", apperrors.KindTransient, fmt.Errorf("%w: %v", apperrors.ErrInvalidRoot, err))
		return dirTask{}, false
	}
	if !info.IsDir() {
		wk.diagnose(abs, "stat root", apperrors.KindTransient, fmt.Errorf("%w: not a directory", apperrors.ErrInvalidRoot))
		return dirTask{}, false
	}
	task := dirTask{path: abs, root: abs, rules: wk.global}
	if wk.ignore.Base != "" {
		rules, rel, ignored, err := wk.w.chain(wk.global, wk.ignore, abs)
		if err != nil {
			wk.diagnose(abs, "resolve ignore rules", apperrors.KindTransient, err)
		}
		if ignored {
			return dirTask{}, false
		}
		task.rules, task.rel = rules, rel
	}
	if wk.w.cfg.FollowSymlinks {
		task.ancestors = []os.FileInfo{info}
	}
	return task, true
}

// chain resolves the rules in effect for the entries of dir's parent by
// reading ignore files from ignore.Base down to it. rel is dir relative to
// Base. ignored reports that dir or one of its ancestors is excluded.
func (w *Walker) chain(global *Rules, ignore IgnoreConfig, dir string) (rules *Rules, rel []string, ignored bool, err error) {
	rules = global
	relPath, relErr := filepath.Rel(ignore.Base, dir)
	if relErr != nil || relPath == "." || strings.HasPrefix(relPath, "..") {
		return rules, nil, false, relErr
	}
	cur := ignore.Base
	parts := strings.Split(relPath, string(filepath.Separator))
	for _, part := range parts {
		lines, readErr := w.ignoreLines(cur)
		if readErr != nil {
			err = readErr
		}
		rules = rules.Child(rel, lines)
		rel = append(slices.Clip(rel), part)
		if w.excluded(rules, rel, part, true, ignore) {
			return rules, rel, true, err
		}
		cur = filepath.Join(cur, part)
	}
	return rules, rel, false, err
}

// Ignored reports whether path would be skipped by a walk rooted at
// ignore.Base.
func (w *Walker) Ignored(ignore IgnoreConfig, path string, isDir bool) bool {
	ignore.IncludeHidden = ignore.IncludeHidden || w.cfg.IncludeHidden
	global := NewRules(slices.Concat(w.cfg.Excludes, ignore.Excludes))
	parentRules, rel, ignored, _ := w.chain(global, ignore, filepath.Dir(path))
	if ignored {
		return true
	}
	if filepath.Clean(path) == filepath.Clean(ignore.Base) {
		return false
	}
	lines, _ := w.ignoreLines(filepath.Dir(path))
	name := filepath.Base(path)
	return w.excluded(parentRules.Child(rel, lines), append(slices.Clip(rel), name), name, isDir, ignore)
}

func (w *Walker) excluded(rules *Rules, rel []string, name string, isDir bool, ignore IgnoreConfig) bool {
	match := rules.Match(rel, isDir)
	if match == gitignore.Exclude {
		return true
	}
	return isHidden(name) && !ignore.IncludeHidden && match != gitignore.Include
}

func (w *Walker) ignoreLines(dir string) ([]string, error) {
	var lines []string
	var errs []error
	for _, name := range w.cfg.IgnoreFiles {
		l, err := readIgnoreFile(dir, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lines = append(lines, l...)
	}
	return lines, errors.Join(errs...)
}

func (wk *walk) visit(task dirTask) {
	if wk.ctx.Err() != nil {
		return
	}
	var entries []os.DirEntry
	err := resilience.WithTimeout(wk.ctx, wk.w.cfg.DirTimeout, "read dir", func(context.Context) error {
		var readErr error
		entries, readErr = wk.w.readDir(task.path)
		return readErr
	})
	if err != nil {
		if wk.ctx.Err() != nil {
			return
		}
		wk.skipDir(task.path, err)
		return
	}
	wk.scanned.Add(1)
	if wk.w.metrics != nil {
		wk.w.metrics.DirsScannedTotal.Inc()
	}

	lines, err := wk.w.ignoreLines(task.path)
	if err != nil {
		wk.diagnose(task.path, "read ignore file", apperrors.KindTransient, err)
	}
	rules := task.rules.Child(task.rel, lines)

	for _, e := range entries {
		if wk.ctx.Err() != nil {
			return
		}
		wk.classify(task, rules, e)
	}
}

func (wk *walk) classify(task dirTask, rules *Rules, e os.DirEntry) {
	name := e.Name()
	path := filepath.Join(task.path, name)
	rel := append(slices.Clip(task.rel), name)
	kind := KindFromMode(e.Type())

	var target os.FileInfo
	if kind == KindSymlink && wk.w.cfg.FollowSymlinks {
		info, err := os.Stat(path)
		if err != nil {
			wk.diagnose(path, "follow symlink", apperrors.KindTransient, err)
			return
		}
		target = info
	}
	isDir := kind == KindDir || (target != nil && target.IsDir())

	if wk.w.excluded(rules, rel, name, isDir, wk.ignore) {
		return
	}

	if isDir {
		if wk.ignore.Dirs {
			wk.emit(FileEntry{Path: path, Root: task.root, Kind: KindDir})
		}
		child := dirTask{path: path, root: task.root, rel: rel, rules: rules, links: task.links}
		if wk.w.cfg.FollowSymlinks {
			info := target
			if info == nil {
				var err error
				if info, err = e.Info(); err != nil {
					wk.diagnose(path, "stat dir", apperrors.KindTransient, err)
					return
				}
			}
			if target != nil {
				child.links++
				if child.links > wk.w.cfg.MaxSymlinkDepth {
					wk.diagnose(path, "follow symlink", apperrors.KindTransient, fmt.Errorf("symlink depth exceeds %d", wk.w.cfg.MaxSymlinkDepth))
					return
				}
				for _, anc := range task.ancestors {
					if os.SameFile(anc, info) {
						wk.diagnose(path, "follow symlink", apperrors.KindTransient, errors.New("symlink loop"))
						return
					}
				}
			}
			child.ancestors = append(slices.Clip(task.ancestors), info)
		}
		wk.queue.push(child)
		return
	}

	info := target
	if info == nil {
		var err error
		if info, err = e.Info(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				wk.diagnose(path, "stat file", apperrors.KindTransient, err)
			}
			return
		}
		if kind != KindFile && kind != KindSymlink {
			return
		}
	} else if !info.Mode().IsRegular() {
		return
	}
	wk.emit(FileEntry{
		Path:    path,
		Root:    task.root,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Kind:    KindFromMode(info.Mode()),
		Inode:   Inode(info),
	})
}

func (wk *walk) emit(entry FileEntry) {
	select {
	case wk.out <- entry:
		if entry.Kind == KindDir {
			return
		}
		wk.files.Add(1)
		wk.bytes.Add(entry.Size)
		if wk.w.metrics != nil {
			wk.w.metrics.FilesDiscovered.Inc()
		}
	case <-wk.ctx.Done():
	}
}

func (wk *walk) skipDir(path string, err error) {
	reason := "io"
	switch {
	case errors.Is(err, fs.ErrPermission):
		reason = "permission"
		err = fmt.Errorf("%w: %v", apperrors.ErrPermissionDenied, err)
	case errors.Is(err, apperrors.ErrTimeout):
		reason = "timeout"
	}
	wk.logger.Warn("skipping directory", "path", path, "reason", reason, "error", err)
	if wk.w.metrics != nil {
		wk.w.metrics.DirsSkippedTotal.WithLabelValues(reason).Inc()
	}
	wk.mu.Lock()
	wk.skipped = append(wk.skipped, path)
	wk.mu.Unlock()
	wk.diagnose(path, "read dir", apperrors.KindTransient, err)
}

func (wk *walk) diagnose(path, op string, kind apperrors.Kind, err error) {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	wk.diags = append(wk.diags, Diagnostic{Path: path, Op: op, Kind: kind, Err: err})
}
