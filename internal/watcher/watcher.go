// Package watcher turns raw filesystem notifications into debounced logical
// events. Raw events for a path coalesce until the path has been quiet for
// the debounce window; the emitted event reflects the file as it is on disk
// at that moment. Removals and creations settling in the same cycle are
// paired into renames when the pairing is unambiguous.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
)

type pendingPath struct {
	root string
	ops  fsnotify.Op
	last time.Time
}

type Watcher struct {
	cfg      config.WatcherConfig
	walker   *walker.Walker
	ignore   walker.IgnoreConfig
	resolver Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	limiter  *rate.Limiter

	fsw       *fsnotify.Watcher
	roots     []string
	out       chan Event
	inject    chan fsnotify.Event
	injectErr chan error
	done      chan struct{}

	// Owned by the event loop.
	pending  map[string]*pendingPath
	rescans  map[string]struct{}
	watching map[string]struct{}
}

// New creates a watcher. The walker supplies ignore rules and directory
// discovery; resolver and m may be nil.
func New(cfg config.WatcherConfig, w *walker.Walker, ignore walker.IgnoreConfig, resolver Resolver, m *metrics.Metrics) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10000
	}
	perSecond := rate.Inf
	if cfg.RescanPerMin > 0 {
		perSecond = rate.Limit(float64(cfg.RescanPerMin) / 60)
	}
	return &Watcher{
		cfg:       cfg,
		walker:    w,
		ignore:    ignore,
		resolver:  resolver,
		metrics:   m,
		limiter:   rate.NewLimiter(perSecond, 1),
		out:       make(chan Event, max(cfg.QueueSize, 0)),
		inject:    make(chan fsnotify.Event),
		injectErr: make(chan error),
		done:      make(chan struct{}),
		pending:   make(map[string]*pendingPath),
		rescans:   make(map[string]struct{}),
		watching:  make(map[string]struct{}),
	}
}

// Events delivers logical events. A slow consumer blocks the watcher.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Done is closed when the event loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Start registers every non-ignored directory below roots and runs the
// event loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context, roots []string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	w.logger = logger.FromContext(ctx).With("component", "watcher")
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			fsw.Close()
			return fmt.Errorf("resolving watch root %s: %w", root, err)
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			fsw.Close()
			return apperrors.New(apperrors.KindTransient, "watch", abs, apperrors.ErrInvalidRoot)
		}
		w.roots = append(w.roots, abs)
	}
	// Longest root first so nested roots claim their own paths.
	sort.Slice(w.roots, func(i, j int) bool { return len(w.roots[i]) > len(w.roots[j]) })
	for _, root := range w.roots {
		w.register(ctx, root, root)
	}
	w.logger.Info("watcher started", "roots", w.roots, "directories", len(w.watching))
	go w.loop(ctx)
	return nil
}

// Inject feeds a synthetic raw notification through the same pipeline as
// real ones.
func (w *Watcher) Inject(ctx context.Context, ev fsnotify.Event) error {
	select {
	case w.inject <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return apperrors.ErrClosed
	}
}

// InjectError feeds a synthetic notification error, such as
// fsnotify.ErrEventOverflow.
func (w *Watcher) InjectError(ctx context.Context, err error) error {
	select {
	case w.injectErr <- err:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return apperrors.ErrClosed
	}
}

// register adds dir and every non-ignored directory below it.
func (w *Watcher) register(ctx context.Context, root, dir string) {
	w.add(dir)
	ignore := w.ignore
	ignore.Base = root
	ignore.Dirs = true
	stream := w.walker.Walk(ctx, []string{dir}, ignore)
	for e := range stream.Entries() {
		if e.Kind == walker.KindDir {
			w.add(e.Path)
		}
	}
	for _, d := range stream.Wait().Diagnostics {
		w.logger.Warn("directory not watched", "path", d.Path, "error", d.Err)
	}
}

func (w *Watcher) add(dir string) {
	if _, ok := w.watching[dir]; ok {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn("adding watch failed", "path", dir, "error", err)
		return
	}
	w.watching[dir] = struct{}{}
}

func (w *Watcher) rootOf(path string) string {
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer close(w.out)
	defer w.fsw.Close()

	ticker := time.NewTicker(max(w.cfg.Debounce/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.observe(ev)
		case ev := <-w.inject:
			w.observe(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.handleError(err)
		case err := <-w.injectErr:
			w.handleError(err)
		case now := <-ticker.C:
			if !w.settle(ctx, now) {
				return
			}
		}
	}
}

func (w *Watcher) observe(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(ev.Name)
	root := w.rootOf(path)
	if root == "" {
		return
	}
	if _, overflowing := w.rescans[root]; overflowing {
		return
	}
	p, ok := w.pending[path]
	if !ok {
		p = &pendingPath{root: root}
		w.pending[path] = p
	}
	p.ops |= ev.Op
	p.last = time.Now()
	if len(w.pending) > w.cfg.MaxPending {
		w.overflow(root, fmt.Errorf("%w: %d pending paths", apperrors.ErrOverflow, len(w.pending)))
	}
}

func (w *Watcher) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		for _, root := range w.roots {
			w.overflow(root, fmt.Errorf("%w: %v", apperrors.ErrOverflow, err))
		}
		return
	}
	w.logger.Error("watch error", "error", err)
}

// overflow drops everything pending for root and schedules a rescan of it.
func (w *Watcher) overflow(root string, cause error) {
	for path, p := range w.pending {
		if p.root == root {
			delete(w.pending, path)
		}
	}
	w.rescans[root] = struct{}{}
	if w.metrics != nil {
		w.metrics.WatchOverflowsTotal.Inc()
	}
	w.logger.Warn("watch overflow, falling back to rescan", "root", root, "error", cause)
}

// settle emits the events of every path that has been quiet for the
// debounce window. It returns false if ctx ended while delivering.
func (w *Watcher) settle(ctx context.Context, now time.Time) bool {
	for root := range w.rescans {
		if !w.limiter.Allow() {
			break
		}
		delete(w.rescans, root)
		if !w.emit(ctx, Event{Kind: Rescan, Path: root, Root: root, IsDir: true, At: now}) {
			return false
		}
	}

	var ready []string
	for path, p := range w.pending {
		if now.Sub(p.last) >= w.cfg.Debounce {
			ready = append(ready, path)
		}
	}
	if len(ready) == 0 {
		return true
	}
	sort.Strings(ready)

	var removed, created, other []Event
	for _, path := range ready {
		p := w.pending[path]
		delete(w.pending, path)
		ev, ok := w.resolve(ctx, path, p, now)
		if !ok {
			continue
		}
		switch {
		case ev.Kind == Removed:
			removed = append(removed, ev)
		case ev.Kind == Created && !ev.IsDir:
			created = append(created, ev)
		default:
			other = append(other, ev)
		}
	}

	events := append(other, w.pair(removed, created)...)
	for _, ev := range events {
		if !w.emit(ctx, ev) {
			return false
		}
	}
	return true
}

// resolve stats path to decide what its pending notifications amount to.
func (w *Watcher) resolve(ctx context.Context, path string, p *pendingPath, now time.Time) (Event, bool) {
	ev := Event{Path: path, Root: p.root, At: now}
	ignore := walker.IgnoreConfig{Excludes: w.ignore.Excludes, IncludeHidden: w.ignore.IncludeHidden, Base: p.root}
	info, err := os.Lstat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("stat after change failed", "path", path, "error", err)
		}
		delete(w.watching, path)
		ev.Kind = Removed
		return ev, !w.walker.Ignored(ignore, path, false)
	}
	ev.IsDir = info.IsDir()
	if w.walker.Ignored(ignore, path, ev.IsDir) {
		return ev, false
	}
	if ev.IsDir {
		if _, known := w.watching[path]; known {
			return ev, false
		}
		w.register(ctx, p.root, path)
		ev.Kind = Rescan
		return ev, true
	}
	ev.Size = info.Size()
	ev.ModTime = info.ModTime()
	ev.Inode = walker.Inode(info)
	ev.Kind = Modified
	if p.ops&(fsnotify.Create|fsnotify.Rename) != 0 {
		ev.Kind = Created
	}
	return ev, true
}

// pair turns removal/creation pairs into renames. A removal pairs with the
// creation carrying the same non-zero inode; failing that, with the single
// creation whose size and modification time match. Ambiguous candidates
// stay unpaired and are delivered as separate events.
func (w *Watcher) pair(removed, created []Event) []Event {
	if len(removed) == 0 || len(created) == 0 || w.resolver == nil {
		return append(removed, created...)
	}
	claimed := make([]int, len(created))
	match := make([]int, len(removed))
	for i, r := range removed {
		match[i] = -1
		known, ok := w.resolver.Resolve(r.Path)
		if !ok {
			continue
		}
		if known.Inode != 0 {
			for j, c := range created {
				if c.Inode == known.Inode {
					match[i] = j
					break
				}
			}
		}
		if match[i] >= 0 {
			claimed[match[i]]++
			continue
		}
		candidate, n := -1, 0
		for j, c := range created {
			if c.Size == known.Size && c.ModTime.UnixNano() == known.ModTime {
				candidate = j
				n++
			}
		}
		if n == 1 {
			match[i] = candidate
			claimed[candidate]++
		}
	}

	var out []Event
	paired := make([]bool, len(created))
	for i, r := range removed {
		j := match[i]
		if j < 0 || claimed[j] != 1 {
			out = append(out, r)
			continue
		}
		c := created[j]
		paired[j] = true
		c.Kind = Renamed
		c.OldPath = r.Path
		out = append(out, c)
	}
	for j, c := range created {
		if !paired[j] {
			out = append(out, c)
		}
	}
	return out
}

func (w *Watcher) emit(ctx context.Context, ev Event) bool {
	select {
	case w.out <- ev:
		if w.metrics != nil {
			w.metrics.WatchEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
		}
		return true
	case <-ctx.Done():
		return false
	}
}
