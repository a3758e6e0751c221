package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/watcher"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
)

// catalogResolver answers the watcher's rename-pairing lookups from the
// indexer's path catalog.
type catalogResolver struct {
	catalog *indexer.Catalog
}

func (r catalogResolver) Resolve(path string) (watcher.Known, bool) {
	e, ok := r.catalog.Get(path)
	if !ok {
		return watcher.Known{}, false
	}
	return watcher.Known{Size: e.Size, ModTime: e.ModTime, Inode: e.Inode}, true
}

// Watch starts a watcher over roots whose events are applied to the index
// in the background. It returns once every directory is registered, so a
// scan started afterwards misses no change. ignore applies to the watched
// directories and to every overflow rescan. The pipeline runs until ctx is
// cancelled or the engine is closed.
func (e *Engine) Watch(ctx context.Context, roots []string, ignore walker.IgnoreConfig) error {
	w, err := e.startWatcher(ctx, roots, ignore)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consume(w, ignore)
	}()
	return nil
}

func (e *Engine) startWatcher(ctx context.Context, roots []string, ignore walker.IgnoreConfig) (*watcher.Watcher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperrors.ErrClosed
	}
	wctx, cancel := context.WithCancel(e.watchCtx)
	stop := context.AfterFunc(ctx, cancel)
	w := watcher.New(e.cfg.Watcher, e.walker, ignore, catalogResolver{e.indexer.Catalog()}, e.metrics)
	if err := w.Start(wctx, roots); err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("starting watcher: %w", err)
	}
	e.watchers = append(e.watchers, w)
	return w, nil
}

// consume applies events in arrival order and flushes whenever the queue
// runs dry, so a burst of changes lands in one segment. Indexer calls use
// the engine's background context: events already delivered are applied
// even while the watcher is shutting down.
func (e *Engine) consume(w *watcher.Watcher, ignore walker.IgnoreConfig) {
	log := slog.Default().With("component", "watch-pipeline")
	dirty := false
	events := w.Events()
	for {
		ev, ok := <-events
		if !ok {
			break
		}
		if err := e.apply(ev, ignore, log); err != nil {
			log.Error("applying watch event failed", "kind", ev.Kind.String(), "path", ev.Path, "error", err)
		}
		dirty = dirty || ev.Kind != watcher.Rescan
		if dirty && len(events) == 0 {
			if _, err := e.indexer.Flush(e.bg); err != nil {
				log.Error("flushing watch changes failed", "error", err)
			}
			dirty = false
		}
	}
	if dirty {
		if _, err := e.indexer.Flush(e.bg); err != nil {
			log.Error("flushing watch changes failed", "error", err)
		}
	}
	e.mu.Lock()
	for i, cur := range e.watchers {
		if cur == w {
			e.watchers = append(e.watchers[:i], e.watchers[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

func (e *Engine) apply(ev watcher.Event, ignore walker.IgnoreConfig, log *slog.Logger) error {
	switch ev.Kind {
	case watcher.Created, watcher.Modified:
		if old, ok := e.indexer.Catalog().Get(ev.Path); ok &&
			old.Size == ev.Size && old.ModTime == ev.ModTime.UnixNano() {
			return nil
		}
		doc := e.prepare(ev, log)
		return e.indexer.Upsert(e.bg, []*index.Document{doc}, indexer.OriginWatch)

	case watcher.Removed:
		n, err := e.indexer.Remove(e.bg, ev.Path)
		if n > 0 {
			log.Debug("removed from index", "path", ev.Path, "documents", n)
		}
		return err

	case watcher.Renamed:
		if ev.IsDir {
			if err := e.indexer.Rename(e.bg, ev.OldPath, nil, indexer.OriginWatch); err != nil {
				return err
			}
			return e.rescan(ev, ignore, log)
		}
		return e.indexer.Rename(e.bg, ev.OldPath, e.prepare(ev, log), indexer.OriginWatch)

	case watcher.Rescan:
		return e.rescan(ev, ignore, log)
	}
	return fmt.Errorf("unhandled watch event kind %s", ev.Kind)
}

func (e *Engine) prepare(ev watcher.Event, log *slog.Logger) *index.Document {
	doc, err := e.indexer.Prepare(walker.FileEntry{
		Path:    ev.Path,
		Root:    ev.Root,
		Size:    ev.Size,
		ModTime: ev.ModTime,
		Kind:    walker.KindFile,
		Inode:   ev.Inode,
	})
	if err != nil {
		log.Warn("content not indexed", "path", ev.Path, "error", err)
	}
	return doc
}

// rescan re-walks the subtree at ev.Path with the ignore rules anchored at
// its watch root. The indexer commits the result itself.
func (e *Engine) rescan(ev watcher.Event, ignore walker.IgnoreConfig, log *slog.Logger) error {
	stream := e.walker.Walk(e.bg, []string{ev.Path}, walker.IgnoreConfig{
		Excludes:      ignore.Excludes,
		IncludeHidden: ignore.IncludeHidden,
		Base:          ev.Root,
	})
	res, err := e.indexer.Scan(e.bg, stream)
	if err != nil {
		return err
	}
	log.Info("subtree rescanned",
		"path", ev.Path,
		"indexed", res.Indexed,
		"removed", res.Removed,
		"generation", res.Generation,
	)
	return nil
}
