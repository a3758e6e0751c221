// Package indexer turns file entries and change events into committed
// segments. Every mutation of the index runs on a single writer goroutine
// fed by a bounded queue; tokenization happens on worker goroutines before
// a mutation is enqueued.
package indexer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
)

// Origin labels where a document change came from.
type Origin string

const (
	OriginScan  Origin = "scan"
	OriginWatch Origin = "watch"
)

const sniffBytes = 512

// Commit describes one committed manifest generation.
type Commit struct {
	Generation uint64
	Reason     string
	Added      []uint64
	Removed    []uint64
	Documents  int
	Tombstones int
	At         time.Time
}

// CommitListener is notified on the writer goroutine after every commit.
// Implementations must not block.
type CommitListener interface {
	Committed(c Commit)
}

// ScanResult is the indexer's half of a scan summary.
type ScanResult struct {
	Walk        walker.Summary
	Indexed     int
	Unchanged   int
	Removed     int
	Diagnostics []walker.Diagnostic
	Generation  uint64
}

type mutation struct {
	name  string
	apply func() error
	done  chan error
}

type Indexer struct {
	cfg      config.IndexConfig
	workers  int
	batch    int
	store    *store.Store
	mem      *index.MemoryIndex
	catalog  *Catalog
	metrics  *metrics.Metrics
	logger   *slog.Logger
	listener CommitListener

	mutations   chan mutation
	stop        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
	closeErr    error
	merging     atomic.Bool
	cancelMerge context.CancelFunc
	wg          sync.WaitGroup

	// Owned by the writer goroutine.
	nextID  uint64
	pending map[uint64][]uint64
	dirty   bool
}

// New rebuilds the path catalog from st and starts the writer goroutine.
// listener may be nil.
func New(st *store.Store, cfg config.IndexConfig, icfg config.IndexerConfig, m *metrics.Metrics, listener CommitListener) *Indexer {
	if icfg.Workers <= 0 {
		icfg.Workers = runtime.NumCPU()
	}
	if icfg.BatchSize <= 0 {
		icfg.BatchSize = 256
	}
	snap := st.Acquire()
	catalog := rebuildCatalog(snap)
	snap.Release()

	ix := &Indexer{
		cfg:       cfg,
		workers:   icfg.Workers,
		batch:     icfg.BatchSize,
		store:     st,
		mem:       index.NewMemoryIndex(),
		catalog:   catalog,
		metrics:   m,
		logger:    slog.Default().With("component", "indexer"),
		listener:  listener,
		mutations: make(chan mutation, max(icfg.QueueSize, 0)),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		nextID:    max(st.Manifest().NextDocID, 1),
		pending:   make(map[uint64][]uint64),
	}
	ix.logger.Info("catalog rebuilt", "paths", catalog.Len(), "next_doc_id", ix.nextID)
	go ix.run()
	return ix
}

func (ix *Indexer) run() {
	defer close(ix.stopped)
	var tick <-chan time.Time
	if ix.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(ix.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case m := <-ix.mutations:
			m.done <- m.apply()
		case <-tick:
			if ix.dirty {
				if err := ix.flushLocked("interval"); err != nil {
					ix.logger.Error("periodic flush failed", "error", err)
				}
			}
		case <-ix.stop:
			return
		}
	}
}

// submit runs fn on the writer goroutine and waits for its result.
func (ix *Indexer) submit(ctx context.Context, name string, fn func() error) error {
	m := mutation{name: name, apply: fn, done: make(chan error, 1)}
	select {
	case ix.mutations <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-ix.stopped:
		return apperrors.ErrClosed
	}
	select {
	case err := <-m.done:
		return err
	case <-ix.stopped:
		select {
		case err := <-m.done:
			return err
		default:
			return apperrors.ErrClosed
		}
	}
}

// Catalog exposes the path catalog for lookups.
func (ix *Indexer) Catalog() *Catalog {
	return ix.catalog
}

// Pending returns the number of documents not yet flushed.
func (ix *Indexer) Pending() int {
	return ix.mem.DocCount()
}

// Prepare builds an unnumbered document for entry. Content is read only
// when content indexing is enabled and the file classifies as text. A
// content read failure still yields a filename-only document.
func (ix *Indexer) Prepare(entry walker.FileEntry) (*index.Document, error) {
	name := filepath.Base(entry.Path)
	doc := &index.Document{
		Path:       entry.Path,
		NameTokens: terms(tokenizer.NameTokens(name)),
		Category:   tokenizer.Classify(entry.Path, nil),
		Size:       entry.Size,
		ModTime:    entry.ModTime.UnixNano(),
		Inode:      entry.Inode,
		IndexedAt:  time.Now().UnixNano(),
	}
	if !ix.cfg.ContentIndexing || entry.Kind != walker.KindFile || entry.Size == 0 {
		return doc, nil
	}
	data, err := readContent(entry.Path, ix.cfg.MaxContentBytes)
	if err != nil {
		return doc, fmt.Errorf("reading content: %w", err)
	}
	doc.Category = tokenizer.Classify(entry.Path, data[:min(len(data), sniffBytes)])
	doc.ContentTokens = terms(tokenizer.Analyze(doc.Category, data))
	doc.ContentLen = len(doc.ContentTokens)
	return doc, nil
}

func readContent(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1 << 20
	}
	return io.ReadAll(io.LimitReader(f, limit))
}

func terms(tokens []tokenizer.Token) []string {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

// Scan indexes the entries of stream and reconciles the catalog against
// what the walk saw: unchanged files are skipped, and catalogued files
// under a walked root that were not seen are tombstoned, except below
// directories the walk had to skip and documents indexed after the walk
// started, which the walk may have passed before they existed. The result
// is committed before Scan returns.
func (ix *Indexer) Scan(ctx context.Context, stream *walker.Stream) (ScanResult, error) {
	log := logger.FromContext(ctx).With("component", "indexer")
	var (
		indexed   atomic.Int64
		unchanged atomic.Int64
		failed    atomic.Bool
		mu        sync.Mutex
		seen      = make(map[string]struct{})
		diags     []walker.Diagnostic
	)

	g := new(errgroup.Group)
	for i := 0; i < ix.workers; i++ {
		g.Go(func() error {
			batch := make([]*index.Document, 0, ix.batch)
			submitBatch := func() error {
				if len(batch) == 0 {
					return nil
				}
				docs := batch
				batch = make([]*index.Document, 0, ix.batch)
				err := ix.submit(ctx, "scan batch", func() error {
					return ix.upsertLocked(docs, OriginScan)
				})
				if err == nil {
					indexed.Add(int64(len(docs)))
				}
				return err
			}
			var firstErr error
			for entry := range stream.Entries() {
				if firstErr != nil || failed.Load() {
					continue
				}
				mu.Lock()
				seen[entry.Path] = struct{}{}
				mu.Unlock()
				if old, ok := ix.catalog.Get(entry.Path); ok &&
					old.Size == entry.Size && old.ModTime == entry.ModTime.UnixNano() {
					unchanged.Add(1)
					continue
				}
				doc, err := ix.Prepare(entry)
				if err != nil {
					mu.Lock()
					diags = append(diags, walker.Diagnostic{Path: entry.Path, Op: "read content", Kind: apperrors.KindTransient, Err: err})
					mu.Unlock()
				}
				batch = append(batch, doc)
				if len(batch) >= ix.batch {
					if firstErr = submitBatch(); firstErr != nil {
						failed.Store(true)
					}
				}
			}
			if firstErr != nil {
				return firstErr
			}
			return submitBatch()
		})
	}
	workErr := g.Wait()
	summary := stream.Wait()

	result := ScanResult{
		Walk:        summary,
		Indexed:     int(indexed.Load()),
		Unchanged:   int(unchanged.Load()),
		Diagnostics: diags,
	}
	if workErr != nil {
		return result, fmt.Errorf("indexing scan batches: %w", workErr)
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("scan cancelled: %w", err)
	}

	err := ix.submit(ctx, "scan reconcile", func() error {
		for _, root := range summary.ValidRoots {
			for _, path := range ix.catalog.Under(root) {
				if _, ok := seen[path]; ok {
					continue
				}
				if underAny(path, summary.SkippedPaths) {
					continue
				}
				entry, ok := ix.catalog.Get(path)
				if !ok || !entry.Indexed.Before(stream.Started()) {
					continue
				}
				ix.tombstone(path, entry)
				result.Removed++
			}
		}
		if err := ix.flushLocked("scan"); err != nil {
			return err
		}
		result.Generation = ix.store.Manifest().Generation
		return nil
	})
	if err != nil {
		return result, err
	}
	log.Info("scan indexed",
		"indexed", result.Indexed,
		"unchanged", result.Unchanged,
		"removed", result.Removed,
		"generation", result.Generation,
	)
	return result, nil
}

func underAny(path string, dirs []string) bool {
	for _, d := range dirs {
		if isUnder(path, d) {
			return true
		}
	}
	return false
}

// Upsert indexes prepared documents, replacing any documents already
// catalogued for the same paths.
func (ix *Indexer) Upsert(ctx context.Context, docs []*index.Document, origin Origin) error {
	return ix.submit(ctx, "upsert", func() error {
		return ix.upsertLocked(docs, origin)
	})
}

// Remove tombstones the document at path and, if path is a directory,
// every document below it. It returns the number of documents removed.
func (ix *Indexer) Remove(ctx context.Context, path string) (int, error) {
	var n int
	err := ix.submit(ctx, "remove", func() error {
		n = ix.removeLocked(path)
		return nil
	})
	return n, err
}

// Rename moves a document from oldPath to doc.Path in one mutation, so no
// snapshot sees the file missing. A nil doc (a renamed directory) only
// removes the old subtree; the caller re-scans the new location.
func (ix *Indexer) Rename(ctx context.Context, oldPath string, doc *index.Document, origin Origin) error {
	return ix.submit(ctx, "rename", func() error {
		ix.removeLocked(oldPath)
		if doc == nil {
			return nil
		}
		return ix.upsertLocked([]*index.Document{doc}, origin)
	})
}

// Flush commits the active segment and pending tombstones. It returns the
// manifest generation current afterwards.
func (ix *Indexer) Flush(ctx context.Context) (uint64, error) {
	var gen uint64
	err := ix.submit(ctx, "flush", func() error {
		if err := ix.flushLocked("explicit"); err != nil {
			return err
		}
		gen = ix.store.Manifest().Generation
		return nil
	})
	return gen, err
}

func (ix *Indexer) upsertLocked(docs []*index.Document, origin Origin) error {
	for _, doc := range docs {
		if old, ok := ix.catalog.Get(doc.Path); ok {
			ix.tombstone(doc.Path, old)
		}
		doc.ID = ix.nextID
		ix.nextID++
		ix.mem.AddDocument(doc)
		ix.catalog.put(doc.Path, CatalogEntry{
			DocID:   doc.ID,
			Segment: activeSegment,
			Size:    doc.Size,
			ModTime: doc.ModTime,
			Inode:   doc.Inode,
			Indexed: time.Now(),
		})
	}
	if len(docs) > 0 {
		ix.dirty = true
		ix.metrics.DocsIndexedTotal.WithLabelValues(string(origin)).Add(float64(len(docs)))
	}
	if (ix.cfg.FlushDocs > 0 && ix.mem.DocCount() >= ix.cfg.FlushDocs) ||
		(ix.cfg.FlushBytes > 0 && ix.mem.Size() >= ix.cfg.FlushBytes) {
		return ix.flushLocked("threshold")
	}
	return nil
}

func (ix *Indexer) removeLocked(path string) int {
	paths := ix.catalog.Under(path)
	for _, p := range paths {
		if entry, ok := ix.catalog.Get(p); ok {
			ix.tombstone(p, entry)
		}
	}
	return len(paths)
}

// tombstone deletes the live document of path. Unflushed documents are
// dropped from memory; flushed ones get a tombstone at the next commit.
func (ix *Indexer) tombstone(path string, entry CatalogEntry) {
	if entry.Segment == activeSegment {
		ix.mem.Remove(entry.DocID)
	} else {
		ix.pending[entry.Segment] = append(ix.pending[entry.Segment], entry.DocID)
		ix.metrics.TombstonesTotal.Inc()
	}
	ix.catalog.delete(path)
	ix.dirty = true
}

func (ix *Indexer) flushLocked(reason string) error {
	if ix.mem.DocCount() == 0 && len(ix.pending) == 0 {
		ix.dirty = false
		return nil
	}
	start := time.Now()
	edit := store.Edit{Tombstones: ix.pending, NextDocID: ix.nextID}
	docs, entries := ix.mem.Snapshot()
	var ref store.SegmentRef
	if len(docs) > 0 {
		var err error
		ref, err = ix.store.WriteSegment(docs, entries)
		if err != nil {
			ix.metrics.IndexFlushesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("flushing active segment: %w", err)
		}
		edit.Add = []store.SegmentRef{ref}
	}
	m, err := ix.store.Commit(edit)
	if err != nil {
		if len(docs) > 0 {
			ix.store.Discard(ref.ID)
		}
		ix.metrics.IndexFlushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("committing flush: %w", err)
	}

	tombstones := 0
	for _, ids := range ix.pending {
		tombstones += len(ids)
	}
	var added []uint64
	if len(docs) > 0 {
		ix.catalog.moveSegment(map[uint64]struct{}{activeSegment: {}}, ref.ID, nil)
		ix.mem.Reset()
		added = []uint64{ref.ID}
	}
	ix.pending = make(map[uint64][]uint64)
	ix.dirty = false

	ix.metrics.IndexFlushesTotal.WithLabelValues("success").Inc()
	ix.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	ix.logger.Info("segment flushed",
		"reason", reason,
		"segment", ref.ID,
		"docs", len(docs),
		"terms", len(entries),
		"tombstones", tombstones,
		"generation", m.Generation,
	)
	ix.notify(Commit{
		Generation: m.Generation,
		Reason:     reason,
		Added:      added,
		Documents:  m.LiveDocs,
		Tombstones: tombstones,
		At:         time.Now(),
	})
	return nil
}

func (ix *Indexer) notify(c Commit) {
	if ix.listener != nil {
		ix.listener.Committed(c)
	}
}

// Close stops background merging, flushes what is pending and stops the
// writer goroutine.
func (ix *Indexer) Close() error {
	ix.closeOnce.Do(func() {
		if ix.cancelMerge != nil {
			ix.cancelMerge()
		}
		ix.wg.Wait()
		if err := ix.submit(context.Background(), "close", func() error {
			return ix.flushLocked("close")
		}); err != nil {
			ix.logger.Error("final flush on close failed", "error", err)
			ix.closeErr = err
		}
		close(ix.stop)
		<-ix.stopped
	})
	return ix.closeErr
}
