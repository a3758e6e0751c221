package indexer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
)

var errMergeStale = errors.New("merge inputs changed before install")

// StartMergeLoop merges segments every index.mergeInterval until ctx is
// cancelled or the indexer is closed.
func (ix *Indexer) StartMergeLoop(ctx context.Context) {
	if ix.cfg.MergeInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ix.cancelMerge = cancel
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		ticker := time.NewTicker(ix.cfg.MergeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := ix.Merge(ctx); err != nil && !errors.Is(err, context.Canceled) {
					ix.logger.Error("background merge failed", "error", err)
				}
			}
		}
	}()
}

// Merge combines the index.mergeFactor smallest segments into one once at
// least that many are live. Tombstoned documents are dropped and document
// ids are preserved. The merged segment is computed off the writer and
// installed through it; tombstones recorded against the inputs while the
// merge ran are carried over. It reports whether a merge was installed.
func (ix *Indexer) Merge(ctx context.Context) (bool, error) {
	if !ix.merging.CompareAndSwap(false, true) {
		return false, nil
	}
	defer ix.merging.Store(false)

	snap := ix.store.Acquire()
	defer snap.Release()
	factor := max(ix.cfg.MergeFactor, 2)
	segs := slices.Clone(snap.Segments())
	if len(segs) < factor {
		return false, nil
	}
	sort.Slice(segs, func(i, j int) bool {
		li := segs[i].DocCount() - len(segs[i].Tombstones())
		lj := segs[j].DocCount() - len(segs[j].Tombstones())
		if li != lj {
			return li < lj
		}
		return segs[i].ID() < segs[j].ID()
	})
	inputs := segs[:factor]

	start := time.Now()
	docs, entries, err := mergeSegments(inputs)
	if err != nil {
		ix.metrics.MergesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("reading merge inputs: %w", err)
	}
	ids := make([]uint64, len(inputs))
	baseline := make(map[uint64][]uint64, len(inputs))
	for i, seg := range inputs {
		ids[i] = seg.ID()
		baseline[seg.ID()] = seg.Tombstones()
	}

	var ref *store.SegmentRef
	if len(docs) > 0 {
		written, err := ix.store.WriteSegment(docs, entries)
		if err != nil {
			ix.metrics.MergesTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("writing merged segment: %w", err)
		}
		ref = &written
	}
	err = ix.submit(ctx, "merge install", func() error {
		return ix.installMerge(ids, baseline, ref)
	})
	if err != nil {
		if ref != nil {
			ix.store.Discard(ref.ID)
		}
		if errors.Is(err, errMergeStale) {
			ix.metrics.MergesTotal.WithLabelValues("stale").Inc()
			return false, nil
		}
		ix.metrics.MergesTotal.WithLabelValues("error").Inc()
		return false, err
	}
	ix.metrics.MergesTotal.WithLabelValues("success").Inc()
	ix.logger.Info("segments merged",
		"inputs", ids,
		"docs", len(docs),
		"elapsed", time.Since(start),
	)
	return true, nil
}

func (ix *Indexer) installMerge(ids []uint64, baseline map[uint64][]uint64, ref *store.SegmentRef) error {
	cur := ix.store.Manifest()
	inputs := make(map[uint64]struct{}, len(ids))
	var carried []uint64
	for _, id := range ids {
		r, ok := cur.Segment(id)
		if !ok {
			return errMergeStale
		}
		for _, t := range r.Tombstones {
			if _, found := slices.BinarySearch(baseline[id], t); !found {
				carried = append(carried, t)
			}
		}
		inputs[id] = struct{}{}
	}

	edit := store.Edit{Remove: ids, NextDocID: ix.nextID}
	var added []uint64
	if ref != nil {
		edit.Add = []store.SegmentRef{*ref}
		if len(carried) > 0 {
			edit.Tombstones = map[uint64][]uint64{ref.ID: carried}
		}
		added = []uint64{ref.ID}
	}
	m, err := ix.store.Commit(edit)
	if err != nil {
		return fmt.Errorf("committing merge: %w", err)
	}

	var moved []uint64
	for id := range inputs {
		moved = append(moved, ix.pending[id]...)
		delete(ix.pending, id)
	}
	if ref != nil {
		if len(moved) > 0 {
			ix.pending[ref.ID] = append(ix.pending[ref.ID], moved...)
		}
		ix.catalog.moveSegment(inputs, ref.ID, nil)
	}
	ix.notify(Commit{
		Generation: m.Generation,
		Reason:     "merge",
		Added:      added,
		Removed:    ids,
		Documents:  m.LiveDocs,
		At:         time.Now(),
	})
	return nil
}

type termKey struct {
	field index.Field
	term  string
}

// mergeSegments collects the live documents and postings of segs.
func mergeSegments(segs []store.SegmentView) ([]*index.Document, []index.TermEntry, error) {
	var docs []*index.Document
	merged := make(map[termKey]index.PostingList)
	for _, seg := range segs {
		for _, d := range seg.Docs() {
			if !seg.Deleted(d.ID) {
				docs = append(docs, d)
			}
		}
		entries, err := seg.Entries()
		if err != nil {
			return nil, nil, fmt.Errorf("segment %d: %w", seg.ID(), err)
		}
		for _, e := range entries {
			k := termKey{e.Field, e.Term}
			for _, p := range e.Postings {
				if !seg.Deleted(p.DocID) {
					merged[k] = append(merged[k], p)
				}
			}
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	entries := make([]index.TermEntry, 0, len(merged))
	for k, postings := range merged {
		sort.Slice(postings, func(i, j int) bool { return postings[i].DocID < postings[j].DocID })
		entries = append(entries, index.TermEntry{Field: k.field, Term: k.term, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Field != entries[j].Field {
			return entries[i].Field < entries[j].Field
		}
		return entries[i].Term < entries[j].Term
	})
	return docs, entries, nil
}

// RepairResult reports what Repair dropped.
type RepairResult struct {
	Segments  []uint64
	Documents int
}

// Repair drops corrupt segments from the manifest. Their documents were
// never catalogued, so the next scan indexes those files again.
func (ix *Indexer) Repair(ctx context.Context) (RepairResult, error) {
	var res RepairResult
	err := ix.submit(ctx, "repair", func() error {
		corrupt := ix.store.Corrupt()
		if len(corrupt) == 0 {
			return nil
		}
		cur := ix.store.Manifest()
		drop := make(map[uint64]struct{}, len(corrupt))
		for _, c := range corrupt {
			res.Segments = append(res.Segments, c.ID)
			drop[c.ID] = struct{}{}
			if ref, ok := cur.Segment(c.ID); ok {
				res.Documents += ref.LiveDocs()
			}
		}
		m, err := ix.store.Commit(store.Edit{Remove: res.Segments, NextDocID: ix.nextID})
		if err != nil {
			return fmt.Errorf("committing repair: %w", err)
		}
		ix.catalog.dropSegments(drop)
		for id := range drop {
			delete(ix.pending, id)
		}
		ix.logger.Warn("corrupt segments dropped",
			"segments", res.Segments,
			"documents", res.Documents,
			"generation", m.Generation,
		)
		ix.notify(Commit{Generation: m.Generation, Reason: "repair", Removed: res.Segments, Documents: m.LiveDocs, At: time.Now()})
		return nil
	})
	return res, err
}
