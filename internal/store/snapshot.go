package store

import (
	"sync"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
)

// Snapshot is an immutable view of one manifest generation. It stays valid,
// with all its segment files open, until Release.
type Snapshot struct {
	store *Store
	v     *version
	once  sync.Once
}

func (s *Snapshot) Release() {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		if s.store.closed {
			return
		}
		s.store.unrefLocked(s.v)
	})
}

func (s *Snapshot) Generation() uint64 {
	return s.v.manifest.Generation
}

// Manifest returns the snapshot's manifest. Callers must not modify it.
func (s *Snapshot) Manifest() *Manifest {
	return s.v.manifest
}

// Segments returns the readable segments in id order.
func (s *Snapshot) Segments() []SegmentView {
	return s.v.segments
}

func (s *Snapshot) LiveDocs() int {
	n := 0
	for _, seg := range s.v.segments {
		n += seg.DocCount() - len(seg.tombstones)
	}
	return n
}

// Lookup returns a live document by id.
func (s *Snapshot) Lookup(id uint64) (*index.Document, bool) {
	for _, seg := range s.v.segments {
		if doc, ok := seg.Doc(id); ok {
			if seg.Deleted(id) {
				return nil, false
			}
			return doc, true
		}
	}
	return nil, false
}

// FieldStats returns the live document count and the average token length
// of field, the collection statistics BM25 needs.
func (s *Snapshot) FieldStats(field index.Field) (int, float64) {
	var docs, total int64
	for _, seg := range s.v.segments {
		docs += int64(seg.DocCount())
		total += seg.FieldLenSum(field)
	}
	if docs == 0 {
		return 0, 0
	}
	return s.LiveDocs(), float64(total) / float64(docs)
}
