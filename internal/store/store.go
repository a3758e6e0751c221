// Package store persists segments and the manifest and hands out refcounted
// snapshots. A superseded segment is closed and deleted only after the last
// snapshot that can see it is released.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store/segment"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
)

var segmentPattern = regexp.MustCompile(`^seg-(\d+)\.sseg$`)

// handle tracks how many versions reference an open segment.
type handle struct {
	reader *segment.Reader
	refs   int
	live   bool
}

type version struct {
	manifest *Manifest
	segments []SegmentView
	refs     int
}

// SegmentView is a segment together with the tombstones recorded against it
// in one manifest generation.
type SegmentView struct {
	*segment.Reader
	tombstones []uint64
}

// Deleted reports whether docID is tombstoned in this view.
func (v SegmentView) Deleted(docID uint64) bool {
	_, found := slices.BinarySearch(v.tombstones, docID)
	return found
}

// Tombstones returns the sorted tombstoned ids. Callers must not modify it.
func (v SegmentView) Tombstones() []uint64 {
	return v.tombstones
}

// CorruptSegment is a manifest segment that could not be opened.
type CorruptSegment struct {
	ID   uint64
	Path string
	Err  error
}

// Stats summarises the current version.
type Stats struct {
	Documents  int
	Segments   int
	Tombstones int
	SizeBytes  int64
	Generation uint64
	Corrupt    int
}

type Store struct {
	dir     string
	keep    int
	writer  *segment.Writer
	logger  *slog.Logger
	metrics *metrics.Metrics

	commitMu  sync.Mutex
	nextSegID atomic.Uint64

	mu      sync.Mutex
	current *version
	handles map[uint64]*handle
	corrupt map[uint64]CorruptSegment
	closed  bool
}

// Open loads the newest manifest that verifies, opens its segments and
// removes leftovers of interrupted writes. m may be nil.
func Open(cfg config.IndexConfig, m *metrics.Metrics) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.KindFatal, "open index", cfg.Dir,
			fmt.Errorf("%w: %v", apperrors.ErrIndexUnwritable, err))
	}
	s := &Store{
		dir:     cfg.Dir,
		keep:    cfg.KeepManifests,
		writer:  segment.NewWriter(cfg.Dir),
		logger:  slog.Default().With("component", "store"),
		metrics: m,
		handles: make(map[uint64]*handle),
		corrupt: make(map[uint64]CorruptSegment),
	}
	if err := s.removeTempFiles(); err != nil {
		return nil, err
	}
	manifest, fellBack, err := s.loadManifest()
	if err != nil {
		return nil, err
	}
	var keepFrom uint64
	if fellBack {
		keepFrom = manifest.NextSegmentID
	}
	maxOnDisk, err := s.removeOrphans(manifest, keepFrom)
	if err != nil {
		return nil, err
	}
	s.nextSegID.Store(max(manifest.NextSegmentID, maxOnDisk+1, 1))

	opened := make(map[uint64]*handle, len(manifest.Segments))
	for _, ref := range manifest.Segments {
		path := filepath.Join(s.dir, segment.FileName(ref.ID))
		r, err := segment.OpenReader(path)
		if err != nil {
			s.logger.Error("segment unavailable, excluding from snapshots",
				"segment", ref.ID,
				"error", err,
			)
			s.corrupt[ref.ID] = CorruptSegment{ID: ref.ID, Path: path, Err: err}
			continue
		}
		opened[ref.ID] = &handle{reader: r}
	}
	s.install(manifest, opened)
	s.logger.Info("index opened",
		"dir", s.dir,
		"generation", manifest.Generation,
		"segments", len(manifest.Segments),
		"documents", manifest.LiveDocs,
		"corrupt", len(s.corrupt),
	)
	return s, nil
}

// loadManifest returns the newest manifest that verifies and whether an
// older generation had to be used.
func (s *Store) loadManifest() (*Manifest, bool, error) {
	gens, err := manifestGenerations(s.dir)
	if err != nil {
		return nil, false, err
	}
	if len(gens) == 0 {
		return &Manifest{NextDocID: 1, NextSegmentID: 1}, false, nil
	}
	for _, gen := range gens {
		path := filepath.Join(s.dir, manifestName(gen))
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("manifest unreadable, trying previous generation", "generation", gen, "error", err)
			continue
		}
		m, err := decodeManifest(data, path)
		if err != nil {
			s.logger.Warn("manifest invalid, trying previous generation", "generation", gen, "error", err)
			continue
		}
		if m.Generation != gen {
			s.logger.Warn("manifest generation does not match file name", "generation", gen, "recorded", m.Generation)
			continue
		}
		return m, gen != gens[0], nil
	}
	return nil, false, apperrors.New(apperrors.KindFatal, "open index", s.dir,
		fmt.Errorf("%w: %d manifests present, none verified", apperrors.ErrNoManifest, len(gens)))
}

func (s *Store) removeTempFiles() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("listing index directory: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			s.logger.Info("removing interrupted write", "file", e.Name())
			os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
	return nil
}

// removeOrphans deletes segment files the manifest does not reference.
// Segments with ids from keepFrom on were written after m and may hold the
// only copy of merged documents, so a non-zero keepFrom leaves them on disk
// until a later open no longer needs a fallback. It returns the highest
// segment id seen on disk.
func (s *Store) removeOrphans(m *Manifest, keepFrom uint64) (uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("listing index directory: %w", err)
	}
	var maxID uint64
	for _, e := range entries {
		match := segmentPattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		id, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		maxID = max(maxID, id)
		if keepFrom > 0 && id >= keepFrom {
			s.logger.Warn("keeping segment newer than fallback manifest", "segment", id)
			continue
		}
		if _, live := m.Segment(id); !live {
			s.logger.Info("removing orphan segment", "segment", id)
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.logger.Warn("removing orphan segment failed", "segment", id, "error", err)
			}
		}
	}
	return maxID, nil
}

// WriteSegment writes a new immutable segment. It becomes visible only once
// a Commit adds the returned ref.
func (s *Store) WriteSegment(docs []*index.Document, entries []index.TermEntry) (SegmentRef, error) {
	id := s.nextSegID.Add(1) - 1
	_, size, err := s.writer.Write(id, docs, entries)
	if err != nil {
		return SegmentRef{}, apperrors.New(apperrors.KindFatal, "write segment", s.dir,
			fmt.Errorf("%w: %v", apperrors.ErrIndexUnwritable, err))
	}
	return SegmentRef{ID: id, DocCount: len(docs), Size: size}, nil
}

// Discard deletes a written segment that will not be committed.
func (s *Store) Discard(id uint64) {
	if err := os.Remove(filepath.Join(s.dir, segment.FileName(id))); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("discarding segment failed", "segment", id, "error", err)
	}
}

// Commit applies edit as a new manifest generation. It is the only way the
// manifest changes. On failure the previous manifest stays current.
func (s *Store) Commit(edit Edit) (*Manifest, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.ErrClosed
	}
	cur := s.current.manifest
	s.mu.Unlock()
	if edit.empty() && edit.NextDocID <= cur.NextDocID {
		return cur.clone(), nil
	}

	next, err := cur.apply(edit, s.nextSegID.Load())
	if err != nil {
		return nil, fmt.Errorf("applying manifest edit: %w", err)
	}
	opened := make(map[uint64]*handle, len(edit.Add))
	closeOpened := func() {
		for _, h := range opened {
			h.reader.Close()
		}
	}
	for _, ref := range edit.Add {
		r, err := segment.OpenReader(filepath.Join(s.dir, segment.FileName(ref.ID)))
		if err != nil {
			closeOpened()
			return nil, fmt.Errorf("opening new segment %d: %w", ref.ID, err)
		}
		opened[ref.ID] = &handle{reader: r}
	}
	if err := writeManifest(s.dir, next); err != nil {
		closeOpened()
		return nil, apperrors.New(apperrors.KindFatal, "commit manifest", s.dir,
			fmt.Errorf("%w: %v", apperrors.ErrIndexUnwritable, err))
	}
	s.install(next, opened)
	s.pruneManifests(next.Generation)
	s.logger.Debug("manifest committed",
		"generation", next.Generation,
		"segments", len(next.Segments),
		"documents", next.LiveDocs,
	)
	return next.clone(), nil
}

// install makes next the current version and releases the store's reference
// on the previous one.
func (s *Store) install(next *Manifest, opened map[uint64]*handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range opened {
		s.handles[id] = h
	}
	for id, h := range s.handles {
		_, h.live = next.Segment(id)
	}
	for id, c := range s.corrupt {
		if _, live := next.Segment(id); !live {
			delete(s.corrupt, id)
			if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("removing dropped segment failed", "segment", id, "error", err)
			}
		}
	}

	v := &version{manifest: next, refs: 1}
	for _, ref := range next.Segments {
		h, ok := s.handles[ref.ID]
		if !ok {
			continue
		}
		h.refs++
		v.segments = append(v.segments, SegmentView{Reader: h.reader, tombstones: ref.Tombstones})
	}
	old := s.current
	s.current = v
	if old != nil {
		s.unrefLocked(old)
	}
	s.updateGauges(next)
}

func (s *Store) unrefLocked(v *version) {
	v.refs--
	if v.refs > 0 {
		return
	}
	for _, seg := range v.segments {
		h := s.handles[seg.ID()]
		if h == nil {
			continue
		}
		h.refs--
		if h.refs == 0 && !h.live {
			s.retire(h)
		}
	}
}

func (s *Store) retire(h *handle) {
	id := h.reader.ID()
	delete(s.handles, id)
	if err := h.reader.Close(); err != nil {
		s.logger.Warn("closing retired segment", "segment", id, "error", err)
	}
	if s.closed {
		return
	}
	if err := os.Remove(h.reader.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("deleting retired segment", "segment", id, "error", err)
		return
	}
	s.logger.Debug("segment reclaimed", "segment", id)
}

func (s *Store) pruneManifests(current uint64) {
	gens, err := manifestGenerations(s.dir)
	if err != nil {
		s.logger.Warn("listing manifests for pruning", "error", err)
		return
	}
	kept := 0
	for _, gen := range gens {
		if gen >= current {
			continue
		}
		kept++
		if kept <= s.keep {
			continue
		}
		os.Remove(filepath.Join(s.dir, manifestName(gen)))
	}
}

func (s *Store) updateGauges(m *Manifest) {
	if s.metrics == nil {
		return
	}
	s.metrics.LiveSegments.Set(float64(len(m.Segments)))
	s.metrics.LiveDocuments.Set(float64(m.LiveDocs))
	s.metrics.ManifestGeneration.Set(float64(m.Generation))
	s.metrics.CorruptSegments.Set(float64(len(s.corrupt)))
}

// Acquire pins the current version. The caller must Release the snapshot.
func (s *Store) Acquire() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.refs++
	return &Snapshot{store: s, v: s.current}
}

// Manifest returns a copy of the current manifest.
func (s *Store) Manifest() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.manifest.clone()
}

// Corrupt lists manifest segments excluded from snapshots.
func (s *Store) Corrupt() []CorruptSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CorruptSegment, 0, len(s.corrupt))
	for _, c := range s.corrupt {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b CorruptSegment) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.current.manifest
	st := Stats{
		Documents:  m.LiveDocs,
		Segments:   len(m.Segments),
		Generation: m.Generation,
		Corrupt:    len(s.corrupt),
	}
	for _, ref := range m.Segments {
		st.Tombstones += len(ref.Tombstones)
		st.SizeBytes += ref.Size
	}
	return st
}

func (s *Store) Dir() string {
	return s.dir
}

// Close releases every open segment. Outstanding snapshots must not be used
// afterwards.
func (s *Store) Close() error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for id, h := range s.handles {
		if err := h.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing segment %d: %w", id, err))
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}
