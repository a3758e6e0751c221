package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
)

var manifestPattern = regexp.MustCompile(`^manifest-(\d+)\.json$`)

// SegmentRef is the manifest's record of one live segment.
type SegmentRef struct {
	ID         uint64   `json:"id"`
	DocCount   int      `json:"docs"`
	Size       int64    `json:"size"`
	Tombstones []uint64 `json:"tombstones,omitempty"`
}

// LiveDocs is the segment's document count minus its tombstones.
func (r SegmentRef) LiveDocs() int {
	return r.DocCount - len(r.Tombstones)
}

// Manifest describes one committed version of the index.
type Manifest struct {
	Generation    uint64       `json:"generation"`
	Segments      []SegmentRef `json:"segments"`
	LiveDocs      int          `json:"live_docs"`
	NextDocID     uint64       `json:"next_doc_id"`
	NextSegmentID uint64       `json:"next_segment_id"`
	CreatedAt     int64        `json:"created_at"`
}

// envelope is the file format: the checksum covers the exact body bytes.
type envelope struct {
	Checksum uint64          `json:"checksum"`
	Body     json.RawMessage `json:"body"`
}

func manifestName(gen uint64) string {
	return fmt.Sprintf("manifest-%d.json", gen)
}

// Segment returns the ref for id.
func (m *Manifest) Segment(id uint64) (SegmentRef, bool) {
	for _, ref := range m.Segments {
		if ref.ID == id {
			return ref, true
		}
	}
	return SegmentRef{}, false
}

func (m *Manifest) clone() *Manifest {
	c := *m
	c.Segments = make([]SegmentRef, len(m.Segments))
	for i, ref := range m.Segments {
		ref.Tombstones = slices.Clone(ref.Tombstones)
		c.Segments[i] = ref
	}
	return &c
}

// Edit is a change to the manifest. Commit applies it on top of the current
// manifest as a single new generation.
type Edit struct {
	Add        []SegmentRef
	Remove     []uint64
	Tombstones map[uint64][]uint64
	NextDocID  uint64
}

func (e Edit) empty() bool {
	return len(e.Add) == 0 && len(e.Remove) == 0 && len(e.Tombstones) == 0
}

func (m *Manifest) apply(e Edit, nextSegID uint64) (*Manifest, error) {
	next := m.clone()
	next.Generation++
	next.CreatedAt = time.Now().UnixNano()
	if e.NextDocID > next.NextDocID {
		next.NextDocID = e.NextDocID
	}
	if nextSegID > next.NextSegmentID {
		next.NextSegmentID = nextSegID
	}

	if len(e.Remove) > 0 {
		kept := next.Segments[:0]
		for _, ref := range next.Segments {
			if !slices.Contains(e.Remove, ref.ID) {
				kept = append(kept, ref)
			}
		}
		next.Segments = kept
	}
	for _, ref := range e.Add {
		if _, exists := next.Segment(ref.ID); exists {
			return nil, fmt.Errorf("segment %d already in manifest", ref.ID)
		}
		ref.Tombstones = slices.Clone(ref.Tombstones)
		next.Segments = append(next.Segments, ref)
	}
	sort.Slice(next.Segments, func(i, j int) bool { return next.Segments[i].ID < next.Segments[j].ID })

	for segID, docIDs := range e.Tombstones {
		i := slices.IndexFunc(next.Segments, func(r SegmentRef) bool { return r.ID == segID })
		if i < 0 {
			// The segment was merged away or dropped; its documents are gone.
			continue
		}
		ref := &next.Segments[i]
		for _, id := range docIDs {
			if pos, found := slices.BinarySearch(ref.Tombstones, id); !found {
				ref.Tombstones = slices.Insert(ref.Tombstones, pos, id)
			}
		}
	}

	next.LiveDocs = 0
	for _, ref := range next.Segments {
		next.LiveDocs += ref.LiveDocs()
	}
	return next, nil
}

func encodeManifest(m *Manifest) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return json.Marshal(envelope{Checksum: xxhash.Sum64(body), Body: body})
}

func decodeManifest(data []byte, path string) (*Manifest, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.New(apperrors.KindCorruption, "read manifest", path,
			fmt.Errorf("%w: %v", apperrors.ErrCorruptManifest, err))
	}
	if sum := xxhash.Sum64(env.Body); sum != env.Checksum {
		return nil, apperrors.New(apperrors.KindCorruption, "read manifest", path,
			fmt.Errorf("%w: checksum %x, recorded %x", apperrors.ErrCorruptManifest, sum, env.Checksum))
	}
	var m Manifest
	if err := json.Unmarshal(env.Body, &m); err != nil {
		return nil, apperrors.New(apperrors.KindCorruption, "read manifest", path,
			fmt.Errorf("%w: %v", apperrors.ErrCorruptManifest, err))
	}
	return &m, nil
}

// writeManifest makes m durable: tmp file, fsync, rename, directory fsync.
func writeManifest(dir string, m *Manifest) error {
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	finalPath := filepath.Join(dir, manifestName(m.Generation))
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing manifest: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming manifest: %w", err)
	}
	return segment.SyncDir(dir)
}

// manifestGenerations lists the generations present in dir, newest first.
func manifestGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing index directory: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		m := manifestPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		gen, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	return gens, nil
}
