package indexer

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
)

// activeSegment marks catalog entries whose document is still in memory.
const activeSegment uint64 = 0

// CatalogEntry is the indexer's record of the live document for a path.
type CatalogEntry struct {
	DocID   uint64
	Segment uint64
	Size    int64
	ModTime int64
	Inode   uint64
	// Indexed is when the document was created.
	Indexed time.Time
}

// Catalog maps paths to their live documents. Only the writer goroutine
// mutates it; lookups may come from any goroutine.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]CatalogEntry)}
}

// rebuildCatalog reconstructs the catalog from the live documents of snap.
// If a path appears twice the newer document wins.
func rebuildCatalog(snap *store.Snapshot) *Catalog {
	c := NewCatalog()
	for _, seg := range snap.Segments() {
		for _, doc := range seg.Docs() {
			if seg.Deleted(doc.ID) {
				continue
			}
			if prev, ok := c.entries[doc.Path]; ok && prev.DocID > doc.ID {
				continue
			}
			c.entries[doc.Path] = CatalogEntry{
				DocID:   doc.ID,
				Segment: seg.ID(),
				Size:    doc.Size,
				ModTime: doc.ModTime,
				Inode:   doc.Inode,
				Indexed: time.Unix(0, doc.IndexedAt),
			}
		}
	}
	return c
}

func (c *Catalog) Get(path string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	return e, ok
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Catalog) put(path string, e CatalogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = e
}

func (c *Catalog) delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// Under returns the catalogued paths equal to or below dir.
func (c *Catalog) Under(dir string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for path := range c.entries {
		if isUnder(path, dir) {
			out = append(out, path)
		}
	}
	return out
}

// moveSegment re-points entries living in one of the from segments to
// segment to after a flush or merge. A non-nil only restricts the move to
// those document ids.
func (c *Catalog) moveSegment(from map[uint64]struct{}, to uint64, only map[uint64]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.entries {
		if _, ok := from[e.Segment]; !ok {
			continue
		}
		if only != nil {
			if _, ok := only[e.DocID]; !ok {
				continue
			}
		}
		e.Segment = to
		c.entries[path] = e
	}
}

// dropSegments forgets every path whose document lives in segs.
func (c *Catalog) dropSegments(segs map[uint64]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for path, e := range c.entries {
		if _, ok := segs[e.Segment]; ok {
			delete(c.entries, path)
			n++
		}
	}
	return n
}

// isUnder reports whether path is dir or lies below it.
func isUnder(path, dir string) bool {
	if path == dir {
		return true
	}
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)
	return strings.HasPrefix(path, prefix)
}
