package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store/segment"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
)

type recorder struct {
	mu      sync.Mutex
	commits []Commit
}

func (r *recorder) Committed(c Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, c)
}

type harness struct {
	t       *testing.T
	dir     string
	cfg     config.IndexConfig
	store   *store.Store
	ix      *Indexer
	walker  *walker.Walker
	commits *recorder
}

func newHarness(t *testing.T, tweak func(*config.IndexConfig)) *harness {
	t.Helper()
	cfg := config.IndexConfig{
		Dir:             filepath.Join(t.TempDir(), "index"),
		FlushDocs:       1000,
		FlushBytes:      1 << 30,
		MergeFactor:     2,
		KeepManifests:   2,
		MaxContentBytes: 1 << 20,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{
		t:   t,
		dir: cfg.Dir,
		cfg: cfg,
		walker: walker.New(config.WalkerConfig{
			Workers:     2,
			IgnoreFiles: []string{".gitignore"},
			DirTimeout:  time.Second,
		}, nil),
	}
	h.open()
	t.Cleanup(h.close)
	return h
}

func (h *harness) open() {
	st, err := store.Open(h.cfg, metrics.New())
	require.NoError(h.t, err)
	h.store = st
	h.commits = &recorder{}
	h.ix = New(st, h.cfg, config.IndexerConfig{Workers: 2, QueueSize: 4, BatchSize: 2}, metrics.New(), h.commits)
}

func (h *harness) close() {
	if h.ix != nil {
		h.ix.Close()
		h.store.Close()
		h.ix = nil
	}
}

func (h *harness) reopen() {
	h.close()
	h.open()
}

func (h *harness) scan(roots ...string) ScanResult {
	h.t.Helper()
	ctx := context.Background()
	res, err := h.ix.Scan(ctx, h.walker.Walk(ctx, roots, walker.IgnoreConfig{}))
	require.NoError(h.t, err)
	return res
}

func (h *harness) livePaths() []string {
	snap := h.store.Acquire()
	defer snap.Release()
	var paths []string
	for _, seg := range snap.Segments() {
		for _, d := range seg.Docs() {
			if !seg.Deleted(d.ID) {
				paths = append(paths, d.Path)
			}
		}
	}
	return paths
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestScanIndexesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		".gitignore": "*.tmp\n",
		"a.tmp":      "x",
		"b.txt":      "hello",
		"c/d.md":     "world",
	})

	first := h.scan(root)
	assert.Equal(t, 2, first.Indexed)
	assert.ElementsMatch(t, []string{filepath.Join(root, "b.txt"), filepath.Join(root, "c", "d.md")}, h.livePaths())

	second := h.scan(root)
	assert.Zero(t, second.Indexed)
	assert.Equal(t, 2, second.Unchanged)
	assert.Zero(t, second.Removed)
	assert.Equal(t, first.Generation, second.Generation, "an unchanged tree commits nothing")
	assert.ElementsMatch(t, []string{filepath.Join(root, "b.txt"), filepath.Join(root, "c", "d.md")}, h.livePaths())
}

func TestModifiedFileGetsNewDocument(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "one", "b.txt": "two"})
	h.scan(root)
	path := filepath.Join(root, "a.txt")
	before, ok := h.ix.Catalog().Get(path)
	require.True(t, ok)
	statsBefore := h.store.Stats()

	require.NoError(t, os.WriteFile(path, []byte("changed content"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	res := h.scan(root)

	assert.Equal(t, 1, res.Indexed)
	after, ok := h.ix.Catalog().Get(path)
	require.True(t, ok)
	assert.Greater(t, after.DocID, before.DocID)

	statsAfter := h.store.Stats()
	assert.Equal(t, statsBefore.Documents, statsAfter.Documents)
	assert.Equal(t, statsBefore.Tombstones+1, statsAfter.Tombstones)
}

func TestDeletedFileIsTombstoned(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "1", "sub/b.txt": "2"})
	h.scan(root)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "sub")))
	res := h.scan(root)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []string{filepath.Join(root, "a.txt")}, h.livePaths())
}

func TestScanOfOneRootLeavesOthersAlone(t *testing.T) {
	h := newHarness(t, nil)
	a, b := t.TempDir(), t.TempDir()
	writeFiles(t, a, map[string]string{"one.txt": "1"})
	writeFiles(t, b, map[string]string{"two.txt": "2"})
	h.scan(a, b)
	res := h.scan(a)
	assert.Zero(t, res.Removed)
	assert.Len(t, h.livePaths(), 2)
}

func TestCatalogSurvivesReopen(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "1", "b.txt": "2"})
	h.scan(root)
	h.reopen()
	assert.Equal(t, 2, h.ix.Catalog().Len())
	res := h.scan(root)
	assert.Equal(t, 2, res.Unchanged)
	assert.Zero(t, res.Indexed)
}

func TestRenameIsSingleMutation(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"report.txt": "q3"})
	h.scan(root)

	oldPath := filepath.Join(root, "report.txt")
	newPath := filepath.Join(root, "report_final.txt")
	require.NoError(t, os.Rename(oldPath, newPath))
	info, err := os.Stat(newPath)
	require.NoError(t, err)
	doc, err := h.ix.Prepare(walker.FileEntry{Path: newPath, Size: info.Size(), ModTime: info.ModTime(), Kind: walker.KindFile})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.ix.Rename(ctx, oldPath, doc, OriginWatch))
	_, err = h.ix.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{newPath}, h.livePaths())
	_, ok := h.ix.Catalog().Get(oldPath)
	assert.False(t, ok)
}

func TestScanKeepsFilesIndexedDuringWalk(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "alpha"})
	ctx := context.Background()

	stream := h.walker.Walk(ctx, []string{root}, walker.IgnoreConfig{})
	time.Sleep(20 * time.Millisecond)

	newPath := filepath.Join(root, "new.txt")
	require.NoError(t, os.WriteFile(newPath, []byte("fresh"), 0o644))
	info, err := os.Stat(newPath)
	require.NoError(t, err)
	doc, err := h.ix.Prepare(walker.FileEntry{Path: newPath, Root: root, Size: info.Size(), ModTime: info.ModTime(), Kind: walker.KindFile})
	require.NoError(t, err)
	require.NoError(t, h.ix.Upsert(ctx, []*index.Document{doc}, OriginWatch))

	res, err := h.ix.Scan(ctx, stream)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.ElementsMatch(t, []string{filepath.Join(root, "a.txt"), newPath}, h.livePaths())

	require.NoError(t, os.Remove(newPath))
	res = h.scan(root)
	assert.Equal(t, 1, res.Removed, "a later walk still reconciles the file")
	assert.Equal(t, []string{filepath.Join(root, "a.txt")}, h.livePaths())
}

func TestRemoveDirectoryPrefix(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"docs/a.md": "", "docs/deep/b.md": "", "docsx/c.md": ""})
	h.scan(root)
	n, err := h.ix.Remove(context.Background(), filepath.Join(root, "docs"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = h.ix.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "docsx", "c.md")}, h.livePaths())
}

func TestThresholdFlush(t *testing.T) {
	h := newHarness(t, func(c *config.IndexConfig) { c.FlushDocs = 2 })
	docs := []*index.Document{
		{Path: "/x/a", NameTokens: []string{"a"}},
		{Path: "/x/b", NameTokens: []string{"b"}},
		{Path: "/x/c", NameTokens: []string{"c"}},
	}
	require.NoError(t, h.ix.Upsert(context.Background(), docs[:2], OriginWatch))
	require.NoError(t, h.ix.Upsert(context.Background(), docs[2:], OriginWatch))
	assert.Equal(t, 1, h.store.Stats().Segments)
	assert.Equal(t, 1, h.ix.Pending())
}

func TestCloseFlushesActiveSegment(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ix.Upsert(context.Background(), []*index.Document{{Path: "/x/a", NameTokens: []string{"a"}}}, OriginWatch))
	h.reopen()
	assert.Equal(t, []string{"/x/a"}, h.livePaths())
	assert.Equal(t, uint64(2), h.store.Manifest().NextDocID)
}

func TestContentIndexing(t *testing.T) {
	h := newHarness(t, func(c *config.IndexConfig) { c.ContentIndexing = true })
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"notes.txt": "annual budget meeting",
		"image.png": "\x89PNG\r\n\x1a\nbudget",
	})
	h.scan(root)

	snap := h.store.Acquire()
	defer snap.Release()
	require.Len(t, snap.Segments(), 1)
	postings, err := snap.Segments()[0].Postings(index.FieldContent, "budget")
	require.NoError(t, err)
	require.Len(t, postings, 1)
	doc, ok := snap.Lookup(postings[0].DocID)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "notes.txt"), doc.Path)
	assert.Equal(t, 3, doc.ContentLen)
}

func TestMergePreservesIDs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, name := range []string{"/m/a.txt", "/m/b.txt", "/m/c.txt"} {
		require.NoError(t, h.ix.Upsert(ctx, []*index.Document{{Path: name, NameTokens: []string{filepath.Base(name)}}}, OriginScan))
		_, err := h.ix.Flush(ctx)
		require.NoError(t, err)
	}
	before, _ := h.ix.Catalog().Get("/m/a.txt")
	_, err := h.ix.Remove(ctx, "/m/b.txt")
	require.NoError(t, err)
	_, err = h.ix.Flush(ctx)
	require.NoError(t, err)

	merged, err := h.ix.Merge(ctx)
	require.NoError(t, err)
	require.True(t, merged)
	assert.Equal(t, 2, h.store.Stats().Segments)

	after, ok := h.ix.Catalog().Get("/m/a.txt")
	require.True(t, ok)
	assert.Equal(t, before.DocID, after.DocID)
	assert.NotEqual(t, before.Segment, after.Segment)
	assert.ElementsMatch(t, []string{"/m/a.txt", "/m/c.txt"}, h.livePaths())
}

func TestMergeCarriesConcurrentTombstones(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, name := range []string{"/m/a.txt", "/m/b.txt"} {
		require.NoError(t, h.ix.Upsert(ctx, []*index.Document{{Path: name, NameTokens: []string{filepath.Base(name)}}}, OriginScan))
		_, err := h.ix.Flush(ctx)
		require.NoError(t, err)
	}

	snap := h.store.Acquire()
	inputs := snap.Segments()
	docs, entries, err := mergeSegments(inputs)
	require.NoError(t, err)
	ids := []uint64{inputs[0].ID(), inputs[1].ID()}
	baseline := map[uint64][]uint64{ids[0]: inputs[0].Tombstones(), ids[1]: inputs[1].Tombstones()}
	snap.Release()
	ref, err := h.store.WriteSegment(docs, entries)
	require.NoError(t, err)

	// One input tombstone is committed and one left pending while the merge runs.
	removedA, _ := h.ix.Catalog().Get("/m/a.txt")
	_, err = h.ix.Remove(ctx, "/m/a.txt")
	require.NoError(t, err)
	_, err = h.ix.Flush(ctx)
	require.NoError(t, err)
	_, err = h.ix.Remove(ctx, "/m/b.txt")
	require.NoError(t, err)

	require.NoError(t, h.ix.submit(ctx, "merge install", func() error {
		return h.ix.installMerge(ids, baseline, &ref)
	}))
	m := h.store.Manifest()
	require.Len(t, m.Segments, 1)
	assert.Equal(t, []uint64{removedA.DocID}, m.Segments[0].Tombstones)

	_, err = h.ix.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.livePaths())
	assert.Zero(t, h.store.Stats().Documents)
}

func TestMergeAbortsWhenInputsChange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.ix.Upsert(ctx, []*index.Document{{Path: "/m/a", NameTokens: []string{"a"}}}, OriginScan))
	_, err := h.ix.Flush(ctx)
	require.NoError(t, err)
	id := h.store.Manifest().Segments[0].ID
	_, err = h.store.Commit(store.Edit{Remove: []uint64{id}})
	require.NoError(t, err)

	err = h.ix.submit(ctx, "merge install", func() error {
		return h.ix.installMerge([]uint64{id}, nil, nil)
	})
	assert.ErrorIs(t, err, errMergeStale)
}

func TestRepairDropsCorruptSegments(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "1", "b.txt": "2"})
	h.scan(root)
	id := h.store.Manifest().Segments[0].ID
	h.close()

	segPath := filepath.Join(h.dir, segment.FileName(id))
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xff
	require.NoError(t, os.WriteFile(segPath, data, 0o644))

	h.open()
	require.Len(t, h.store.Corrupt(), 1)
	assert.Zero(t, h.ix.Catalog().Len())

	res, err := h.ix.Repair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, res.Segments)
	assert.Equal(t, 2, res.Documents)
	assert.Empty(t, h.store.Corrupt())

	rescan := h.scan(root)
	assert.Equal(t, 2, rescan.Indexed)
	assert.Len(t, h.livePaths(), 2)
}

func TestCommitListener(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "1"})
	res := h.scan(root)

	h.commits.mu.Lock()
	defer h.commits.mu.Unlock()
	require.Len(t, h.commits.commits, 1)
	c := h.commits.commits[0]
	assert.Equal(t, "scan", c.Reason)
	assert.Equal(t, res.Generation, c.Generation)
	assert.Equal(t, 1, c.Documents)
	assert.Len(t, c.Added, 1)
}

func TestUnderAny(t *testing.T) {
	sep := string(filepath.Separator)
	assert.True(t, underAny(sep+"a"+sep+"b"+sep+"c", []string{sep + "a" + sep + "b"}))
	assert.False(t, underAny(sep+"a"+sep+"bc", []string{sep + "a" + sep + "b"}))
	assert.False(t, underAny(sep+"a", nil))
}
