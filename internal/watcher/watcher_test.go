package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
)

type mapResolver map[string]Known

func (r mapResolver) Resolve(path string) (Known, bool) {
	k, ok := r[path]
	return k, ok
}

func testConfig() config.WatcherConfig {
	return config.WatcherConfig{
		Debounce:     40 * time.Millisecond,
		QueueSize:    64,
		MaxPending:   1000,
		RescanPerMin: 600,
	}
}

func start(t *testing.T, cfg config.WatcherConfig, root string, resolver Resolver, m *metrics.Metrics) *Watcher {
	t.Helper()
	wk := walker.New(config.WalkerConfig{
		Workers:     2,
		IgnoreFiles: []string{".gitignore"},
		DirTimeout:  time.Second,
	}, nil)
	w := New(cfg, wk, walker.IgnoreConfig{}, resolver, m)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	require.NoError(t, w.Start(ctx, []string{root}))
	return w
}

func writeFile(t *testing.T, path, content string) os.FileInfo {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info
}

func next(t *testing.T, w *Watcher, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev, true
	case <-time.After(timeout):
		return Event{}, false
	}
}

// collectFor gathers every event delivered within d.
func collectFor(w *Watcher, d time.Duration) []Event {
	var out []Event
	deadline := time.After(d)
	for {
		select {
		case ev := <-w.Events():
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func inject(t *testing.T, w *Watcher, path string, op fsnotify.Op) {
	t.Helper()
	require.NoError(t, w.Inject(context.Background(), fsnotify.Event{Name: path, Op: op}))
}

func TestDebounceCoalesces(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	writeFile(t, path, "draft")
	w := start(t, testConfig(), root, nil, nil)

	for i := 0; i < 5; i++ {
		inject(t, w, path, fsnotify.Write)
	}
	events := collectFor(w, 300*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, Modified, events[0].Kind)
	assert.Equal(t, path, events[0].Path)
	assert.Equal(t, int64(5), events[0].Size)
}

func TestEventReflectsFinalState(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	w := start(t, testConfig(), root, nil, nil)

	inject(t, w, path, fsnotify.Create)
	inject(t, w, path, fsnotify.Write)
	inject(t, w, path, fsnotify.Remove)

	ev, ok := next(t, w, time.Second)
	require.True(t, ok)
	assert.Equal(t, Removed, ev.Kind)
}

func TestRenamePairedByInode(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a.txt")
	newPath := filepath.Join(root, "b.txt")
	info := writeFile(t, newPath, "same bytes")
	inode := walker.Inode(info)
	if inode == 0 {
		t.Skip("no inode numbers on this platform")
	}
	w := start(t, testConfig(), root, mapResolver{oldPath: {Inode: inode, Size: 1, ModTime: 1}}, nil)

	inject(t, w, oldPath, fsnotify.Rename)
	inject(t, w, newPath, fsnotify.Create)

	events := collectFor(w, 300*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, Renamed, events[0].Kind)
	assert.Equal(t, oldPath, events[0].OldPath)
	assert.Equal(t, newPath, events[0].Path)
}

func TestRenamePairedBySizeAndModTime(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a.txt")
	newPath := filepath.Join(root, "b.txt")
	info := writeFile(t, newPath, "same bytes")
	known := Known{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
	w := start(t, testConfig(), root, mapResolver{oldPath: known}, nil)

	inject(t, w, oldPath, fsnotify.Remove)
	inject(t, w, newPath, fsnotify.Create)

	events := collectFor(w, 300*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, Renamed, events[0].Kind)
	assert.Equal(t, oldPath, events[0].OldPath)
}

func TestAmbiguousRenameStaysUnpaired(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	c := filepath.Join(root, "c.txt")
	writeFile(t, b, "0123456789")
	writeFile(t, c, "9876543210")
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(b, mtime, mtime))
	require.NoError(t, os.Chtimes(c, mtime, mtime))
	w := start(t, testConfig(), root, mapResolver{oldPath: {Size: 10, ModTime: mtime.UnixNano()}}, nil)

	inject(t, w, oldPath, fsnotify.Remove)
	inject(t, w, b, fsnotify.Create)
	inject(t, w, c, fsnotify.Create)

	events := collectFor(w, 300*time.Millisecond)
	require.Len(t, events, 3)
	kinds := map[Kind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	assert.Equal(t, map[Kind]int{Removed: 1, Created: 2}, kinds)
}

func TestOverflowFallsBackToRescan(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	writeFile(t, path, "draft")
	m := metrics.New()
	cfg := testConfig()
	cfg.Debounce = 200 * time.Millisecond
	w := start(t, cfg, root, nil, m)

	inject(t, w, path, fsnotify.Write)
	require.NoError(t, w.InjectError(context.Background(), fsnotify.ErrEventOverflow))

	events := collectFor(w, 500*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, Rescan, events[0].Kind)
	assert.Equal(t, w.roots[0], events[0].Path)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatchOverflowsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatchEventsTotal.WithLabelValues("rescan")))
}

func TestPendingLimitOverflows(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.MaxPending = 2
	w := start(t, cfg, root, nil, nil)

	for _, name := range []string{"a", "b", "c"} {
		inject(t, w, filepath.Join(root, name), fsnotify.Write)
	}
	events := collectFor(w, 300*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, Rescan, events[0].Kind)
}

func TestRescansAreRateLimited(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.RescanPerMin = 1
	w := start(t, cfg, root, nil, nil)

	require.NoError(t, w.InjectError(context.Background(), fsnotify.ErrEventOverflow))
	ev, ok := next(t, w, time.Second)
	require.True(t, ok)
	assert.Equal(t, Rescan, ev.Kind)

	require.NoError(t, w.InjectError(context.Background(), fsnotify.ErrEventOverflow))
	_, ok = next(t, w, 300*time.Millisecond)
	assert.False(t, ok, "second rescan within the same minute must be deferred")
}

func TestRealCreateIsObserved(t *testing.T) {
	root := t.TempDir()
	w := start(t, testConfig(), root, nil, nil)

	path := filepath.Join(root, "fresh.txt")
	writeFile(t, path, "hello")

	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, Created, ev.Kind)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, int64(5), ev.Size)
}

func TestNewDirectoryIsRegistered(t *testing.T) {
	root := t.TempDir()
	w := start(t, testConfig(), root, nil, nil)

	dir := filepath.Join(root, "projects")
	require.NoError(t, os.Mkdir(dir, 0o755))
	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, Rescan, ev.Kind)
	assert.Equal(t, dir, ev.Path)
	assert.True(t, ev.IsDir)

	path := filepath.Join(dir, "plan.md")
	writeFile(t, path, "plan")
	ev, ok = next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, path, ev.Path)
}

func TestIgnoredPathsAreDropped(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "*.tmp\n")
	w := start(t, testConfig(), root, nil, nil)

	writeFile(t, filepath.Join(root, "scratch.tmp"), "x")
	time.Sleep(100 * time.Millisecond)
	kept := filepath.Join(root, "kept.txt")
	writeFile(t, kept, "y")

	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, kept, ev.Path)
}

func TestStartRejectsMissingRoot(t *testing.T) {
	wk := walker.New(config.WalkerConfig{}, nil)
	w := New(testConfig(), wk, walker.IgnoreConfig{}, nil, nil)
	err := w.Start(context.Background(), []string{filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "renamed", Renamed.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
