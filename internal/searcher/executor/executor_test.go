package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
)

type file struct {
	id      uint64
	path    string
	content string
}

func document(f file) *index.Document {
	doc := &index.Document{ID: f.id, Path: f.path, Size: int64(len(f.content))}
	for _, tok := range tokenizer.NameTokens(filepath.Base(f.path)) {
		doc.NameTokens = append(doc.NameTokens, tok.Term)
	}
	for _, tok := range tokenizer.Tokenize(f.content) {
		doc.ContentTokens = append(doc.ContentTokens, tok.Term)
	}
	doc.ContentLen = len(doc.ContentTokens)
	return doc
}

type fixture struct {
	store *store.Store
	exec  *Executor
}

// newFixture commits each batch of files as its own segment.
func newFixture(t testing.TB, batches ...[]file) *fixture {
	t.Helper()
	st, err := store.Open(config.IndexConfig{Dir: t.TempDir(), KeepManifests: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	for _, batch := range batches {
		mem := index.NewMemoryIndex()
		var last uint64
		for _, f := range batch {
			mem.AddDocument(document(f))
			last = max(last, f.id)
		}
		docs, entries := mem.Snapshot()
		ref, err := st.WriteSegment(docs, entries)
		require.NoError(t, err)
		_, err = st.Commit(store.Edit{Add: []store.SegmentRef{ref}, NextDocID: last + 1})
		require.NoError(t, err)
	}
	return &fixture{
		store: st,
		exec:  New(config.SearchConfig{MaxResults: 100, FilenameBoost: 2}),
	}
}

func (f *fixture) run(t *testing.T, query string, mode parser.Mode) []Result {
	t.Helper()
	q, err := parser.Parse(query, mode)
	require.NoError(t, err)
	snap := f.store.Acquire()
	defer snap.Release()
	rs, err := f.exec.Execute(context.Background(), snap, q)
	require.NoError(t, err)
	return NewResults(snap.Generation(), rs, nil).Collect(0)
}

func paths(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Path
	}
	return out
}

func sorted(rs []Result) []string {
	out := paths(rs)
	sort.Strings(out)
	return out
}

var library = []file{
	{1, "/docs/budget.txt", "annual budget for the team"},
	{2, "/docs/budget_report_2023.xlsx", ""},
	{3, "/docs/report.txt", "quarterly report draft"},
	{4, "/docs/report_final.txt", "final report"},
	{5, "/docs/notes.md", "meeting notes about the budget"},
	{6, "/docs/report.txt.bak", ""},
}

func TestExactNameOutranksPartialMatch(t *testing.T) {
	f := newFixture(t, library)
	rs := f.run(t, "budget", parser.ModeFilename)
	require.Len(t, rs, 2)
	assert.Equal(t, "/docs/budget.txt", rs[0].Path)
	assert.Equal(t, "/docs/budget_report_2023.xlsx", rs[1].Path)
	assert.Greater(t, rs[0].Score, rs[1].Score)
}

func TestTermReturnsExactlyItsDocuments(t *testing.T) {
	f := newFixture(t, library[:3], library[3:])
	rs := f.run(t, "report", parser.ModeFilename)
	assert.Equal(t, []string{
		"/docs/budget_report_2023.xlsx",
		"/docs/report.txt",
		"/docs/report.txt.bak",
		"/docs/report_final.txt",
	}, sorted(rs))
	for i := 1; i < len(rs); i++ {
		assert.GreaterOrEqual(t, rs[i-1].Score, rs[i].Score)
	}
}

func TestCompoundWordsMatchConsecutiveParts(t *testing.T) {
	f := newFixture(t, library)
	assert.Equal(t, []string{"/docs/report_final.txt"}, paths(f.run(t, "report_final", parser.ModeFilename)))
	assert.Equal(t, []string{"/docs/report.txt", "/docs/report.txt.bak"}, sorted(f.run(t, "report.txt", parser.ModeFilename)))
}

func TestQuotedNameIsExact(t *testing.T) {
	f := newFixture(t, library)
	assert.Equal(t, []string{"/docs/report.txt"}, paths(f.run(t, `"Report.txt"`, parser.ModeFilename)))
	assert.Empty(t, f.run(t, `"report"`, parser.ModeFilename))
}

func TestPrefixAndFuzzy(t *testing.T) {
	f := newFixture(t, library)
	assert.Equal(t, []string{"/docs/budget.txt", "/docs/budget_report_2023.xlsx"}, sorted(f.run(t, "bud*", parser.ModeFilename)))
	assert.Equal(t, []string{"/docs/budget.txt", "/docs/budget_report_2023.xlsx"}, sorted(f.run(t, "budgte~2", parser.ModeFilename)))
	assert.Empty(t, f.run(t, "budgte~1", parser.ModeFilename))

	exact := f.run(t, "budget", parser.ModeFilename)
	fuzzy := f.run(t, "budgt~", parser.ModeFilename)
	require.NotEmpty(t, fuzzy)
	assert.Less(t, fuzzy[0].Score, exact[0].Score)
}

func TestBooleanOperators(t *testing.T) {
	f := newFixture(t, library)
	assert.Equal(t, []string{"/docs/budget_report_2023.xlsx"}, paths(f.run(t, "budget AND report", parser.ModeFilename)))
	assert.Equal(t, []string{"/docs/budget.txt", "/docs/budget_report_2023.xlsx", "/docs/notes.md"},
		sorted(f.run(t, "budget OR notes", parser.ModeFilename)))
	assert.Equal(t, []string{"/docs/report.txt", "/docs/report.txt.bak", "/docs/report_final.txt"},
		sorted(f.run(t, "report NOT budget", parser.ModeFilename)))
	assert.Equal(t, []string{"/docs/budget.txt", "/docs/budget_report_2023.xlsx", "/docs/notes.md"},
		sorted(f.run(t, "budget OR NOT report", parser.ModeFilename)))
}

func TestTombstonedDocumentsAreHidden(t *testing.T) {
	f := newFixture(t, library)
	seg := f.store.Manifest().Segments[0].ID
	_, err := f.store.Commit(store.Edit{Tombstones: map[uint64][]uint64{seg: {1}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/budget_report_2023.xlsx"}, paths(f.run(t, "budget", parser.ModeFilename)))
}

func TestContentModeBoostsNameMatches(t *testing.T) {
	f := newFixture(t, library)
	rs := f.run(t, "budget", parser.ModeContent)
	require.Equal(t, []string{"/docs/budget.txt", "/docs/notes.md"}, sorted(rs))
	assert.Equal(t, "/docs/budget.txt", rs[0].Path)

	assert.Empty(t, f.run(t, "the", parser.ModeContent))
	assert.Equal(t, []string{"/docs/report.txt"}, paths(f.run(t, "quarterly reports", parser.ModeContent)))
}

func TestLargeMatchSetsAreComplete(t *testing.T) {
	var many, expansions []file
	for i := 0; i < 1200; i++ {
		many = append(many, file{id: uint64(i + 1), path: fmt.Sprintf("/docs/budget_%04d.txt", i)})
	}
	for i := 0; i < 100; i++ {
		word := "budget" + string(rune('a'+i/26)) + string(rune('a'+i%26))
		expansions = append(expansions, file{id: uint64(2000 + i), path: "/plans/" + word + ".md"})
	}
	f := newFixture(t, many, expansions)
	f.exec = New(config.SearchConfig{MaxResults: 10, FilenameBoost: 2})

	assert.Len(t, f.run(t, "budget", parser.ModeFilename), 1200)

	rs := f.run(t, "budget*", parser.ModeFilename)
	seen := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		seen[r.Path] = struct{}{}
	}
	assert.Len(t, rs, 1300)
	assert.Len(t, seen, 1300, "every expansion is followed and no document repeats")
}

func TestResultsAreLazyAndSingleUse(t *testing.T) {
	var rendered []string
	rs := NewResults(7, []Result{
		{Path: "/b", Score: 1},
		{Path: "/a", Score: 3},
		{Path: "/c", Score: 1},
	}, func(path string) string {
		rendered = append(rendered, path)
		return "…" + path
	})
	assert.Equal(t, 3, rs.Total())

	first, ok := rs.Next()
	require.True(t, ok)
	assert.Equal(t, "/a", first.Path)
	assert.Equal(t, "…/a", first.Snippet)
	assert.Equal(t, []string{"/a"}, rendered)

	rest := rs.Collect(0)
	assert.Equal(t, []string{"/b", "/c"}, paths(rest))
	_, ok = rs.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, rs.Remaining())
}

func TestEmptyQueryMatchesNothing(t *testing.T) {
	f := newFixture(t, library)
	assert.Empty(t, f.run(t, "___", parser.ModeFilename))
}
