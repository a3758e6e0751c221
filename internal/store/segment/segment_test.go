package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
)

func sampleSegment() ([]*index.Document, []index.TermEntry) {
	mem := index.NewMemoryIndex()
	mem.AddDocument(&index.Document{ID: 3, Path: "/r/budget.txt", NameTokens: []string{"budget.txt", "budget", "txt"},
		ContentTokens: []string{"annual", "budget"}, ContentLen: 2})
	mem.AddDocument(&index.Document{ID: 7, Path: "/r/report.md", NameTokens: []string{"report.md", "report", "md"}})
	mem.AddDocument(&index.Document{ID: 9, Path: "/r/budget_report.md", NameTokens: []string{"budget_report.md", "budget", "report", "md"}})
	return mem.Snapshot()
}

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	docs, entries := sampleSegment()
	path, size, err := NewWriter(dir).Write(4, docs, entries)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), size)
	assert.Equal(t, "seg-4.sseg", filepath.Base(path))
	return path
}

func TestWriteAndRead(t *testing.T) {
	r, err := OpenReader(writeSample(t))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(4), r.ID())
	assert.Equal(t, 3, r.DocCount())

	postings, err := r.Postings(index.FieldName, "budget")
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.Equal(t, uint64(3), postings[0].DocID)
	assert.Equal(t, uint64(9), postings[1].DocID)

	postings, err = r.Postings(index.FieldContent, "annual")
	require.NoError(t, err)
	require.Len(t, postings, 1)

	postings, err = r.Postings(index.FieldContent, "report")
	require.NoError(t, err)
	assert.Empty(t, postings, "terms are scoped to their field")

	doc, ok := r.Doc(7)
	require.True(t, ok)
	assert.Equal(t, "/r/report.md", doc.Path)
	_, ok = r.Doc(8)
	assert.False(t, ok)
	assert.Equal(t, int64(10), r.FieldLenSum(index.FieldName))
}

func TestPrefixTerms(t *testing.T) {
	r, err := OpenReader(writeSample(t))
	require.NoError(t, err)
	defer r.Close()

	var got []string
	for _, e := range r.PrefixTerms(index.FieldName, "budget") {
		got = append(got, e.Term)
	}
	assert.Equal(t, []string{"budget", "budget.txt", "budget_report.md"}, got)
	assert.Empty(t, r.PrefixTerms(index.FieldName, "zzz"))
}

func TestEntriesRoundTrip(t *testing.T) {
	docs, entries := sampleSegment()
	r, err := OpenReader(writeSample(t))
	require.NoError(t, err)
	defer r.Close()
	got, err := r.Entries()
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	assert.Len(t, r.Docs(), len(docs))
}

func TestCorruptBodyDetected(t *testing.T) {
	path := writeSample(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[HeaderSize+5] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = OpenReader(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCorruptSegment)
	assert.Equal(t, apperrors.KindCorruption, apperrors.KindOf(err))
}

func TestTruncatedSegmentDetected(t *testing.T) {
	path := writeSample(t)
	require.NoError(t, os.Truncate(path, 100))
	_, err := OpenReader(path)
	assert.ErrorIs(t, err, apperrors.ErrCorruptSegment)
}

func TestWriteRejectsEmpty(t *testing.T) {
	_, _, err := NewWriter(t.TempDir()).Write(1, nil, nil)
	assert.Error(t, err)
}

func BenchmarkPostings(b *testing.B) {
	dir := b.TempDir()
	docs, entries := sampleSegment()
	path, _, err := NewWriter(dir).Write(1, docs, entries)
	if err != nil {
		b.Fatal(err)
	}
	r, err := OpenReader(path)
	if err != nil {
		b.Fatal(err)
	}
	defer r.Close()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.Postings(index.FieldName, "budget"); err != nil {
			b.Fatal(err)
		}
	}
}
