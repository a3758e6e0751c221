package tokenizer

import (
	"fmt"
	"strings"
	"testing"
)

var sampleTexts = map[string]string{
	"short": "TODO: fix the flaky watcher test before the release",
	"medium": `Segments are immutable once committed. Deletions are recorded as
		tombstones in the manifest, and a background merge folds small segments
		together so a query consults only a handful of files. The manifest is
		written to a temporary file, synced and renamed into place.`,
	"long": strings.Repeat(`func (ix *Indexer) Scan(ctx context.Context, stream *walker.Stream) error {
		for entry := range stream.Entries() { batch = append(batch, entry) }
		return ix.flushLocked("scan") }
	`, 40),
}

var sampleNames = []string{
	"budget.txt",
	"budget_report_2023.xlsx",
	"HTTPServerConfig.yaml",
	"IMG_20240611_183022.jpg",
	"node_modules.tar.gz",
	"getUserByID_test.go",
}

func BenchmarkTokenize(b *testing.B) {
	for name, text := range sampleTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				_ = Tokenize(text)
			}
		})
	}
}

func BenchmarkTokenizeParallel(b *testing.B) {
	text := sampleTexts["medium"]
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = Tokenize(text)
		}
	})
}

func BenchmarkNameTokens(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for _, name := range sampleNames {
			_ = NameTokens(name)
		}
	}
}

func BenchmarkAnalyzeVaryingSize(b *testing.B) {
	base := "walker indexer store watcher searcher "
	for _, size := range []int{100, 1000, 10000, 100000} {
		text := []byte(strings.Repeat(base, size/len(base)+1)[:size])
		b.Run(fmt.Sprintf("bytes_%d", size), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				_ = Analyze(CategoryText, text)
			}
		})
	}
}
