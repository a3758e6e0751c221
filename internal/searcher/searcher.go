// Package searcher is the query engine. Every call parses the query,
// acquires the store's current snapshot, resolves the query against it
// and hands back a lazily ranked Results. Queries never touch the
// indexer's write path.
package searcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
)

// snippetScanBytes bounds how much of a file is read to find a snippet.
const snippetScanBytes = 256 << 10

type Searcher struct {
	store   *store.Store
	exec    *executor.Executor
	cache   *cache.QueryCache
	cfg     config.SearchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Searcher. qc and m may be nil.
func New(st *store.Store, cfg config.SearchConfig, qc *cache.QueryCache, m *metrics.Metrics) *Searcher {
	return &Searcher{
		store:   st,
		exec:    executor.New(cfg),
		cache:   qc,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "searcher"),
	}
}

// Search evaluates raw against the snapshot current at call time. Syntax
// errors are returned before the index is consulted.
func (s *Searcher) Search(ctx context.Context, raw string, mode parser.Mode) (*executor.Results, error) {
	start := time.Now()
	q, err := parser.Parse(raw, mode)
	if err != nil {
		s.observe(mode, "syntax_error", start, 0)
		return nil, err
	}

	snap := s.store.Acquire()
	defer snap.Release()
	gen := snap.Generation()

	compute := func() ([]executor.Result, error) {
		return s.exec.Execute(ctx, snap, q)
	}
	var (
		results  []executor.Result
		cacheHit bool
	)
	if s.cache != nil {
		results, cacheHit, err = s.cache.GetOrCompute(ctx, q, gen, compute)
	} else {
		results, err = compute()
	}
	if err != nil {
		s.observe(mode, "error", start, 0)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperrors.New(apperrors.KindUnknown, "query", "", err)
	}

	resultType := "hit"
	if len(results) == 0 {
		resultType = "zero_result"
	}
	s.observe(mode, resultType, start, len(results))
	s.logger.Debug("search completed",
		"query", raw,
		"mode", mode.String(),
		"generation", gen,
		"total_hits", len(results),
		"cache_hit", cacheHit,
		"latency", time.Since(start),
	)

	var snippet executor.SnippetFunc
	if mode == parser.ModeContent {
		terms := contentTerms(q)
		snippet = func(path string) string {
			return Snippet(path, terms, s.cfg.SnippetBytes)
		}
	}
	return executor.NewResults(gen, results, snippet), nil
}

func (s *Searcher) observe(mode parser.Mode, resultType string, start time.Time, n int) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueriesTotal.WithLabelValues(mode.String(), resultType).Inc()
	s.metrics.QueryLatency.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	if resultType == "hit" || resultType == "zero_result" {
		s.metrics.QueryResultsCount.Observe(float64(n))
	}
}

func contentTerms(q *parser.Query) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, leaf := range q.Root.Leaves() {
		for _, t := range leaf.Terms {
			terms[t] = struct{}{}
		}
	}
	return terms
}

// Snippet returns the first line of path containing one of terms, cut to
// at most limit bytes around the first match. Unreadable files yield "".
func Snippet(path string, terms map[string]struct{}, limit int) string {
	if len(terms) == 0 {
		return ""
	}
	if limit <= 0 {
		limit = 160
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(io.LimitReader(f, snippetScanBytes))
	sc.Buffer(make([]byte, 0, 4096), snippetScanBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !utf8.ValidString(line) {
			continue
		}
		for _, tok := range tokenizer.Tokenize(line) {
			if _, ok := terms[tok.Term]; ok {
				return clip(line, tok.Term, limit)
			}
		}
	}
	return ""
}

// clip cuts line to limit bytes, keeping the matched term in view.
func clip(line, term string, limit int) string {
	if len(line) <= limit {
		return line
	}
	at := max(strings.Index(strings.ToLower(line), term), 0)
	start := max(0, at-limit/4)
	end := min(len(line), start+limit)
	for start > 0 && !utf8.RuneStart(line[start]) {
		start--
	}
	for end < len(line) && !utf8.RuneStart(line[end]) {
		end--
	}
	out := line[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(line) {
		out += "…"
	}
	return out
}
