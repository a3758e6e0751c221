// Package executor resolves parsed queries against a store snapshot. Each
// term leaf is expanded per segment (exact lookup, dictionary range for
// prefixes, edit-distance scan for fuzzy terms), tombstoned documents are
// dropped, and the boolean tree is evaluated over the surviving doc ids.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/ranker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
)

type Executor struct {
	cfg    config.SearchConfig
	logger *slog.Logger
}

func New(cfg config.SearchConfig) *Executor {
	if cfg.FilenameBoost <= 0 {
		cfg.FilenameBoost = 1
	}
	return &Executor{
		cfg:    cfg,
		logger: slog.Default().With("component", "query-executor"),
	}
}

// expansion is one dictionary term a leaf resolved to.
type expansion struct {
	term     string
	prefix   bool
	distance int
}

type docHit struct {
	doc  *index.Document
	freq int
}

// segmentHits are the live matches of one leaf in one segment.
type segmentHits map[expansion][]docHit

type docSet struct {
	ids map[uint64]struct{}
	// neg marks a complement: every live document except ids.
	neg bool
}

// Execute returns every live document matching q, scored but unsorted.
// Prefix and fuzzy leaves expand to every dictionary term they reach;
// callers bound what they read through Results.
func (e *Executor) Execute(ctx context.Context, snap *store.Snapshot, q *parser.Query) ([]Result, error) {
	if q.Root == nil {
		return nil, nil
	}
	field := q.Mode.Field()
	segs := snap.Segments()
	totalDocs, avgLen := snap.FieldStats(field)
	stats := ranker.FieldStats{TotalDocs: totalDocs, AvgDocLength: avgLen}

	docs := make(map[uint64]*index.Document)
	scores := make(map[*parser.Node]map[uint64]float64)
	for _, leaf := range allLeaves(q.Root) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perSeg, err := e.fanOut(ctx, segs, field, leaf)
		if err != nil {
			return nil, err
		}
		scores[leaf] = e.score(q.Mode, leaf, perSeg, stats, docs)
	}

	set := eval(q.Root, scores)
	if set.neg {
		set = universe(segs, set.ids, docs)
	}

	positive := q.Root.Leaves()
	out := make([]Result, 0, len(set.ids))
	for id := range set.ids {
		doc := docs[id]
		var score float64
		for _, leaf := range positive {
			score += scores[leaf][id]
		}
		out = append(out, Result{
			DocID:   id,
			Path:    doc.Path,
			Score:   ranker.Round(score),
			Size:    doc.Size,
			ModTime: doc.Modified(),
		})
	}
	e.logger.Debug("query executed",
		"query", q.Raw,
		"mode", q.Mode.String(),
		"generation", snap.Generation(),
		"segments", len(segs),
		"results", len(out),
	)
	return out, nil
}

// fanOut resolves one leaf in every segment concurrently.
func (e *Executor) fanOut(ctx context.Context, segs []store.SegmentView, field index.Field, leaf *parser.Node) ([]segmentHits, error) {
	results := make([]segmentHits, len(segs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, seg := range segs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			hits, err := e.resolve(seg, field, leaf)
			if err != nil {
				return fmt.Errorf("segment %d, term %s: %w", seg.ID(), leaf, err)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Executor) resolve(seg store.SegmentView, field index.Field, leaf *parser.Node) (segmentHits, error) {
	hits := make(segmentHits)
	switch leaf.Match {
	case parser.MatchName:
		postings, err := seg.Postings(index.FieldName, leaf.Terms[0])
		if err != nil {
			return nil, err
		}
		for _, p := range postings {
			if len(p.Positions) > 0 && p.Positions[0] == 0 {
				addHit(hits, seg, expansion{term: leaf.Terms[0]}, p.DocID, 1)
			}
		}

	case parser.MatchPrefix:
		for _, entry := range seg.PrefixTerms(field, leaf.Terms[0]) {
			postings, err := seg.Postings(field, entry.Term)
			if err != nil {
				return nil, err
			}
			exp := expansion{term: entry.Term, prefix: entry.Term != leaf.Terms[0]}
			for _, p := range postings {
				addHit(hits, seg, exp, p.DocID, p.Frequency)
			}
		}

	case parser.MatchFuzzy:
		for _, entry := range seg.Terms(field) {
			d := ranker.Levenshtein(leaf.Terms[0], entry.Term, leaf.Distance)
			if d > leaf.Distance {
				continue
			}
			postings, err := seg.Postings(field, entry.Term)
			if err != nil {
				return nil, err
			}
			exp := expansion{term: entry.Term, distance: d}
			for _, p := range postings {
				addHit(hits, seg, exp, p.DocID, p.Frequency)
			}
		}

	default:
		lists := make([]index.PostingList, len(leaf.Terms))
		for i, term := range leaf.Terms {
			postings, err := seg.Postings(field, term)
			if err != nil {
				return nil, err
			}
			if len(postings) == 0 {
				return hits, nil
			}
			lists[i] = postings
		}
		exp := expansion{term: strings.Join(leaf.Terms, " ")}
		for _, m := range phraseMatches(lists) {
			addHit(hits, seg, exp, m.DocID, m.Frequency)
		}
	}
	return hits, nil
}

func addHit(hits segmentHits, seg store.SegmentView, exp expansion, id uint64, freq int) {
	if seg.Deleted(id) {
		return
	}
	doc, ok := seg.Doc(id)
	if !ok {
		return
	}
	hits[exp] = append(hits[exp], docHit{doc: doc, freq: freq})
}

// phraseMatches intersects posting lists and keeps documents where the
// terms occur at consecutive positions. Frequency is the number of
// occurrences of the whole sequence.
func phraseMatches(lists []index.PostingList) index.PostingList {
	if len(lists) == 1 {
		return lists[0]
	}
	var out index.PostingList
	cursors := make([]int, len(lists))
	for _, first := range lists[0] {
		postings := []index.Posting{first}
		for i := 1; i < len(lists); i++ {
			list := lists[i]
			for cursors[i] < len(list) && list[cursors[i]].DocID < first.DocID {
				cursors[i]++
			}
			if cursors[i] >= len(list) || list[cursors[i]].DocID != first.DocID {
				break
			}
			postings = append(postings, list[cursors[i]])
		}
		if len(postings) != len(lists) {
			continue
		}
		n := 0
		for _, start := range first.Positions {
			if consecutive(postings[1:], start) {
				n++
			}
		}
		if n > 0 {
			out = append(out, index.Posting{DocID: first.DocID, Frequency: n})
		}
	}
	return out
}

func consecutive(rest []index.Posting, start int) bool {
	for i, p := range rest {
		if !slices.Contains(p.Positions, start+i+1) {
			return false
		}
	}
	return true
}

// score turns a leaf's hits into per-document scores. A document reached
// through several expansions keeps its best one.
func (e *Executor) score(mode parser.Mode, leaf *parser.Node, perSeg []segmentHits, stats ranker.FieldStats, docs map[uint64]*index.Document) map[uint64]float64 {
	df := make(map[expansion]int)
	for _, hits := range perSeg {
		for exp, list := range hits {
			df[exp] += len(list)
		}
	}
	field := mode.Field()
	out := make(map[uint64]float64)
	for _, hits := range perSeg {
		for exp, list := range hits {
			weight := ranker.ExpansionWeight(exp.prefix, exp.distance)
			for _, h := range list {
				docs[h.doc.ID] = h.doc
				s := ranker.BM25(ranker.Hit{
					TermFreq:  h.freq,
					DocLength: h.doc.FieldLen(field),
					DocFreq:   df[exp],
				}, stats) * weight
				if mode == parser.ModeFilename {
					s *= e.cfg.FilenameBoost * ranker.NameBonus(h.doc.Path, leaf.Raw)
				} else if nameContains(h.doc, leaf.Terms) {
					s *= e.cfg.FilenameBoost
				}
				if prev, seen := out[h.doc.ID]; !seen || s > prev {
					out[h.doc.ID] = s
				}
			}
		}
	}
	return out
}

// nameContains reports whether every term also occurs in the document's
// file name, the content-mode filename boost.
func nameContains(doc *index.Document, terms []string) bool {
	for _, t := range terms {
		if !slices.Contains(doc.NameTokens, t) {
			return false
		}
	}
	return len(terms) > 0
}

func allLeaves(n *parser.Node) []*parser.Node {
	if n.Op == parser.OpTerm {
		return []*parser.Node{n}
	}
	var out []*parser.Node
	for _, c := range n.Children {
		out = append(out, allLeaves(c)...)
	}
	return out
}

func eval(n *parser.Node, scores map[*parser.Node]map[uint64]float64) docSet {
	switch n.Op {
	case parser.OpTerm:
		ids := make(map[uint64]struct{}, len(scores[n]))
		for id := range scores[n] {
			ids[id] = struct{}{}
		}
		return docSet{ids: ids}
	case parser.OpNot:
		s := eval(n.Children[0], scores)
		s.neg = !s.neg
		return s
	}
	var pos, neg []docSet
	for _, c := range n.Children {
		s := eval(c, scores)
		if s.neg {
			neg = append(neg, s)
		} else {
			pos = append(pos, s)
		}
	}
	if n.Op == parser.OpAnd {
		// A∧B∧¬C∧¬D = (A∩B) − (C∪D); with no positive side the result is
		// the complement of C∪D.
		excluded := union(neg)
		if len(pos) == 0 {
			return docSet{ids: excluded, neg: true}
		}
		return docSet{ids: subtract(intersect(pos), excluded)}
	}
	// A∨B∨¬C∨¬D = ¬((C∩D) − (A∪B)).
	included := union(pos)
	if len(neg) == 0 {
		return docSet{ids: included}
	}
	return docSet{ids: subtract(intersect(neg), included), neg: true}
}

func union(sets []docSet) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, s := range sets {
		for id := range s.ids {
			out[id] = struct{}{}
		}
	}
	return out
}

func intersect(sets []docSet) map[uint64]struct{} {
	if len(sets) == 0 {
		return map[uint64]struct{}{}
	}
	smallest := 0
	for i, s := range sets {
		if len(s.ids) < len(sets[smallest].ids) {
			smallest = i
		}
	}
	out := make(map[uint64]struct{}, len(sets[smallest].ids))
outer:
	for id := range sets[smallest].ids {
		for i, s := range sets {
			if i == smallest {
				continue
			}
			if _, ok := s.ids[id]; !ok {
				continue outer
			}
		}
		out[id] = struct{}{}
	}
	return out
}

func subtract(from, remove map[uint64]struct{}) map[uint64]struct{} {
	for id := range remove {
		delete(from, id)
	}
	return from
}

// universe materializes a complement set against every live document.
func universe(segs []store.SegmentView, except map[uint64]struct{}, docs map[uint64]*index.Document) docSet {
	ids := make(map[uint64]struct{})
	for _, seg := range segs {
		for _, doc := range seg.Docs() {
			if seg.Deleted(doc.ID) {
				continue
			}
			if _, skip := except[doc.ID]; skip {
				continue
			}
			ids[doc.ID] = struct{}{}
			docs[doc.ID] = doc
		}
	}
	return docSet{ids: ids}
}
