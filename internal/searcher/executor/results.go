package executor

import (
	"container/heap"
	"slices"
	"time"
)

// Result is one ranked match.
type Result struct {
	DocID   uint64    `json:"doc_id"`
	Path    string    `json:"path"`
	Score   float64   `json:"score"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	Snippet string    `json:"snippet,omitempty"`
}

// SnippetFunc renders the context of a match on demand.
type SnippetFunc func(path string) string

// Results yields matches in descending score order. Ranking happens as
// results are pulled, so reading the first few of a large match set does
// not sort the rest. A Results is single-use and not safe for concurrent
// use.
type Results struct {
	Generation uint64
	total      int
	h          resultHeap
	snippet    SnippetFunc
}

// NewResults ranks rs. snippet may be nil.
func NewResults(generation uint64, rs []Result, snippet SnippetFunc) *Results {
	h := resultHeap(slices.Clone(rs))
	heap.Init(&h)
	return &Results{Generation: generation, total: len(rs), h: h, snippet: snippet}
}

// Total is the number of matches, consumed or not.
func (r *Results) Total() int {
	return r.total
}

// Remaining is the number of matches not yet returned by Next.
func (r *Results) Remaining() int {
	return r.h.Len()
}

// Next returns the best remaining match.
func (r *Results) Next() (Result, bool) {
	if r.h.Len() == 0 {
		return Result{}, false
	}
	res := heap.Pop(&r.h).(Result)
	if r.snippet != nil {
		res.Snippet = r.snippet(res.Path)
	}
	return res, true
}

// Collect drains up to limit matches; limit <= 0 drains everything.
func (r *Results) Collect(limit int) []Result {
	n := r.h.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Result, 0, n)
	for len(out) < n {
		res, _ := r.Next()
		out = append(out, res)
	}
	return out
}

// resultHeap is a max-heap on score, ties broken by path.
type resultHeap []Result

func (h resultHeap) Len() int { return len(h) }

func (h resultHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score > h[j].Score
	}
	return h[i].Path < h[j].Path
}

func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x any) {
	*h = append(*h, x.(Result))
}

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
