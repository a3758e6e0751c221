// Package ranker scores matches with BM25 plus filename-oriented
// adjustments: a boost for terms found in the file name, a bonus when the
// query names the file exactly, and discounts for prefix and fuzzy
// expansions.
package ranker

import (
	"math"
	"path/filepath"
	"strings"
)

const (
	k1 = 1.2
	b  = 0.75

	// ExactNameBonus applies when a query word equals the whole file name.
	ExactNameBonus = 2.0
	// StemNameBonus applies when it equals the name without extension.
	StemNameBonus = 1.5

	PrefixDiscount = 0.7
	FuzzyDiscount  = 0.5
)

// FieldStats are the collection statistics of the searched field.
type FieldStats struct {
	TotalDocs    int
	AvgDocLength float64
}

// Hit is one document matching one expanded term.
type Hit struct {
	TermFreq  int
	DocLength int
	DocFreq   int
}

// BM25 scores a single term hit.
func BM25(h Hit, stats FieldStats) float64 {
	idf := computeIDF(int64(stats.TotalDocs), int64(h.DocFreq))
	return idf * computeTFNorm(float64(h.TermFreq), float64(h.DocLength), stats.AvgDocLength)
}

// ExpansionWeight discounts a term reached through expansion. distance is
// the edit distance of a fuzzy match; prefix expansions that equal the
// typed prefix are not discounted.
func ExpansionWeight(prefix bool, distance int) float64 {
	switch {
	case distance > 0:
		return math.Pow(FuzzyDiscount, float64(distance))
	case prefix:
		return PrefixDiscount
	default:
		return 1
	}
}

// NameBonus compares a lower-cased query word against the base name of
// path.
func NameBonus(path, word string) float64 {
	if word == "" {
		return 1
	}
	name := strings.ToLower(filepath.Base(path))
	if name == word {
		return ExactNameBonus
	}
	if ext := filepath.Ext(name); ext != "" && strings.TrimSuffix(name, ext) == word {
		return StemNameBonus
	}
	return 1
}

// Round keeps scores stable across platforms for display and ties.
func Round(score float64) float64 {
	return math.Round(score*10000) / 10000
}

func computeIDF(totalDocs int64, docFreq int64) float64 {
	numerator := float64(totalDocs) - float64(docFreq) + 0.5
	denominator := float64(docFreq) + 0.5
	return math.Log(numerator/denominator + 1)
}

func computeTFNorm(termFreq float64, docLength float64, avgDocLength float64) float64 {
	if avgDocLength == 0 {
		return 0
	}
	lengthRatio := docLength / avgDocLength
	denominator := termFreq + k1*(1-b+b*lengthRatio)
	return (termFreq * (k1 + 1)) / denominator
}

// Levenshtein returns the edit distance between a and b, giving up with
// max+1 once the distance is known to exceed max.
func Levenshtein(a, b string, max int) int {
	ra, rb := []rune(a), []rune(b)
	if d := len(ra) - len(rb); d > max || -d > max {
		return max + 1
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, curr[j])
		}
		if rowMin > max {
			return max + 1
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
