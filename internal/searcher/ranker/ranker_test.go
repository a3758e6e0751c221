package ranker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBM25PrefersShorterDocuments(t *testing.T) {
	stats := FieldStats{TotalDocs: 10, AvgDocLength: 4}
	short := BM25(Hit{TermFreq: 1, DocLength: 3, DocFreq: 2}, stats)
	long := BM25(Hit{TermFreq: 1, DocLength: 6, DocFreq: 2}, stats)
	assert.Greater(t, short, long)
}

func TestBM25RarerTermsScoreHigher(t *testing.T) {
	stats := FieldStats{TotalDocs: 100, AvgDocLength: 4}
	rare := BM25(Hit{TermFreq: 1, DocLength: 4, DocFreq: 1}, stats)
	common := BM25(Hit{TermFreq: 1, DocLength: 4, DocFreq: 50}, stats)
	assert.Greater(t, rare, common)
}

func TestBM25EmptyCollection(t *testing.T) {
	assert.Zero(t, BM25(Hit{TermFreq: 1, DocLength: 1, DocFreq: 1}, FieldStats{}))
}

func TestNameBonus(t *testing.T) {
	assert.Equal(t, ExactNameBonus, NameBonus("/docs/budget.txt", "budget.txt"))
	assert.Equal(t, StemNameBonus, NameBonus("/docs/Budget.txt", "budget"))
	assert.Equal(t, 1.0, NameBonus("/docs/budget_report_2023.xlsx", "budget"))
	assert.Equal(t, 1.0, NameBonus("/docs/budget.txt", ""))
}

func TestExpansionWeight(t *testing.T) {
	assert.Equal(t, 1.0, ExpansionWeight(false, 0))
	assert.Equal(t, PrefixDiscount, ExpansionWeight(true, 0))
	assert.Equal(t, FuzzyDiscount, ExpansionWeight(false, 1))
	assert.Equal(t, FuzzyDiscount*FuzzyDiscount, ExpansionWeight(false, 2))
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		max  int
		want int
	}{
		{"budget", "budget", 2, 0},
		{"budgt", "budget", 2, 1},
		{"kitten", "sitting", 3, 3},
		{"report", "rpeort", 2, 2},
		{"a", "abcd", 2, 3},
		{"", "ab", 2, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Levenshtein(tt.a, tt.b, tt.max), "%s/%s", tt.a, tt.b)
	}
}
