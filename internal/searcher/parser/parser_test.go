package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"budget", "filename:budget"},
		{"Budget report", "filename:(budget AND report)"},
		{"budget AND report", "filename:(budget AND report)"},
		{"budget or invoice", "filename:(budget OR invoice)"},
		{"budget NOT draft", "filename:(budget AND NOT draft)"},
		{"a OR b c", "filename:(a OR (b AND c))"},
		{"(a OR b) c", "filename:((a OR b) AND c)"},
		{"report_final", "filename:report+final"},
		{"repo*", "filename:repo*"},
		{"budgt~", "filename:budgt~1"},
		{"budgt~2", "filename:budgt~2"},
		{`"Report.TXT"`, `filename:"report.txt"`},
		{"___", "filename:()"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			q, err := Parse(tt.input, ModeFilename)
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.String())
		})
	}
}

func TestParseContentNormalizes(t *testing.T) {
	q, err := Parse("the Reports", ModeContent)
	require.NoError(t, err)
	assert.Equal(t, "content:report", q.String())

	q, err = Parse("the", ModeContent)
	require.NoError(t, err)
	assert.Nil(t, q.Root)
}

func TestParseSyntaxErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		mode  Mode
	}{
		{"empty", "   ", ModeFilename},
		{"dangling and", "budget AND", ModeFilename},
		{"leading or", "OR budget", ModeFilename},
		{"dangling not", "budget NOT", ModeFilename},
		{"empty prefix", "*", ModeFilename},
		{"bad fuzzy distance", "budget~3", ModeFilename},
		{"non-numeric fuzzy", "budget~x", ModeFilename},
		{"unterminated quote", `"budget`, ModeFilename},
		{"unbalanced paren", "(budget", ModeFilename},
		{"stray paren", "budget)", ModeFilename},
		{"only negated", "NOT budget", ModeFilename},
		{"prefix in content", "budg*", ModeContent},
		{"fuzzy in content", "budget~1", ModeContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input, tt.mode)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrQuerySyntax)
			assert.Equal(t, apperrors.KindSyntax, apperrors.KindOf(err))
		})
	}
}

func TestLeavesSkipNegated(t *testing.T) {
	q, err := Parse("budget OR invoice NOT draft", ModeFilename)
	require.NoError(t, err)
	var terms []string
	for _, leaf := range q.Root.Leaves() {
		terms = append(terms, leaf.Terms...)
	}
	assert.Equal(t, []string{"budget", "invoice"}, terms)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("content")
	require.NoError(t, err)
	assert.Equal(t, ModeContent, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFilename, m)
	_, err = ParseMode("semantic")
	assert.Error(t, err)
}
