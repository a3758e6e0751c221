package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func terms(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

func TestTokenizeContent(t *testing.T) {
	got := terms(Tokenize("The Budget reports, and the budgeting of 2023!"))
	assert.Equal(t, []string{"budget", "report", "budget", "2023"}, got)
}

func TestNameTokens(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"budget.txt", []string{"budget.txt", "budget", "txt"}},
		{"budget_report_2023.xlsx", []string{"budget_report_2023.xlsx", "budget", "report", "2023", "xlsx"}},
		{"myFile2.go", []string{"myfile2.go", "myfile2", "my", "file", "2", "go"}},
		{"HTMLParser", []string{"htmlparser", "htmlparser", "html", "parser"}},
		{"a.tmp", []string{"a.tmp", "a", "tmp"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, terms(NameTokens(tt.name)))
		})
	}
}

func TestNameTokenPositions(t *testing.T) {
	tokens := NameTokens("report_final.txt")
	for i, tok := range tokens {
		assert.Equal(t, i, tok.Position)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryText, Classify("notes.md", nil))
	assert.Equal(t, CategoryBinary, Classify("photo.JPG", []byte("hello")))
	assert.Equal(t, CategoryText, Classify("README", []byte("plain words in a file\n")))
	assert.Equal(t, CategoryBinary, Classify("blob", []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0}))
	assert.Equal(t, CategoryBinary, Classify("empty", nil))
}

func TestAnalyzeDispatch(t *testing.T) {
	assert.Equal(t, []string{"notes.md", "notes", "md"}, terms(Analyze(CategoryFilename, []byte("notes.md"))))
	assert.Equal(t, []string{"annual", "budget"}, terms(Analyze(CategoryText, []byte("annual budget"))))
	assert.Nil(t, Analyze(CategoryBinary, []byte("\x00\x01")))
	assert.Nil(t, Analyze(Category(42), []byte("x")))
}
