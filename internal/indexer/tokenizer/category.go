package tokenizer

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Category selects how a file's bytes are analyzed. Every file is indexed by
// name; only CategoryText contributes content terms.
type Category uint8

const (
	CategoryFilename Category = iota
	CategoryText
	CategoryBinary
	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryFilename:
		return "filename"
	case CategoryText:
		return "text"
	case CategoryBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Analyzer turns one input into tokens.
type Analyzer func(input []byte) []Token

// analyzers is the fixed dispatch table. New content kinds add a Category and
// an entry here.
var analyzers = [numCategories]Analyzer{
	CategoryFilename: func(input []byte) []Token { return NameTokens(string(input)) },
	CategoryText:     func(input []byte) []Token { return Tokenize(string(input)) },
	CategoryBinary:   func([]byte) []Token { return nil },
}

// Analyze dispatches input to the analyzer registered for c.
func Analyze(c Category, input []byte) []Token {
	if c >= numCategories {
		return nil
	}
	return analyzers[c](input)
}

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".rst": {}, ".csv": {}, ".tsv": {},
	".log": {}, ".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {},
	".xml": {}, ".html": {}, ".htm": {}, ".css": {}, ".go": {}, ".rs": {},
	".py": {}, ".js": {}, ".ts": {}, ".java": {}, ".c": {}, ".h": {},
	".cpp": {}, ".hpp": {}, ".sh": {}, ".sql": {}, ".tex": {},
}

var binaryExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".o": {}, ".a": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".xz": {}, ".7z": {}, ".rar": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".ico": {},
	".mp3": {}, ".mp4": {}, ".mkv": {}, ".mov": {}, ".wav": {}, ".flac": {},
	".pdf": {}, ".docx": {}, ".xlsx": {}, ".pptx": {}, ".sqlite": {}, ".db": {},
}

// Classify picks the content category for a file from its extension, falling
// back to sniffing head (the first bytes of the file).
func Classify(path string, head []byte) Category {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := textExtensions[ext]; ok {
		return CategoryText
	}
	if _, ok := binaryExtensions[ext]; ok {
		return CategoryBinary
	}
	if len(head) == 0 {
		return CategoryBinary
	}
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return CategoryText
		}
	}
	return CategoryBinary
}
